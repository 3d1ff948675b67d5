package mailstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// buildMail 构造带附件的测试邮件
func buildMail(from, subject string, date time.Time, attachments map[string]string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	b.WriteString("To: arkiv@example.com\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"GRENSE\"\r\n\r\n")
	b.WriteString("--GRENSE\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nHei\r\n")

	names := make([]string, 0, len(attachments))
	for name := range attachments {
		names = append(names, name)
	}
	// 固定附件顺序
	sort.Strings(names)
	for _, name := range names {
		b.WriteString("--GRENSE\r\n")
		b.WriteString("Content-Type: application/octet-stream\r\n")
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=\"%s\"\r\n", name)
		b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		b.WriteString(base64.StdEncoding.EncodeToString([]byte(attachments[name])))
		b.WriteString("\r\n")
	}
	b.WriteString("--GRENSE--\r\n")
	return []byte(b.String())
}

func newTestMaildir(t *testing.T) *Maildir {
	t.Helper()
	m, err := NewMaildir(filepath.Join(t.TempDir(), "mail"), "Postkasse")
	if err != nil {
		t.Fatalf("创建 Maildir 失败: %v", err)
	}
	return m
}

func TestMaildir(t *testing.T) {
	m := newTestMaildir(t)
	ctx := context.Background()
	date := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	ref, err := m.Deliver("", buildMail(`"Ola Nordmann" <Ola@Firma.no>`, "Faktura PRJ-1", date,
		map[string]string{"a.pdf": "innhold-a", "b.txt": "innhold-b"}))
	if err != nil {
		t.Fatalf("投递邮件失败: %v", err)
	}

	t.Run("Deliver", func(t *testing.T) {
		if !strings.HasPrefix(ref.ID, InboxName+"/") {
			t.Errorf("ID = %q", ref.ID)
		}
		if ref.SenderAddress != "ola@firma.no" || ref.SenderName != "Ola Nordmann" {
			t.Errorf("发件人 = %q <%q>", ref.SenderName, ref.SenderAddress)
		}
		if ref.AttachmentCount != 2 || !ref.Unread || !ref.Time.Equal(date) {
			t.Errorf("ref = %+v", ref)
		}
	})

	t.Run("Attachments", func(t *testing.T) {
		msg, err := m.Open(ctx, ref)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		atts, err := msg.Attachments(ctx)
		if err != nil {
			t.Fatalf("Attachments() error = %v", err)
		}
		if len(atts) != 2 {
			t.Fatalf("附件数 = %d, want 2", len(atts))
		}
		if atts[0].FileName() != "a.pdf" || atts[0].Size() != int64(len("innhold-a")) {
			t.Errorf("附件 0 = %s (%d)", atts[0].FileName(), atts[0].Size())
		}
		dst := filepath.Join(t.TempDir(), "a.pdf")
		if err := atts[0].SaveTo(dst); err != nil {
			t.Fatalf("SaveTo() error = %v", err)
		}
		data, _ := os.ReadFile(dst)
		if string(data) != "innhold-a" {
			t.Errorf("附件内容 = %q", data)
		}
	})

	t.Run("Categories", func(t *testing.T) {
		msg, err := m.Open(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if err := msg.SetCategories(ctx, []string{"Arkivert", "Kunde X"}); err != nil {
			t.Fatalf("SetCategories() error = %v", err)
		}
		got, err := msg.Categories(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"Arkivert", "Kunde X"}, got); diff != "" {
			t.Errorf("Categories() mismatch (-want +got):\n%s", diff)
		}
		// 改写头后附件仍可解析
		atts, err := msg.Attachments(ctx)
		if err != nil || len(atts) != 2 {
			t.Errorf("改写后 Attachments() = %d, %v", len(atts), err)
		}
	})

	t.Run("MarkRead", func(t *testing.T) {
		msg, err := m.Open(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if err := msg.MarkRead(ctx); err != nil {
			t.Fatalf("MarkRead() error = %v", err)
		}
		refs, err := m.Search(ctx, SearchFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(refs) != 1 || refs[0].Unread {
			t.Errorf("Search() = %+v", refs)
		}
		if refs[0].ID != ref.ID {
			t.Errorf("标记已读后 ID 变化: %q -> %q", ref.ID, refs[0].ID)
		}
	})

	t.Run("EnsureCategory", func(t *testing.T) {
		if err := m.EnsureCategory(ctx, "Arkivert", "blue"); err != nil {
			t.Fatal(err)
		}
		if err := m.EnsureCategory(ctx, "Arkivert", "red"); err != nil {
			t.Fatal(err)
		}
		cats, err := m.Categories()
		if err != nil {
			t.Fatal(err)
		}
		if cats["Arkivert"] != 8 {
			t.Errorf("颜色 = %d, want 8", cats["Arkivert"])
		}
	})
}

func TestMaildir_SearchFilters(t *testing.T) {
	m := newTestMaildir(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if _, err := m.Deliver("", buildMail("a@x.no", "Faktura 1", base, map[string]string{"f.pdf": "1"})); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Deliver("", buildMail("b@y.no", "Hei", base.AddDate(0, 0, 1), nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Deliver("Arkiv/Kunde", buildMail("c@x.no", "Faktura 2", base.AddDate(0, 0, 2), map[string]string{"g.pdf": "2"})); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter SearchFilter
		want   int
	}{
		{"仅收件箱", SearchFilter{}, 2},
		{"含子文件夹", SearchFilter{IncludeSubfolders: true}, 3},
		{"仅有附件", SearchFilter{IncludeSubfolders: true, AttachmentsOnly: true}, 2},
		{"发件人", SearchFilter{IncludeSubfolders: true, SenderQuery: "X.NO"}, 2},
		{"主题", SearchFilter{IncludeSubfolders: true, SubjectContains: "faktura"}, 2},
		{"时间范围", SearchFilter{IncludeSubfolders: true, After: base.Add(time.Hour), Before: base.AddDate(0, 0, 2)}, 1},
		{"总数上限", SearchFilter{IncludeSubfolders: true, CapTotal: 1}, 1},
		{"指定文件夹", SearchFilter{Folder: "Arkiv/Kunde"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs, err := m.Search(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(refs) != tt.want {
				t.Errorf("Search() 返回 %d 封, want %d", len(refs), tt.want)
			}
		})
	}

	t.Run("中止", func(t *testing.T) {
		_, err := m.Search(ctx, SearchFilter{Stop: func() bool { return true }})
		if !errors.Is(err, ErrAborted) {
			t.Errorf("Search() error = %v, want ErrAborted", err)
		}
	})

	t.Run("上下文取消视为中止", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := m.Search(cctx, SearchFilter{})
		if !errors.Is(err, ErrAborted) {
			t.Errorf("Search() error = %v, want ErrAborted", err)
		}
	})
}

func TestMaildir_ResolveFolderAndMove(t *testing.T) {
	m := newTestMaildir(t)
	ctx := context.Background()

	ref, err := m.Deliver("", buildMail("a@x.no", "Flytt", time.Now(), nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureFolder("Arkiv/KundeX"); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{`\\Postkasse\Arkiv\KundeX`, "arkiv/kundex", `Arkiv\KundeX`} {
		if _, err := m.ResolveFolder(ctx, p); err != nil {
			t.Errorf("ResolveFolder(%q) error = %v", p, err)
		}
	}
	if _, err := m.ResolveFolder(ctx, "Arkiv/Finnes-ikke"); !errors.Is(err, ErrFolderNotFound) {
		t.Errorf("ResolveFolder() error = %v, want ErrFolderNotFound", err)
	}

	dest, err := m.ResolveFolder(ctx, `\\Postkasse\Arkiv\KundeX`)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := m.Open(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if err := msg.Move(ctx, dest); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if got := msg.Ref().FolderPath; got != "Arkiv/KundeX" {
		t.Errorf("FolderPath = %q", got)
	}

	if _, err := m.Open(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("旧引用 Open() error = %v, want ErrNotFound", err)
	}
	if _, err := m.Open(ctx, msg.Ref()); err != nil {
		t.Errorf("新引用 Open() error = %v", err)
	}
}
