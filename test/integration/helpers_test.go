//go:build integration

package integration

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/gomailzero/fredag/internal/config"
	"github.com/gomailzero/fredag/internal/job"
	"github.com/gomailzero/fredag/internal/mailstore"
	"github.com/gomailzero/fredag/internal/rules"
)

// env 基于 Maildir、sqlite 台账和 JSON 索引的完整运行环境
type env struct {
	dir     string
	cfg     *config.Config
	maildir *mailstore.Maildir
	runner  *job.Runner
}

func newEnv(t *testing.T, extra string) *env {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "fredag.yml")
	content := "workdir: " + dir + "\n" + extra
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	cfg.State.LockTimeout = 100 * time.Millisecond

	md, err := mailstore.NewMaildir(cfg.Store.MaildirRoot, cfg.Store.MaildirName)
	if err != nil {
		t.Fatalf("创建 Maildir 失败: %v", err)
	}

	e := &env{dir: dir, cfg: cfg, maildir: md}
	e.runner = job.NewRunner(cfg, func(ctx context.Context) (mailstore.Store, error) {
		return mailstore.NewMaildir(cfg.Store.MaildirRoot, cfg.Store.MaildirName)
	})
	return e
}

func (e *env) saveRules(t *testing.T, groups ...rules.Group) {
	t.Helper()
	if err := rules.Save(e.cfg.State.RulesFile, groups); err != nil {
		t.Fatalf("保存规则失败: %v", err)
	}
}

// deliver 投递一封带附件的邮件
func (e *env) deliver(t *testing.T, folder, fromName, fromAddr, subject string, date time.Time, attachments map[string][]byte) mailstore.MessageRef {
	t.Helper()
	ref, err := e.maildir.Deliver(folder, buildMail(t, fromName, fromAddr, subject, date, attachments))
	if err != nil {
		t.Fatalf("投递邮件失败: %v", err)
	}
	return ref
}

func buildMail(t *testing.T, fromName, fromAddr, subject string, date time.Time, attachments map[string][]byte) []byte {
	t.Helper()
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Name: fromName, Address: fromAddr}})
	h.SetAddressList("To", []*mail.Address{{Address: "arkiv@example.com"}})

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		t.Fatal(err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		t.Fatal(err)
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	w, err := tw.CreatePart(th)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "Hei, se vedlegg.")
	w.Close()
	tw.Close()

	names := make([]string, 0, len(attachments))
	for name := range attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", "application/octet-stream")
		ah.SetFilename(name)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(attachments[name])
		w.Close()
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// listFiles 返回 root 下全部文件的相对路径
func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	sort.Strings(out)
	return out
}

func (e *env) window() job.Request {
	from, to := job.DefaultWindow(time.Now(), 7)
	return job.Request{From: from, To: to, IncludeSubfolders: true}
}
