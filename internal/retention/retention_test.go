package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gomailzero/fredag/internal/rules"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// writeAged 创建文件并把修改时间设为 now 之前 age
func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	mt := now.Add(-age)
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatal(err)
	}
}

func TestApply(t *testing.T) {
	root := filepath.Join(t.TempDir(), "arkiv")
	day := 24 * time.Hour
	writeAged(t, filepath.Join(root, "2024", "01_Jan", "gammel.pdf"), 200*day)
	writeAged(t, filepath.Join(root, "2024", "02_Feb", "gammel2.pdf"), 100*day)
	writeAged(t, filepath.Join(root, "2025", "05_Mai", "ny.pdf"), 10*day)
	writeAged(t, filepath.Join(root, "2025", "05_Mai", "grense.pdf"), 30*day-time.Minute)

	groups := []rules.Group{
		{Name: "Arkiv", TargetDir: root, RetentionDays: 30},
		{Name: "Evig", TargetDir: root, RetentionDays: 0},
		{Name: "Mangler", TargetDir: filepath.Join(root, "finnes-ikke"), RetentionDays: 10},
	}
	ctx := context.Background()

	dry := Apply(ctx, groups, true, now)
	want := Summary{"Arkiv": {Deleted: 2, Kept: 2}}
	if diff := cmp.Diff(want, dry); diff != "" {
		t.Errorf("演练 Summary mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(root, "2024", "01_Jan", "gammel.pdf")); err != nil {
		t.Errorf("演练删除了文件: %v", err)
	}

	applied := Apply(ctx, groups, false, now)
	if diff := cmp.Diff(dry, applied); diff != "" {
		t.Errorf("实际运行与演练结果不一致 (-dry +real):\n%s", diff)
	}

	// 空目录被删除，根目录和非空目录保留
	if _, err := os.Stat(filepath.Join(root, "2024")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("空目录未删除: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "2025", "05_Mai", "ny.pdf")); err != nil {
		t.Errorf("新文件被删除: %v", err)
	}

	again := Apply(ctx, groups, false, now)
	if diff := cmp.Diff(Summary{"Arkiv": {Kept: 2}}, again); diff != "" {
		t.Errorf("第二次运行 Summary mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_KeepsEmptyRoot(t *testing.T) {
	root := t.TempDir()
	writeAged(t, filepath.Join(root, "a", "b", "fil.txt"), 48*time.Hour)

	got := Apply(context.Background(), []rules.Group{{Name: "G", TargetDir: root, RetentionDays: 1}}, false, now)
	if got["G"].Deleted != 1 {
		t.Errorf("Summary = %v", got)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("根目录被删除: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("根目录残留 %d 项", len(entries))
	}
}

func TestSummary_Names(t *testing.T) {
	s := Summary{"b": {}, "a": {}}
	if got := s.Names(); !cmp.Equal(got, []string{"a", "b"}) {
		t.Errorf("Names() = %v", got)
	}
}
