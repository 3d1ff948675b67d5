// Package retention 按分组的保留天数清理归档目录中的旧文件。
package retention

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gomailzero/fredag/internal/logger"
	"github.com/gomailzero/fredag/internal/rules"
)

// GroupSummary 单个分组的清理结果
type GroupSummary struct {
	Deleted int `json:"deleted"`
	Kept    int `json:"kept"`
	Errors  int `json:"errors"`
}

// Summary 分组名 -> 清理结果
type Summary map[string]GroupSummary

// Names 按名称排序的分组列表
func (s Summary) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply 对 retention_days > 0 且目标目录存在的分组执行清理。
// 修改时间早于 now - retention_days 天的文件为删除候选；演练时只计数。
// 实际运行后自底向上删除空目录（不含目标根目录）。
func Apply(ctx context.Context, groups []rules.Group, dryRun bool, now time.Time) Summary {
	summary := make(Summary)
	for _, g := range groups {
		if g.RetentionDays <= 0 || g.TargetDir == "" {
			continue
		}
		info, err := os.Stat(g.TargetDir)
		if err != nil || !info.IsDir() {
			continue
		}

		threshold := now.AddDate(0, 0, -g.RetentionDays)
		s := sweep(ctx, g.TargetDir, threshold, dryRun)
		if !dryRun {
			pruneEmptyDirs(ctx, g.TargetDir)
		}
		summary[g.Name] = s

		logger.InfoCtx(ctx).
			Str("group", g.Name).
			Int("days", g.RetentionDays).
			Int("deleted", s.Deleted).
			Int("kept", s.Kept).
			Int("errors", s.Errors).
			Bool("dry_run", dryRun).
			Msg("保留清理完成")
	}
	return summary
}

func sweep(ctx context.Context, root string, threshold time.Time, dryRun bool) GroupSummary {
	var s GroupSummary
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != root {
				s.Errors++
				logger.DebugCtx(ctx).Err(err).Str("path", path).Msg("无法遍历")
			}
			return nil
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			s.Errors++
			return nil
		}
		if !info.ModTime().Before(threshold) {
			s.Kept++
			return nil
		}
		if dryRun {
			s.Deleted++
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.Errors++
			logger.WarnCtx(ctx).Err(err).Str("path", path).Msg("删除文件失败")
			return nil
		}
		s.Deleted++
		return nil
	})
	return s
}

// pruneEmptyDirs 自底向上删除 root 下的空目录，root 本身保留
func pruneEmptyDirs(ctx context.Context, root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	// 逆序保证子目录先于父目录
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			logger.DebugCtx(ctx).Err(err).Str("dir", dir).Msg("删除空目录失败")
		}
	}
}
