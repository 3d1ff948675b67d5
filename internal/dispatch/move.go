package dispatch

import (
	"context"
	"sort"

	"github.com/gomailzero/fredag/internal/logger"
	"github.com/gomailzero/fredag/internal/mailstore"
	"github.com/gomailzero/fredag/internal/rules"
)

// MoveGroupSummary 单个分组的移动结果
type MoveGroupSummary struct {
	Moved   int `json:"moved"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// MoveSummary 分组名 -> 移动结果
type MoveSummary map[string]MoveGroupSummary

// Names 按名称排序的分组列表
func (s MoveSummary) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type moveBucket struct {
	group rules.Group
	refs  []mailstore.MessageRef
}

// MoveByGroups 将邮件移动到所属分组的 move_to_folder_path。
// 没有目标文件夹的分组只在 noDest 中报告一次，其邮件保持不变。
func (d *Dispatcher) MoveByGroups(ctx context.Context, refs []mailstore.MessageRef, groups []rules.Group, dryRun bool) (summary MoveSummary, unassigned []mailstore.MessageRef, noDest []string) {
	buckets := make(map[string]*moveBucket)
	var order []string
	seenNoDest := make(map[string]bool)

	for _, ref := range refs {
		g := rules.ResolveGroup(groups, ref.SenderAddress, ref.SenderName)
		if g == nil {
			unassigned = append(unassigned, ref)
			continue
		}
		if g.MoveToFolderPath == "" {
			if !seenNoDest[g.Name] {
				seenNoDest[g.Name] = true
				noDest = append(noDest, g.Name)
			}
			continue
		}
		b, ok := buckets[g.Name]
		if !ok {
			b = &moveBucket{group: *g}
			buckets[g.Name] = b
			order = append(order, g.Name)
		}
		b.refs = append(b.refs, ref)
	}

	summary = make(MoveSummary, len(buckets))
	destCache := make(map[string]mailstore.Folder)

	for _, name := range order {
		b := buckets[name]
		path := b.group.MoveToFolderPath

		dest, ok := destCache[path]
		if !ok {
			var err error
			dest, err = d.store.ResolveFolder(ctx, path)
			if err != nil {
				logger.WarnCtx(ctx).Err(err).Str("group", name).Str("folder", path).Msg("无法解析目标文件夹")
				dest = nil
			}
			destCache[path] = dest
		}

		var s MoveGroupSummary
		if dest == nil {
			s.Errors = len(b.refs)
		} else {
			for _, ref := range b.refs {
				if err := d.moveOne(ctx, ref, dest, b.group.MoveMarkRead, dryRun); err != nil {
					logger.WarnCtx(ctx).Err(err).Str("eid", ref.ID).Msg("移动邮件失败")
					s.Errors++
					continue
				}
				s.Moved++
			}
		}
		summary[name] = s

		logger.InfoCtx(ctx).
			Str("group", name).
			Int("moved", s.Moved).
			Int("errors", s.Errors).
			Bool("dry_run", dryRun).
			Msg("分组移动完成")
		if d.exporter != nil && !dryRun {
			d.exporter.AddMoved(name, s.Moved, s.Errors)
		}
	}
	return summary, unassigned, noDest
}

func (d *Dispatcher) moveOne(ctx context.Context, ref mailstore.MessageRef, dest mailstore.Folder, markRead, dryRun bool) error {
	msg, err := d.store.Open(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	if markRead && msg.Ref().Unread {
		if err := msg.MarkRead(ctx); err != nil {
			logger.DebugCtx(ctx).Err(err).Str("eid", ref.ID).Msg("标记已读失败")
		}
	}
	return msg.Move(ctx, dest)
}
