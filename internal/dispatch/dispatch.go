// Package dispatch 按发件人规则将邮件分组，并对每个分组执行归档或移动。
package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/gomailzero/fredag/internal/archiver"
	"github.com/gomailzero/fredag/internal/logger"
	"github.com/gomailzero/fredag/internal/mailstore"
	"github.com/gomailzero/fredag/internal/metrics"
	"github.com/gomailzero/fredag/internal/rules"
	"github.com/gomailzero/fredag/internal/settings"
)

// Ledger 邮件级幂等记录
type Ledger interface {
	WasArchived(ctx context.Context, eid string) (bool, error)
	MarkArchived(ctx context.Context, eid string, at time.Time) error
}

// GroupSummary 单个分组的归档结果
type GroupSummary struct {
	Saved    int    `json:"saved"`
	Skipped  int    `json:"skipped"`
	Messages int    `json:"msgs"`
	Errors   string `json:"errors,omitempty"`
}

// Summary 分组名 -> 归档结果
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

// Totals 所有分组的合计
func (s Summary) Totals() GroupSummary {
	var t GroupSummary
	for _, g := range s {
		t.Saved += g.Saved
		t.Skipped += g.Skipped
		t.Messages += g.Messages
	}
	return t
}

// Dispatcher 分组调度器，单次操作内使用，不支持并发调用
type Dispatcher struct {
	store    mailstore.Store
	engine   *archiver.Engine
	ledger   Ledger
	settings settings.Settings
	exporter *metrics.Exporter
	now      func() time.Time
}

// New 创建调度器。settings 应在操作开始时加载
func New(store mailstore.Store, engine *archiver.Engine, ledger Ledger, s settings.Settings) *Dispatcher {
	return &Dispatcher{
		store:    store,
		engine:   engine,
		ledger:   ledger,
		settings: s,
		now:      time.Now,
	}
}

// SetMetrics 设置指标导出器，nil 表示不记录
func (d *Dispatcher) SetMetrics(e *metrics.Exporter) {
	d.exporter = e
}

// SetClock 替换时间来源
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// bucket 同一分组的邮件
type bucket struct {
	group rules.Group
	refs  []mailstore.MessageRef
}

// ArchiveByGroups 将邮件分派到匹配的分组并逐组归档。
// 非演练时跳过台账中已记录的邮件，并在每组归档后记录该组全部邮件。
// 返回每组结果和未匹配任何分组的邮件。
func (d *Dispatcher) ArchiveByGroups(ctx context.Context, refs []mailstore.MessageRef, groups []rules.Group, dedupRun, dryRun bool) (Summary, []mailstore.MessageRef) {
	var unassigned []mailstore.MessageRef
	buckets := make(map[string]*bucket)
	var order []string

	for _, ref := range refs {
		if !dryRun {
			if ref.ID == "" {
				continue
			}
			done, err := d.ledger.WasArchived(ctx, ref.ID)
			if err != nil {
				logger.WarnCtx(ctx).Err(err).Str("eid", ref.ID).Msg("查询台账失败，跳过邮件")
				continue
			}
			if done {
				continue
			}
		}

		g := rules.ResolveGroup(groups, ref.SenderAddress, ref.SenderName)
		if g == nil {
			unassigned = append(unassigned, ref)
			continue
		}
		b, ok := buckets[g.Name]
		if !ok {
			b = &bucket{group: *g}
			buckets[g.Name] = b
			order = append(order, g.Name)
		}
		b.refs = append(b.refs, ref)
	}

	summary := make(Summary, len(buckets))
	for _, name := range order {
		b := buckets[name]
		g := d.settings.Apply(b.group)

		res := d.engine.Archive(ctx, b.refs, archiver.Options{
			TargetRoot:      g.TargetDir,
			DedupRun:        dedupRun,
			DedupPersist:    d.settings.DedupPersist,
			DedupTTLDays:    d.settings.DedupTTLDays,
			AllowedExts:     g.AllowedExts,
			MinKB:           g.MinKB,
			MaxKB:           g.MaxKB,
			Category:        g.Category,
			CategoryColor:   g.CategoryColor,
			DryRun:          dryRun,
			Template:        g.TargetTemplate,
			SubjectTagRegex: g.SubjectTagRegex,
		})

		if !dryRun {
			at := d.now()
			for _, ref := range b.refs {
				if err := d.ledger.MarkArchived(ctx, ref.ID, at); err != nil {
					logger.WarnCtx(ctx).Err(err).Str("eid", ref.ID).Msg("写入台账失败")
				}
			}
		}

		summary[name] = GroupSummary{
			Saved:    res.Saved,
			Skipped:  res.Skipped,
			Messages: len(b.refs),
			Errors:   res.ErrorText(),
		}
		logger.InfoCtx(ctx).
			Str("group", name).
			Int("msgs", len(b.refs)).
			Int("saved", res.Saved).
			Int("skipped", res.Skipped).
			Int("errors", len(res.Errors)).
			Int("categorized", res.Categorized).
			Bool("dry_run", dryRun).
			Msg("分组归档完成")

		if d.exporter != nil {
			d.exporter.AddArchived(name, len(b.refs), res.Saved, res.Skipped, len(res.Errors))
		}
	}

	if d.exporter != nil {
		d.exporter.AddUnassigned(len(unassigned))
	}
	return summary, unassigned
}
