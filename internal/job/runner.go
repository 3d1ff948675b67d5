// Package job 串联锁、台账、搜索、分派、保留清理、指标和报告，供命令行与管理接口调用。
package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gomailzero/fredag/internal/archiver"
	"github.com/gomailzero/fredag/internal/config"
	"github.com/gomailzero/fredag/internal/dedup"
	"github.com/gomailzero/fredag/internal/dispatch"
	"github.com/gomailzero/fredag/internal/ledger"
	"github.com/gomailzero/fredag/internal/lock"
	"github.com/gomailzero/fredag/internal/logger"
	"github.com/gomailzero/fredag/internal/mailstore"
	"github.com/gomailzero/fredag/internal/metrics"
	"github.com/gomailzero/fredag/internal/report"
	"github.com/gomailzero/fredag/internal/retention"
	"github.com/gomailzero/fredag/internal/rules"
	"github.com/gomailzero/fredag/internal/settings"
)

// 台账中的任务名
const (
	JobArchive   = "auto_archive"
	JobRetention = "retention"
)

// ErrLocked 另一个任务正在运行
var ErrLocked = lock.ErrLocked

// StoreFactory 为一次运行打开邮件存储
type StoreFactory func(ctx context.Context) (mailstore.Store, error)

// Mailer 发送 HTML 报告邮件
type Mailer interface {
	SendHTML(ctx context.Context, from string, to []string, subject, html string) error
}

// Request 一次归档或移动运行的参数
type Request struct {
	// From、To 为日期（含），时间部分被忽略
	From              time.Time
	To                time.Time
	Folder            string
	IncludeSubfolders bool
	UnreadOnly        bool
	AttachmentsOnly   bool
	SubjectContains   string
	DryRun            bool
	AfterRetention    bool
	MailReport        bool
	// ReportTo 为空时使用配置中的收件人
	ReportTo []string
	Stop     func() bool
}

// ArchiveOutcome 归档运行结果
type ArchiveOutcome struct {
	RunID      string                 `json:"run_id"`
	Found      int                    `json:"found"`
	Summary    dispatch.Summary       `json:"summary"`
	Unassigned []mailstore.MessageRef `json:"unassigned"`
	Retention  retention.Summary      `json:"retention,omitempty"`
	ReportSent bool                   `json:"report_sent"`
	// ReportErr 报告发送失败不影响运行结果
	ReportErr error `json:"-"`
}

// MoveOutcome 移动运行结果
type MoveOutcome struct {
	RunID      string                 `json:"run_id"`
	Found      int                    `json:"found"`
	Summary    dispatch.MoveSummary   `json:"summary"`
	Unassigned []mailstore.MessageRef `json:"unassigned"`
	NoDest     []string               `json:"no_dest"`
}

// RetentionOutcome 保留清理运行结果
type RetentionOutcome struct {
	RunID      string            `json:"run_id"`
	Summary    retention.Summary `json:"summary"`
	ReportSent bool              `json:"report_sent"`
	ReportErr  error             `json:"-"`
}

// Status 状态快照
type Status struct {
	LastArchive   *time.Time `json:"last_archive,omitempty"`
	LastRetention *time.Time `json:"last_retention,omitempty"`
	LedgerEntries int        `json:"ledger_entries"`
	IndexEntries  int        `json:"index_entries"`
	Groups        int        `json:"groups"`
	Running       bool       `json:"running"`
}

// Runner 任务执行器
type Runner struct {
	cfg       *config.Config
	openStore StoreFactory
	exporter  *metrics.Exporter
	mailer    Mailer
	now       func() time.Time
}

// NewRunner 创建任务执行器
func NewRunner(cfg *config.Config, openStore StoreFactory) *Runner {
	return &Runner{
		cfg:       cfg,
		openStore: openStore,
		now:       time.Now,
	}
}

// SetMetrics 设置指标导出器
func (r *Runner) SetMetrics(e *metrics.Exporter) {
	r.exporter = e
}

// SetMailer 设置报告发送器
func (r *Runner) SetMailer(m Mailer) {
	r.mailer = m
}

// SetClock 替换时间来源
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// DefaultWindow 返回最近 fromDays 天的日期区间（含今天）
func DefaultWindow(now time.Time, fromDays int) (from, to time.Time) {
	to = startOfDay(now)
	return to.AddDate(0, 0, -fromDays), to
}

// DateLayout 日期参数格式
const DateLayout = "2006-01-02"

// ParseWindow 解析日期参数：fromDate/toDate 为空时分别使用最近 fromDays 天的起点和今天
func ParseWindow(now time.Time, fromDays int, fromDate, toDate string) (from, to time.Time, err error) {
	from, to = DefaultWindow(now, fromDays)
	if fromDate != "" {
		if from, err = time.ParseInLocation(DateLayout, fromDate, now.Location()); err != nil {
			return from, to, fmt.Errorf("无效的开始日期 %q: %w", fromDate, err)
		}
	}
	if toDate != "" {
		if to, err = time.ParseInLocation(DateLayout, toDate, now.Location()); err != nil {
			return from, to, fmt.Errorf("无效的结束日期 %q: %w", toDate, err)
		}
	}
	if to.Before(from) {
		return from, to, fmt.Errorf("结束日期 %s 早于开始日期 %s", to.Format(DateLayout), from.Format(DateLayout))
	}
	return from, to, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (r *Runner) acquire(ctx context.Context) (*lock.Lock, error) {
	path := lock.PathFor(r.cfg.State.Dir, r.cfg.State.LockName)
	l, err := lock.TryAcquire(path, r.cfg.State.LockTimeout)
	if errors.Is(err, lock.ErrLocked) {
		if r.exporter != nil {
			r.exporter.IncRunsLocked()
		}
		logger.WarnCtx(ctx).Str("lock", path).Msg("已有归档任务在运行，放弃本次运行")
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}
	logger.DebugCtx(ctx).Str("lock", l.Path()).Msg("已获取运行锁")
	return l, nil
}

func release(ctx context.Context, l *lock.Lock) {
	if err := l.Release(); err != nil {
		logger.WarnCtx(ctx).Err(err).Str("lock", l.Path()).Msg("释放运行锁失败")
	}
}

func (r *Runner) filter(req Request, s settings.Settings) mailstore.SearchFilter {
	f := mailstore.SearchFilter{
		Folder:            req.Folder,
		IncludeSubfolders: req.IncludeSubfolders,
		UnreadOnly:        req.UnreadOnly,
		AttachmentsOnly:   req.AttachmentsOnly,
		SubjectContains:   req.SubjectContains,
		CapPerFolder:      s.CapPerFolder,
		CapTotal:          s.CapTotal,
		Stop:              req.Stop,
	}
	if !req.From.IsZero() {
		f.After = startOfDay(req.From)
	}
	if !req.To.IsZero() {
		f.Before = startOfDay(req.To).AddDate(0, 0, 1)
	}
	return f
}

// search 打开存储并执行搜索，调用方负责关闭返回的存储
func (r *Runner) search(ctx context.Context, f mailstore.SearchFilter) (mailstore.Store, []mailstore.MessageRef, error) {
	store, err := r.openStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("打开邮件存储失败: %w", err)
	}
	refs, err := store.Search(ctx, f)
	if err != nil {
		store.Close()
		if errors.Is(err, mailstore.ErrAborted) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("搜索失败: %w", err)
	}
	return store, refs, nil
}

// Archive 执行一次归档：加锁、搜索、按分组归档，可选保留清理和报告
func (r *Runner) Archive(ctx context.Context, req Request) (*ArchiveOutcome, error) {
	ctx, runID := logger.NewRunContext(ctx)
	l, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release(ctx, l)

	led, err := ledger.Open(r.cfg.State.LedgerDSN)
	if err != nil {
		return nil, err
	}
	defer led.Close()

	groups := rules.Load(r.cfg.State.RulesFile)
	s := settings.Load(r.cfg.State.SettingsFile)

	// 归档只处理带附件的邮件
	req.AttachmentsOnly = true
	store, refs, err := r.search(ctx, r.filter(req, s))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	logger.InfoCtx(ctx).
		Int("found", len(refs)).
		Int("groups", len(groups)).
		Bool("dry_run", req.DryRun).
		Msg("开始归档")

	engine := archiver.NewEngine(store, r.cfg.State.TmpDir(), r.cfg.State.DedupIndexFile)
	engine.SetClock(r.now)
	d := dispatch.New(store, engine, led, s)
	d.SetMetrics(r.exporter)
	d.SetClock(r.now)

	summary, unassigned := d.ArchiveByGroups(ctx, refs, groups, true, req.DryRun)
	out := &ArchiveOutcome{
		RunID:      runID,
		Found:      len(refs),
		Summary:    summary,
		Unassigned: unassigned,
	}

	if !req.DryRun {
		now := r.now()
		if err := led.SetLastRun(ctx, JobArchive, now); err != nil {
			logger.WarnCtx(ctx).Err(err).Msg("写入运行时间失败")
		}
		if r.exporter != nil {
			r.exporter.SetLastRun(JobArchive, now)
		}
		if req.AfterRetention {
			out.Retention = r.retention(ctx, led, groups, false)
		}
	}
	r.recordState(ctx, led)

	if req.MailReport {
		from, to := req.From, req.To
		if from.IsZero() || to.IsZero() {
			from, to = DefaultWindow(r.now(), r.cfg.Schedule.FromDays)
		}
		html, err := report.ArchiveHTML(summary, len(unassigned), from, to, req.DryRun)
		if err == nil {
			err = r.sendReport(ctx, req.ReportTo, report.ArchiveSubject(req.DryRun), html)
		}
		out.ReportSent, out.ReportErr = err == nil, err
	}
	return out, nil
}

// Move 按分组把邮件移动到目标文件夹
func (r *Runner) Move(ctx context.Context, req Request) (*MoveOutcome, error) {
	ctx, runID := logger.NewRunContext(ctx)
	l, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release(ctx, l)

	groups := rules.Load(r.cfg.State.RulesFile)
	s := settings.Load(r.cfg.State.SettingsFile)

	store, refs, err := r.search(ctx, r.filter(req, s))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	d := dispatch.New(store, nil, nil, s)
	d.SetMetrics(r.exporter)
	summary, unassigned, noDest := d.MoveByGroups(ctx, refs, groups, req.DryRun)
	r.writeTextfile(ctx)

	return &MoveOutcome{
		RunID:      runID,
		Found:      len(refs),
		Summary:    summary,
		Unassigned: unassigned,
		NoDest:     noDest,
	}, nil
}

// Suggest 搜索并按发件域名汇总未匹配任何分组的邮件
func (r *Runner) Suggest(ctx context.Context, req Request) ([]rules.DomainSuggestion, error) {
	groups := rules.Load(r.cfg.State.RulesFile)
	s := settings.Load(r.cfg.State.SettingsFile)

	store, refs, err := r.search(ctx, r.filter(req, s))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	var unassigned []mailstore.MessageRef
	for _, ref := range refs {
		if rules.ResolveGroup(groups, ref.SenderAddress, ref.SenderName) == nil {
			unassigned = append(unassigned, ref)
		}
	}
	return rules.SummarizeUnassigned(unassigned), nil
}

// Retention 单独执行保留清理
func (r *Runner) Retention(ctx context.Context, dryRun, mailReport bool, reportTo []string) (*RetentionOutcome, error) {
	ctx, runID := logger.NewRunContext(ctx)
	l, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release(ctx, l)

	led, err := ledger.Open(r.cfg.State.LedgerDSN)
	if err != nil {
		return nil, err
	}
	defer led.Close()

	groups := rules.Load(r.cfg.State.RulesFile)

	out := &RetentionOutcome{
		RunID:   runID,
		Summary: r.retention(ctx, led, groups, dryRun),
	}
	r.recordState(ctx, led)

	if mailReport {
		html, err := report.RetentionHTML(out.Summary, dryRun)
		if err == nil {
			err = r.sendReport(ctx, reportTo, report.RetentionSubject(dryRun), html)
		}
		out.ReportSent, out.ReportErr = err == nil, err
	}
	return out, nil
}

func (r *Runner) retention(ctx context.Context, led *ledger.Ledger, groups []rules.Group, dryRun bool) retention.Summary {
	now := r.now()
	summary := retention.Apply(ctx, groups, dryRun, now)
	if dryRun {
		return summary
	}
	if r.exporter != nil {
		for _, name := range summary.Names() {
			g := summary[name]
			r.exporter.AddRetention(name, g.Deleted, g.Kept, g.Errors)
		}
		r.exporter.SetLastRun(JobRetention, now)
	}
	if err := led.SetLastRun(ctx, JobRetention, now); err != nil {
		logger.WarnCtx(ctx).Err(err).Msg("写入运行时间失败")
	}
	return summary
}

// recordState 更新状态类指标并写出 textfile
func (r *Runner) recordState(ctx context.Context, led *ledger.Ledger) {
	if r.exporter == nil {
		return
	}
	r.exporter.SetDedupIndexEntries(len(dedup.Load(r.cfg.State.DedupIndexFile)))
	if n, err := led.Count(ctx); err == nil {
		r.exporter.SetLedgerEntries(n)
	}
	r.writeTextfile(ctx)
}

func (r *Runner) writeTextfile(ctx context.Context) {
	if r.exporter == nil || r.cfg.Metrics.Textfile == "" {
		return
	}
	if err := r.exporter.WriteTextfile(r.cfg.Metrics.Textfile); err != nil {
		logger.WarnCtx(ctx).Err(err).Str("path", r.cfg.Metrics.Textfile).Msg("写入指标文件失败")
	}
}

func (r *Runner) sendReport(ctx context.Context, to []string, subject, html string) error {
	if len(to) == 0 {
		to = r.cfg.Report.To
	}
	if len(to) == 0 {
		return errors.New("没有报告收件人")
	}
	if r.mailer == nil {
		return errors.New("未配置报告发送")
	}
	if err := r.mailer.SendHTML(ctx, r.cfg.Report.From, to, subject, html); err != nil {
		logger.WarnCtx(ctx).Err(err).Strs("to", to).Msg("发送报告失败")
		return err
	}
	logger.InfoCtx(ctx).Strs("to", to).Str("subject", subject).Msg("报告已发送")
	return nil
}

// Status 返回运行状态快照
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	led, err := ledger.Open(r.cfg.State.LedgerDSN)
	if err != nil {
		return nil, err
	}
	defer led.Close()

	st := &Status{
		IndexEntries: len(dedup.Load(r.cfg.State.DedupIndexFile)),
	}
	if st.LedgerEntries, err = led.Count(ctx); err != nil {
		return nil, err
	}
	for job, dst := range map[string]**time.Time{JobArchive: &st.LastArchive, JobRetention: &st.LastRetention} {
		t, ok, err := led.LastRun(ctx, job)
		if err != nil {
			return nil, err
		}
		if ok {
			*dst = &t
		}
	}
	st.Groups = len(rules.Load(r.cfg.State.RulesFile))
	if _, err := os.Stat(lock.PathFor(r.cfg.State.Dir, r.cfg.State.LockName)); err == nil {
		st.Running = true
	}
	return st, nil
}
