package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gomailzero/fredag/internal/config"
	"github.com/gomailzero/fredag/internal/job"
	"github.com/gomailzero/fredag/internal/logger"
	"github.com/gomailzero/fredag/internal/mailstore"
	"github.com/gomailzero/fredag/internal/report"
	"github.com/gomailzero/fredag/internal/smtpclient"
	tlsconfig "github.com/gomailzero/fredag/internal/tls"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 退出码
const (
	exitOK     = 0
	exitError  = 1
	exitLocked = 2
)

type options struct {
	configPath      string
	fromDays        int
	fromDate        string
	toDate          string
	noSubfolders    bool
	onlyUnread      bool
	onlyAttachments bool
	subject         string
	dryRun          bool
	afterRetention  bool
	mailReport      bool
	to              string
	retention       bool
	move            bool
	suggest         bool
	exportPath      string
	importPath      string
	serve           bool
	every           time.Duration
	hashKey         bool
}

func main() {
	var (
		opts    options
		version = flag.Bool("version", false, "显示版本信息")
	)
	flag.StringVar(&opts.configPath, "c", "fredag.yml", "配置文件路径")
	flag.IntVar(&opts.fromDays, "from-days", 0, "搜索最近 N 天（默认取配置 schedule.from_days）")
	flag.StringVar(&opts.fromDate, "from-date", "", "开始日期 YYYY-MM-DD（覆盖 -from-days）")
	flag.StringVar(&opts.toDate, "to-date", "", "结束日期 YYYY-MM-DD（含，默认今天）")
	flag.BoolVar(&opts.noSubfolders, "no-subfolders", false, "不搜索子文件夹")
	flag.BoolVar(&opts.onlyUnread, "only-unread", false, "只处理未读邮件")
	flag.BoolVar(&opts.onlyAttachments, "only-attachments", false, "移动和建议时只处理带附件的邮件（归档总是只处理带附件的邮件）")
	flag.StringVar(&opts.subject, "subject", "", "主题包含的文字")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "演练：只统计，不写文件、不修改邮件")
	flag.BoolVar(&opts.afterRetention, "after-retention", false, "归档后执行保留清理（演练时忽略）")
	flag.BoolVar(&opts.mailReport, "mail-report", false, "发送 HTML 报告邮件")
	flag.StringVar(&opts.to, "to", "", "报告收件人，逗号分隔（默认取配置 report.to）")
	flag.BoolVar(&opts.retention, "retention", false, "只执行保留清理")
	flag.BoolVar(&opts.move, "move", false, "按分组移动邮件到目标文件夹，不归档附件")
	flag.BoolVar(&opts.suggest, "suggest", false, "按域名列出未分组邮件")
	flag.StringVar(&opts.exportPath, "export", "", "导出规则和设置到 zip 文件")
	flag.StringVar(&opts.importPath, "import", "", "从 zip 文件导入规则和设置")
	flag.BoolVar(&opts.serve, "serve", false, "守护模式：指标、管理 API 和定时归档")
	flag.DurationVar(&opts.every, "every", 0, "守护模式下的运行间隔（默认取配置 schedule.every）")
	flag.BoolVar(&opts.hashKey, "hash-key", false, "生成管理 API 密钥及其哈希")
	flag.Parse()

	if *version {
		fmt.Printf("fredag version %s (built %s)\n", Version, BuildTime)
		os.Exit(exitOK)
	}

	if opts.hashKey {
		os.Exit(runHashKey())
	}

	// 加载配置
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(exitError)
	}

	// 初始化日志
	logger.Init(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	log.Debug().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("config", opts.configPath).
		Msg("fredag 启动")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.exportPath != "":
		os.Exit(runExport(cfg, opts.exportPath))
	case opts.importPath != "":
		os.Exit(runImport(cfg, opts.importPath))
	}

	runner := job.NewRunner(cfg, storeFactory(cfg))
	if opts.mailReport || cfg.Report.Enabled {
		mailer, err := newMailer(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "初始化报告发送失败: %v\n", err)
			os.Exit(exitError)
		}
		runner.SetMailer(mailer)
	}

	var code int
	switch {
	case opts.serve:
		code = runServe(ctx, cfg, opts, runner)
	case opts.retention:
		code = runRetention(ctx, opts, runner)
	case opts.move:
		code = runMove(ctx, cfg, opts, runner)
	case opts.suggest:
		code = runSuggest(ctx, cfg, opts, runner)
	default:
		code = runArchive(ctx, cfg, opts, runner)
	}
	stop()
	os.Exit(code)
}

// storeFactory 按配置打开 Maildir 或 IMAP 存储
func storeFactory(cfg *config.Config) job.StoreFactory {
	return func(ctx context.Context) (mailstore.Store, error) {
		if cfg.Store.Driver != "imap" {
			md, err := mailstore.NewMaildir(cfg.Store.MaildirRoot, cfg.Store.MaildirName)
			if err != nil {
				return nil, err
			}
			return md, nil
		}

		tlsCfg, err := tlsconfig.ClientConfig(cfg.TLS, cfg.Store.IMAP.Host)
		if err != nil {
			return nil, err
		}
		c, err := mailstore.DialIMAP(ctx, mailstore.IMAPConfig{
			Host:      cfg.Store.IMAP.Host,
			Port:      cfg.Store.IMAP.Port,
			Username:  cfg.Store.IMAP.Username,
			Password:  cfg.Store.IMAP.Password,
			TLS:       cfg.Store.IMAP.TLS,
			TLSConfig: tlsCfg,
			Mailbox:   cfg.Store.IMAP.Mailbox,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// newMailer 创建报告邮件的 SMTP 中继客户端
func newMailer(cfg *config.Config) (*smtpclient.Client, error) {
	relay := cfg.Report.Relay
	if relay.Host == "" {
		return nil, errors.New("未配置 report.relay.host")
	}
	tlsCfg, err := tlsconfig.ClientConfig(cfg.TLS, relay.Host)
	if err != nil {
		return nil, err
	}
	return smtpclient.NewClient(smtpclient.RelayConfig{
		Host:      relay.Host,
		Port:      relay.Port,
		Username:  relay.Username,
		Password:  relay.Password,
		UseTLS:    relay.UseTLS,
		TLSConfig: tlsCfg,
		Timeout:   relay.Timeout,
	}, ""), nil
}

// buildRequest 把命令行参数转换为任务请求
func buildRequest(ctx context.Context, cfg *config.Config, opts options) (job.Request, error) {
	days := opts.fromDays
	if days <= 0 {
		days = cfg.Schedule.FromDays
	}
	from, to, err := job.ParseWindow(time.Now(), days, opts.fromDate, opts.toDate)
	if err != nil {
		return job.Request{}, err
	}
	return job.Request{
		From:              from,
		To:                to,
		IncludeSubfolders: !opts.noSubfolders,
		UnreadOnly:        opts.onlyUnread,
		AttachmentsOnly:   opts.onlyAttachments,
		SubjectContains:   opts.subject,
		DryRun:            opts.dryRun,
		AfterRetention:    opts.afterRetention,
		MailReport:        opts.mailReport,
		ReportTo:          splitList(opts.to),
		Stop:              func() bool { return ctx.Err() != nil },
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// exitCode 打印错误并返回退出码
func exitCode(err error) int {
	switch {
	case errors.Is(err, job.ErrLocked):
		fmt.Fprintln(os.Stderr, "En annen arkiveringsjobb kjører allerede – avbryter.")
		return exitLocked
	case errors.Is(err, mailstore.ErrAborted):
		fmt.Fprintln(os.Stderr, "Søket ble avbrutt.")
		return exitError
	default:
		fmt.Fprintf(os.Stderr, "Feil: %v\n", err)
		return exitError
	}
}

func printReportStatus(sent bool, err error) {
	switch {
	case sent:
		fmt.Println("Rapport sendt.")
	case err != nil:
		fmt.Fprintf(os.Stderr, "Rapport ikke sendt: %v\n", err)
	}
}

func runArchive(ctx context.Context, cfg *config.Config, opts options, runner *job.Runner) int {
	req, err := buildRequest(ctx, cfg, opts)
	if err != nil {
		return exitCode(err)
	}
	out, err := runner.Archive(ctx, req)
	if err != nil {
		return exitCode(err)
	}

	fmt.Printf("Fant %d meldinger (%s – %s)\n", out.Found, req.From.Format("02.01.2006"), req.To.Format("02.01.2006"))
	report.WriteArchiveText(os.Stdout, out.Summary, len(out.Unassigned), req.DryRun)
	if out.Retention != nil {
		report.WriteRetentionText(os.Stdout, out.Retention, false)
	}
	printReportStatus(out.ReportSent, out.ReportErr)
	return exitOK
}

func runRetention(ctx context.Context, opts options, runner *job.Runner) int {
	out, err := runner.Retention(ctx, opts.dryRun, opts.mailReport, splitList(opts.to))
	if err != nil {
		return exitCode(err)
	}
	report.WriteRetentionText(os.Stdout, out.Summary, opts.dryRun)
	printReportStatus(out.ReportSent, out.ReportErr)
	return exitOK
}

func runMove(ctx context.Context, cfg *config.Config, opts options, runner *job.Runner) int {
	req, err := buildRequest(ctx, cfg, opts)
	if err != nil {
		return exitCode(err)
	}
	out, err := runner.Move(ctx, req)
	if err != nil {
		return exitCode(err)
	}
	report.WriteMoveText(os.Stdout, out.Summary, len(out.Unassigned), out.NoDest, req.DryRun)
	return exitOK
}

func runSuggest(ctx context.Context, cfg *config.Config, opts options, runner *job.Runner) int {
	req, err := buildRequest(ctx, cfg, opts)
	if err != nil {
		return exitCode(err)
	}
	suggestions, err := runner.Suggest(ctx, req)
	if err != nil {
		return exitCode(err)
	}
	if len(suggestions) == 0 {
		fmt.Println("Ingen meldinger uten gruppe.")
		return exitOK
	}
	fmt.Println("=== Uten gruppe pr. domene ===")
	for _, s := range suggestions {
		fmt.Printf("- %s: %d (%s)\n", s.Domain, s.Count, strings.Join(s.Examples, ", "))
	}
	return exitOK
}
