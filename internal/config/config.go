package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/gomailzero/fredag/internal/logger"
)

// Config 应用配置
type Config struct {
	WorkDir  string         `yaml:"workdir" mapstructure:"workdir"` // 工作目录，所有相对路径基于此目录
	State    StateConfig    `yaml:"state" mapstructure:"state"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Schedule ScheduleConfig `yaml:"schedule" mapstructure:"schedule"`
	Report   ReportConfig   `yaml:"report" mapstructure:"report"`
	TLS      TLSConfig      `yaml:"tls" mapstructure:"tls"`
	Admin    AdminConfig    `yaml:"admin" mapstructure:"admin"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
}

// StateConfig 状态文件配置
type StateConfig struct {
	Dir            string        `yaml:"dir" mapstructure:"dir"`
	RulesFile      string        `yaml:"rules_file" mapstructure:"rules_file"`
	SettingsFile   string        `yaml:"settings_file" mapstructure:"settings_file"`
	DedupIndexFile string        `yaml:"dedup_index_file" mapstructure:"dedup_index_file"`
	LedgerDSN      string        `yaml:"ledger_dsn" mapstructure:"ledger_dsn"`
	LockName       string        `yaml:"lock_name" mapstructure:"lock_name"`
	LockTimeout    time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout"`
}

// TmpDir 附件暂存目录
func (s StateConfig) TmpDir() string {
	return filepath.Join(s.Dir, "tmp")
}

// StoreConfig 邮件存储配置
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"` // maildir, imap
	MaildirRoot string     `yaml:"maildir_root" mapstructure:"maildir_root"`
	MaildirName string     `yaml:"maildir_name" mapstructure:"maildir_name"` // 文件夹路径中的存储名
	IMAP        IMAPConfig `yaml:"imap" mapstructure:"imap"`
}

// IMAPConfig IMAP 连接配置
type IMAPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	TLS      string `yaml:"tls" mapstructure:"tls"` // tls, starttls, none
	Mailbox  string `yaml:"mailbox" mapstructure:"mailbox"`
}

// ScheduleConfig 守护模式下的定时运行
type ScheduleConfig struct {
	Every          time.Duration `yaml:"every" mapstructure:"every"`
	FromDays       int           `yaml:"from_days" mapstructure:"from_days"`
	AfterRetention bool          `yaml:"after_retention" mapstructure:"after_retention"`
}

// ReportConfig 报告邮件配置
type ReportConfig struct {
	Enabled bool        `yaml:"enabled" mapstructure:"enabled"`
	From    string      `yaml:"from" mapstructure:"from"`
	To      []string    `yaml:"to" mapstructure:"to"`
	Relay   RelayConfig `yaml:"relay" mapstructure:"relay"`
}

// RelayConfig SMTP 中继配置
type RelayConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`         // 中继服务器地址（如 smtp.office365.com）
	Port     int    `yaml:"port" mapstructure:"port"`         // 中继服务器端口（如 587）
	Username string `yaml:"username" mapstructure:"username"` // 邮箱账号
	Password string `yaml:"password" mapstructure:"password"` // 邮箱密码或应用密码
	UseTLS   bool   `yaml:"use_tls" mapstructure:"use_tls"`   // 是否使用 STARTTLS

	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// TLSConfig 出站连接 TLS 配置
type TLSConfig struct {
	MinVersion         string `yaml:"min_version" mapstructure:"min_version"`
	CAFile             string `yaml:"ca_file" mapstructure:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// AdminConfig 管理 API 配置
type AdminConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Port       int    `yaml:"port" mapstructure:"port"`
	APIKeyHash string `yaml:"api_key_hash" mapstructure:"api_key_hash"` // fredag -hash-key 生成
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // trace, debug, info, warn, error, fatal
	Format string `yaml:"format" mapstructure:"format"` // json, text
	Output string `yaml:"output" mapstructure:"output"` // stdout, file path
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Path     string `yaml:"path" mapstructure:"path"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Textfile string `yaml:"textfile" mapstructure:"textfile"` // 单次运行写入的 textfile 路径
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	// 设置配置文件路径
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 设置环境变量前缀，FREDAG_STORE_IMAP_PASSWORD 对应 store.imap.password
	v.SetEnvPrefix("FREDAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)
	return v
}

// Load 加载配置
func Load(path string) (*Config, error) {
	v := newViper(path)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件不存在时使用默认值
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 解析工作目录和相对路径
	if err := resolvePaths(&cfg); err != nil {
		return nil, fmt.Errorf("解析路径失败: %w", err)
	}

	// 验证配置
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// resolvePaths 解析工作目录和相对路径
func resolvePaths(cfg *Config) error {
	// 如果没有指定工作目录，使用当前工作目录
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("获取当前工作目录失败: %w", err)
		}
		cfg.WorkDir = wd
	}

	// 将工作目录转换为绝对路径
	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("解析工作目录失败: %w", err)
	}
	cfg.WorkDir = workDir

	// 解析相对路径为绝对路径（基于工作目录）
	resolvePath := func(path string) string {
		if path == "" {
			return path
		}
		// 如果已经是绝对路径，直接返回
		if filepath.IsAbs(path) {
			return path
		}
		// 相对路径基于工作目录解析
		return filepath.Join(workDir, path)
	}

	// 状态目录下的文件，相对路径基于状态目录
	cfg.State.Dir = resolvePath(cfg.State.Dir)
	inState := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(cfg.State.Dir, path)
	}
	cfg.State.RulesFile = inState(cfg.State.RulesFile)
	cfg.State.SettingsFile = inState(cfg.State.SettingsFile)
	cfg.State.DedupIndexFile = inState(cfg.State.DedupIndexFile)
	if cfg.State.LedgerDSN != "" && !strings.HasPrefix(cfg.State.LedgerDSN, "file:") && !strings.HasPrefix(cfg.State.LedgerDSN, ":memory:") {
		// SQLite DSN 如果是相对路径，基于状态目录解析
		cfg.State.LedgerDSN = inState(cfg.State.LedgerDSN)
	}

	cfg.Store.MaildirRoot = resolvePath(cfg.Store.MaildirRoot)
	cfg.TLS.CAFile = resolvePath(cfg.TLS.CAFile)
	cfg.Metrics.Textfile = resolvePath(cfg.Metrics.Textfile)

	// 解析日志输出路径（如果不是 stdout）
	if cfg.Log.Output != "" && cfg.Log.Output != "stdout" && cfg.Log.Output != "stderr" {
		cfg.Log.Output = resolvePath(cfg.Log.Output)
	}

	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// 基础配置
	v.SetDefault("workdir", "") // 默认使用当前工作目录

	// 状态配置
	v.SetDefault("state.dir", "state")
	v.SetDefault("state.rules_file", "group_rules.json")
	v.SetDefault("state.settings_file", "settings.json")
	v.SetDefault("state.dedup_index_file", "dedup_index.json")
	v.SetDefault("state.ledger_dsn", "archive_state.db")
	v.SetDefault("state.lock_name", "auto_archive_run")
	v.SetDefault("state.lock_timeout", "2s")

	// 存储配置
	v.SetDefault("store.driver", "maildir")
	v.SetDefault("store.maildir_root", "mail")
	v.SetDefault("store.maildir_name", "Postkasse")
	v.SetDefault("store.imap.host", "")
	v.SetDefault("store.imap.port", 993)
	v.SetDefault("store.imap.username", "")
	v.SetDefault("store.imap.password", "")
	v.SetDefault("store.imap.tls", "tls")
	v.SetDefault("store.imap.mailbox", "INBOX")

	// 定时配置
	v.SetDefault("schedule.every", "24h")
	v.SetDefault("schedule.from_days", 7)
	v.SetDefault("schedule.after_retention", false)

	// 报告配置
	v.SetDefault("report.enabled", false)
	v.SetDefault("report.relay.host", "")
	v.SetDefault("report.relay.port", 587)
	v.SetDefault("report.relay.username", "")
	v.SetDefault("report.relay.password", "")
	v.SetDefault("report.relay.use_tls", true)
	v.SetDefault("report.relay.timeout", "30s")

	// TLS 配置
	v.SetDefault("tls.min_version", "1.2")

	// 管理配置
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.port", 8081)
	v.SetDefault("admin.api_key_hash", "")

	// 日志配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	// 指标配置
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)
}

// validate 验证配置
func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case "maildir":
		if cfg.Store.MaildirRoot == "" {
			return fmt.Errorf("store.maildir_root 不能为空")
		}
	case "imap":
		if cfg.Store.IMAP.Host == "" {
			return fmt.Errorf("store.imap.host 不能为空")
		}
		switch cfg.Store.IMAP.TLS {
		case "tls", "starttls", "none":
		default:
			return fmt.Errorf("不支持的 IMAP TLS 模式: %s", cfg.Store.IMAP.TLS)
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", cfg.Store.Driver)
	}

	if cfg.State.LockTimeout < 0 {
		return fmt.Errorf("state.lock_timeout 不能为负数")
	}

	if cfg.Report.Enabled {
		if cfg.Report.Relay.Host == "" {
			return fmt.Errorf("报告已启用但未配置 report.relay.host")
		}
		if cfg.Report.From == "" || len(cfg.Report.To) == 0 {
			return fmt.Errorf("报告已启用但未配置发件人或收件人")
		}
	}

	if cfg.Admin.Enabled && cfg.Admin.APIKeyHash == "" {
		return fmt.Errorf("管理 API 已启用但未配置 admin.api_key_hash")
	}

	switch cfg.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("不支持的 TLS 版本: %s", cfg.TLS.MinVersion)
	}

	return nil
}

// Watch 监听配置文件变化
func Watch(path string, callback func(*Config) error) error {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("配置热更新失败")
			return
		}

		if err := callback(cfg); err != nil {
			logger.Error().Err(err).Msg("配置热更新失败: 回调错误")
			return
		}

		logger.Info().Str("file", e.Name).Msg("配置热更新成功")
	})
	v.WatchConfig()

	return nil
}
