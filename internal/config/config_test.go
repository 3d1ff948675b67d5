package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeConfig 写入临时配置文件
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "fredag-test-*.yml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		config    string
		wantError bool
	}{
		{
			name: "valid maildir config",
			config: `
workdir: /srv/fredag
store:
  driver: maildir
  maildir_root: /srv/mail
`,
			wantError: false,
		},
		{
			name: "valid imap config",
			config: `
store:
  driver: imap
  imap:
    host: imap.example.com
    username: arkiv
    tls: starttls
`,
			wantError: false,
		},
		{
			name: "imap without host",
			config: `
store:
  driver: imap
`,
			wantError: true,
		},
		{
			name: "invalid store driver",
			config: `
store:
  driver: outlook
`,
			wantError: true,
		},
		{
			name: "report without relay",
			config: `
report:
  enabled: true
  from: arkiv@example.com
  to: [meg@example.com]
`,
			wantError: true,
		},
		{
			name: "admin without key hash",
			config: `
admin:
  enabled: true
`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.config))
			if (err != nil) != tt.wantError {
				t.Errorf("Load() error = %v, wantError %v", err, tt.wantError)
				return
			}

			if !tt.wantError && cfg == nil {
				t.Error("Load() 应该返回配置对象")
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	// 最小配置
	cfg, err := Load(writeConfig(t, `workdir: /srv/fredag`))
	if err != nil {
		t.Fatalf("Load() 失败: %v", err)
	}

	// 检查默认值
	if cfg.Store.Driver != "maildir" {
		t.Errorf("Store.Driver = %v, want maildir", cfg.Store.Driver)
	}
	if cfg.State.LockName != "auto_archive_run" {
		t.Errorf("State.LockName = %v", cfg.State.LockName)
	}
	if cfg.State.LockTimeout != 2*time.Second {
		t.Errorf("State.LockTimeout = %v, want 2s", cfg.State.LockTimeout)
	}
	if cfg.Schedule.FromDays != 7 || cfg.Schedule.Every != 24*time.Hour {
		t.Errorf("Schedule = %+v", cfg.Schedule)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled 应该默认为 true")
	}
}

func TestResolvePaths(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
workdir: /srv/fredag
state:
  dir: var
  rules_file: /etc/fredag/rules.json
metrics:
  textfile: prom/fredag.prom
`))
	if err != nil {
		t.Fatalf("Load() 失败: %v", err)
	}

	want := map[string]string{
		"state.dir":        filepath.Join("/srv/fredag", "var"),
		"rules_file":       "/etc/fredag/rules.json",
		"settings_file":    filepath.Join("/srv/fredag", "var", "settings.json"),
		"ledger_dsn":       filepath.Join("/srv/fredag", "var", "archive_state.db"),
		"maildir_root":     filepath.Join("/srv/fredag", "mail"),
		"metrics.textfile": filepath.Join("/srv/fredag", "prom", "fredag.prom"),
		"tmp":              filepath.Join("/srv/fredag", "var", "tmp"),
	}
	got := map[string]string{
		"state.dir":        cfg.State.Dir,
		"rules_file":       cfg.State.RulesFile,
		"settings_file":    cfg.State.SettingsFile,
		"ledger_dsn":       cfg.State.LedgerDSN,
		"maildir_root":     cfg.Store.MaildirRoot,
		"metrics.textfile": cfg.Metrics.Textfile,
		"tmp":              cfg.State.TmpDir(),
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("%s = %q, want %q", k, got[k], w)
		}
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FREDAG_STORE_IMAP_PASSWORD", "hemmelig")
	cfg, err := Load(writeConfig(t, `
store:
  driver: imap
  imap:
    host: imap.example.com
`))
	if err != nil {
		t.Fatalf("Load() 失败: %v", err)
	}
	if cfg.Store.IMAP.Password != "hemmelig" {
		t.Errorf("IMAP.Password = %q, want 环境变量值", cfg.Store.IMAP.Password)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "finnes-ikke.yml"))
	if err != nil {
		t.Fatalf("配置文件不存在时应使用默认值: %v", err)
	}
	if cfg.Store.Driver != "maildir" {
		t.Errorf("Store.Driver = %v", cfg.Store.Driver)
	}
}
