package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomailzero/fredag/internal/config"
)

func TestClientConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TLSConfig
		wantMin uint16
		wantErr bool
	}{
		{"默认", config.TLSConfig{}, tls.VersionTLS12, false},
		{"TLS 1.3", config.TLSConfig{MinVersion: "1.3"}, tls.VersionTLS13, false},
		{"无效版本", config.TLSConfig{MinVersion: "1.0"}, 0, true},
		{"CA 文件不存在", config.TLSConfig{CAFile: "/finnes/ikke.pem"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClientConfig(tt.cfg, "imap.example.com")
			if (err != nil) != tt.wantErr {
				t.Fatalf("ClientConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.MinVersion != tt.wantMin || got.ServerName != "imap.example.com" {
				t.Errorf("ClientConfig() = min %x server %q", got.MinVersion, got.ServerName)
			}
		})
	}
}

func TestClientConfig_InvalidCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("ikke et sertifikat"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ClientConfig(config.TLSConfig{CAFile: path}, "x"); err == nil {
		t.Error("无效 CA 文件应返回错误")
	}
}
