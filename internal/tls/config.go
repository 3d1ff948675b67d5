package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/gomailzero/fredag/internal/config"
	"github.com/gomailzero/fredag/internal/logger"
)

// ClientConfig 构建连接 IMAP/SMTP 服务器的客户端 TLS 配置
func ClientConfig(cfg config.TLSConfig, serverName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}

	// 设置最低 TLS 版本
	switch cfg.MinVersion {
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	case "", "1.2":
		tlsConfig.MinVersion = tls.VersionTLS12
	default:
		return nil, fmt.Errorf("不支持的 TLS 版本: %s", cfg.MinVersion)
	}

	// 自定义 CA（内部邮件服务器常用自签证书）
	if cfg.CAFile != "" {
		// #nosec G304 -- 配置文件指定的 CA 文件
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("读取 CA 文件失败: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA 文件中没有有效证书: %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
		logger.Info().Str("ca_file", cfg.CAFile).Msg("加载自定义 CA")
	}

	if cfg.InsecureSkipVerify {
		// #nosec G402 -- 由配置显式开启
		tlsConfig.InsecureSkipVerify = true
		logger.Warn().Str("server", serverName).Msg("已关闭 TLS 证书校验")
	}

	return tlsConfig, nil
}
