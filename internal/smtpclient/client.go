// Package smtpclient 通过 SMTP 中继发送运行报告邮件。
package smtpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/gomailzero/fredag/internal/logger"
)

// RelayConfig 中继服务器参数
type RelayConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// UseTLS 465 端口使用隐式 TLS，其他端口使用 STARTTLS
	UseTLS    bool
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// Client SMTP 客户端
type Client struct {
	relay    RelayConfig
	hostname string // EHLO 主机名
}

// NewClient 创建 SMTP 客户端
// hostname 是 EHLO 命令使用的主机名，如果为空则从系统获取或使用邮箱域名
func NewClient(relay RelayConfig, hostname string) *Client {
	// 如果没有提供 hostname，尝试从系统获取
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	// 如果系统主机名也不可用，使用默认值
	if hostname == "" {
		hostname = "localhost"
	}
	if relay.Timeout <= 0 {
		relay.Timeout = 30 * time.Second
	}
	return &Client{
		relay:    relay,
		hostname: hostname,
	}
}

// getEHLOHostname 获取 EHLO 主机名
// 如果配置了 hostname 就使用，否则从邮箱地址提取域名
func (c *Client) getEHLOHostname(fromEmail string) string {
	// 如果配置了 hostname 且不是 localhost，使用配置的
	if c.hostname != "" && c.hostname != "localhost" {
		return c.hostname
	}
	// 否则从邮箱地址提取域名
	if parts := strings.Split(fromEmail, "@"); len(parts) == 2 {
		return parts[1]
	}
	// 最后的后备方案
	return c.hostname
}

func (c *Client) tlsConfig() *tls.Config {
	if c.relay.TLSConfig != nil {
		cfg := c.relay.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.relay.Host
		}
		return cfg
	}
	return &tls.Config{ServerName: c.relay.Host, MinVersion: tls.VersionTLS12}
}

// SendMail 通过中继服务器发送邮件
func (c *Client) SendMail(ctx context.Context, from string, to []string, data []byte) error {
	if len(to) == 0 {
		return fmt.Errorf("没有收件人")
	}
	addr := net.JoinHostPort(c.relay.Host, strconv.Itoa(c.relay.Port))

	logger.DebugCtx(ctx).
		Str("relay", addr).
		Str("from", from).
		Strs("to", to).
		Msg("通过中继服务器发送邮件")

	// 创建带超时的连接
	dialer := &net.Dialer{
		Timeout: c.relay.Timeout,
	}

	var conn net.Conn
	var err error

	// 如果使用 TLS 且为 465 端口，直接建立 TLS 连接
	implicitTLS := c.relay.UseTLS && c.relay.Port == 465
	if implicitTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, c.tlsConfig())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("连接中继服务器失败: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.relay.Timeout))
	}

	var client *smtp.Client
	if c.relay.UseTLS && !implicitTLS {
		// STARTTLS（端口 587）：NewClientStartTLS 完成 EHLO 与升级
		client, err = smtp.NewClientStartTLS(conn, c.tlsConfig())
		if err != nil {
			conn.Close()
			return fmt.Errorf("STARTTLS 失败: %w", err)
		}
	} else {
		client = smtp.NewClient(conn)
		// EHLO（使用配置的主机名或从邮箱地址提取的域名）
		if err := client.Hello(c.getEHLOHostname(from)); err != nil {
			client.Close()
			return fmt.Errorf("EHLO 失败: %w", err)
		}
	}
	defer client.Close()

	// 认证（如果提供了用户名和密码）
	if c.relay.Username != "" && c.relay.Password != "" {
		if err := c.authenticate(ctx, client); err != nil {
			return err
		}
	}

	// MAIL FROM
	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM 失败: %w", err)
	}

	// RCPT TO
	for _, recipient := range to {
		if err := client.Rcpt(recipient, nil); err != nil {
			return fmt.Errorf("RCPT TO 失败 (%s): %w", recipient, err)
		}
	}

	// DATA
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA 失败: %w", err)
	}

	// 写入邮件数据
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("写入邮件数据失败: %w", err)
	}

	// 关闭 writer 完成发送
	if err := writer.Close(); err != nil {
		return fmt.Errorf("完成发送失败: %w", err)
	}

	// QUIT
	if err := client.Quit(); err != nil {
		logger.WarnCtx(ctx).Err(err).Msg("QUIT 失败")
		// QUIT 失败不影响邮件发送
	}

	logger.InfoCtx(ctx).Str("relay", addr).Strs("to", to).Msg("报告邮件已发送")
	return nil
}

// authenticate 优先使用 PLAIN，服务器只支持 LOGIN 时使用 LOGIN
func (c *Client) authenticate(ctx context.Context, client *smtp.Client) error {
	ok, methods := client.Extension("AUTH")
	if !ok {
		logger.WarnCtx(ctx).Msg("中继服务器不支持 AUTH 扩展，跳过认证")
		return nil
	}
	logger.DebugCtx(ctx).Str("auth_methods", methods).Msg("中继服务器支持的认证方式")

	var auth sasl.Client
	switch {
	case client.SupportsAuth(sasl.Plain):
		auth = sasl.NewPlainClient("", c.relay.Username, c.relay.Password)
	case client.SupportsAuth(sasl.Login):
		auth = sasl.NewLoginClient(c.relay.Username, c.relay.Password)
	default:
		return fmt.Errorf("服务器不支持 PLAIN 或 LOGIN 认证 (支持: %s)", methods)
	}

	if err := client.Auth(auth); err != nil {
		// 提供更详细的错误信息，帮助排查认证问题
		return fmt.Errorf("SMTP 认证失败 (服务器支持的认证方式: %s): %w", methods, err)
	}
	logger.DebugCtx(ctx).Str("username", c.relay.Username).Msg("SMTP 认证成功")
	return nil
}

// SendHTML 组装并发送 HTML 邮件
func (c *Client) SendHTML(ctx context.Context, from string, to []string, subject, html string) error {
	var buf bytes.Buffer
	if err := BuildHTMLMessage(&buf, from, to, subject, html, time.Now()); err != nil {
		return err
	}
	envFrom, err := mail.ParseAddress(from)
	if err != nil {
		return fmt.Errorf("无效的发件人地址: %w", err)
	}
	rcpts := make([]string, 0, len(to))
	for _, addr := range to {
		a, err := mail.ParseAddress(addr)
		if err != nil {
			return fmt.Errorf("无效的收件人地址 %q: %w", addr, err)
		}
		rcpts = append(rcpts, a.Address)
	}
	return c.SendMail(ctx, envFrom.Address, rcpts, buf.Bytes())
}
