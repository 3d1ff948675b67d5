//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"

	"github.com/gomailzero/fredag/internal/rules"
	"github.com/gomailzero/fredag/internal/smtpclient"
)

type relayBackend struct {
	mu   sync.Mutex
	msgs [][]byte
	rcpt []string
}

func (b *relayBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &relaySession{backend: b}, nil
}

type relaySession struct {
	backend *relayBackend
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error { return nil }

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.rcpt = append(s.backend.rcpt, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.msgs = append(s.backend.msgs, data)
	return nil
}

func (s *relaySession) Reset() {}

func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T) (*relayBackend, int) {
	t.Helper()
	backend := &relayBackend{}
	s := smtp.NewServer(backend)
	s.Domain = "localhost"
	s.ReadTimeout = 5 * time.Second
	s.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { s.Close() })
	return backend, l.Addr().(*net.TCPAddr).Port
}

// TestArchiveReportMail 归档报告通过 SMTP 中继送达
func TestArchiveReportMail(t *testing.T) {
	relay, port := startRelay(t)
	e := newEnv(t, fmt.Sprintf(`
report:
  enabled: true
  from: "Arkiv <arkiv@example.com>"
  to: [leder@example.com]
  relay:
    host: 127.0.0.1
    port: %d
    use_tls: false
`, port))
	e.saveRules(t, rules.Group{Name: "Kunde", TargetDir: e.dir + "/arkiv", Senders: []string{"@kunde.no"}})
	e.deliver(t, "", "", "ola@kunde.no", "Faktura", time.Now().Add(-time.Hour), map[string][]byte{"a.pdf": []byte("a")})

	r := e.cfg.Report.Relay
	e.runner.SetMailer(smtpclient.NewClient(smtpclient.RelayConfig{
		Host:    r.Host,
		Port:    r.Port,
		UseTLS:  r.UseTLS,
		Timeout: r.Timeout,
	}, "fredag.test"))

	req := e.window()
	req.DryRun = true
	req.MailReport = true
	out, err := e.runner.Archive(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !out.ReportSent {
		t.Fatalf("报告未发送: %v", out.ReportErr)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.msgs) != 1 || len(relay.rcpt) != 1 || relay.rcpt[0] != "leder@example.com" {
		t.Fatalf("relay: %d 封邮件, rcpt = %v", len(relay.msgs), relay.rcpt)
	}

	mr, err := gomail.CreateReader(strings.NewReader(string(relay.msgs[0])))
	if err != nil {
		t.Fatalf("解析报告失败: %v", err)
	}
	subject, err := mr.Header.Subject()
	if err != nil || subject != "Arkivering – rapport (tørrkjøring)" {
		t.Errorf("Subject = %q, %v", subject, err)
	}
	part, err := mr.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(part.Body)
	if !strings.Contains(string(body), "Kunde") || !strings.Contains(string(body), "TØRRKJØRING") {
		t.Errorf("报告内容缺少分组或标题:\n%s", body)
	}
}
