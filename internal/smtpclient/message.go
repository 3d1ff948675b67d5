package smtpclient

import (
	"fmt"
	"io"
	"net/mail"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// BuildHTMLMessage 组装单部分 text/html 邮件
func BuildHTMLMessage(w io.Writer, from string, to []string, subject, html string, date time.Time) error {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return fmt.Errorf("无效的发件人地址: %w", err)
	}
	toAddrs := make([]*gomail.Address, 0, len(to))
	for _, addr := range to {
		a, err := mail.ParseAddress(addr)
		if err != nil {
			return fmt.Errorf("无效的收件人地址 %q: %w", addr, err)
		}
		toAddrs = append(toAddrs, (*gomail.Address)(a))
	}

	var h gomail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*gomail.Address{(*gomail.Address)(fromAddr)})
	h.SetAddressList("To", toAddrs)
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return fmt.Errorf("生成 Message-ID 失败: %w", err)
	}
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	body, err := gomail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("创建邮件失败: %w", err)
	}
	if _, err := io.WriteString(body, html); err != nil {
		body.Close()
		return fmt.Errorf("写入邮件正文失败: %w", err)
	}
	return body.Close()
}
