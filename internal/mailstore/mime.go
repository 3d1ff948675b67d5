package mailstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// KeywordsHeader 存放分类的邮件头
const KeywordsHeader = "Keywords"

// blobAttachment 已读入内存的附件
type blobAttachment struct {
	name string
	data []byte
}

func (a *blobAttachment) FileName() string { return a.name }

func (a *blobAttachment) Size() int64 { return int64(len(a.data)) }

// SaveTo 写入附件内容
func (a *blobAttachment) SaveTo(path string) error {
	// #nosec G306 -- 归档文件
	if err := os.WriteFile(path, a.data, 0644); err != nil {
		return fmt.Errorf("保存附件 %s 失败: %w", a.name, err)
	}
	return nil
}

// NewAttachment 用内存数据构造附件
func NewAttachment(name string, data []byte) Attachment {
	return &blobAttachment{name: name, data: data}
}

// parseAttachments 遍历 MIME 结构，返回全部附件部分
func parseAttachments(r io.Reader) ([]Attachment, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("解析邮件失败: %w", err)
	}
	defer mr.Close()

	var out []Attachment
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return out, fmt.Errorf("读取邮件部分失败: %w", err)
		}
		if p == nil {
			break
		}

		h, ok := p.Header.(*gomail.AttachmentHeader)
		if !ok {
			continue
		}
		name, _ := h.Filename()
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return out, fmt.Errorf("读取附件失败: %w", err)
		}
		out = append(out, &blobAttachment{name: name, data: data})
	}
	return out, nil
}

// headerInfo 从邮件头提取的元数据
type headerInfo struct {
	Time          time.Time
	SenderName    string
	SenderAddress string
	Subject       string
	Keywords      []string
}

// readHeaderInfo 只读取邮件头
func readHeaderInfo(r io.Reader) (headerInfo, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return headerInfo{}, fmt.Errorf("读取邮件头失败: %w", err)
	}
	h := gomail.Header{Header: message.Header{Header: th}}

	var info headerInfo
	if t, err := h.Date(); err == nil {
		info.Time = t
	}
	if subject, err := h.Subject(); err == nil {
		info.Subject = subject
	} else {
		info.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		info.SenderName = from[0].Name
		info.SenderAddress = strings.ToLower(from[0].Address)
	} else if addr, err := mail.ParseAddress(h.Get("From")); err == nil {
		info.SenderName = addr.Name
		info.SenderAddress = strings.ToLower(addr.Address)
	}
	info.Keywords = SplitCategories(h.Get(KeywordsHeader))
	return info, nil
}

// countAttachments 统计附件数量，解析失败按 0 处理
func countAttachments(data []byte) int {
	atts, _ := parseAttachments(bytes.NewReader(data))
	return len(atts)
}

// rewriteKeywords 替换邮件的 Keywords 头，正文保持不变
func rewriteKeywords(data []byte, keywords []string) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("读取邮件头失败: %w", err)
	}
	if len(keywords) == 0 {
		th.Del(KeywordsHeader)
	} else {
		th.Set(KeywordsHeader, strings.Join(keywords, ", "))
	}

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, th); err != nil {
		return nil, fmt.Errorf("写入邮件头失败: %w", err)
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, fmt.Errorf("复制邮件正文失败: %w", err)
	}
	return buf.Bytes(), nil
}
