package mailstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// IMAPConfig IMAP 连接配置
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS: "tls"（隐式 TLS）、"starttls" 或 "none"
	TLS       string
	TLSConfig *tls.Config
	// Mailbox 默认搜索的邮箱
	Mailbox string
}

// IMAP 基于 IMAP 服务器的邮件存储。连接不是并发安全的，调用方需串行使用。
type IMAP struct {
	c        *client.Client
	id       string
	mailbox  string
	delim    string
	selected string
	readOnly bool
}

// DialIMAP 连接并登录 IMAP 服务器
func DialIMAP(ctx context.Context, cfg IMAPConfig) (*IMAP, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var (
		c   *client.Client
		err error
	)
	switch strings.ToLower(cfg.TLS) {
	case "tls", "":
		c, err = client.DialTLS(addr, cfg.TLSConfig)
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("连接 IMAP 服务器失败: %w", err)
	}
	if strings.EqualFold(cfg.TLS, "starttls") {
		if err := c.StartTLS(cfg.TLSConfig); err != nil {
			c.Logout()
			return nil, fmt.Errorf("STARTTLS 失败: %w", err)
		}
	}
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("IMAP 登录失败: %w", err)
	}

	mailbox := cfg.Mailbox
	if mailbox == "" {
		mailbox = InboxName
	}
	s := &IMAP{
		c:       c,
		id:      cfg.Username + "@" + addr,
		mailbox: mailbox,
		delim:   "/",
	}
	if d, err := s.delimiter(); err == nil && d != "" {
		s.delim = d
	}
	return s, nil
}

// delimiter 查询层级分隔符
func (s *IMAP) delimiter() (string, error) {
	ch := make(chan *imap.MailboxInfo, 1)
	done := make(chan error, 1)
	go func() { done <- s.c.List("", "", ch) }()
	var d string
	for info := range ch {
		d = info.Delimiter
	}
	return d, <-done
}

// listMailboxes 列出匹配模式的邮箱名
func (s *IMAP) listMailboxes(pattern string) ([]string, error) {
	ch := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() { done <- s.c.List("", pattern, ch) }()
	var names []string
	for info := range ch {
		noSelect := false
		for _, a := range info.Attributes {
			if a == imap.NoSelectAttr {
				noSelect = true
			}
		}
		if !noSelect {
			names = append(names, info.Name)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("列出邮箱失败: %w", err)
	}
	return names, nil
}

func (s *IMAP) selectMailbox(name string, readOnly bool) (*imap.MailboxStatus, error) {
	status, err := s.c.Select(name, readOnly)
	if err != nil {
		return nil, fmt.Errorf("选择邮箱 %s 失败: %w", name, err)
	}
	s.selected = name
	s.readOnly = readOnly
	return status, nil
}

// imapRefID 邮件 ID：<mailbox>;<uidvalidity>;<uid>
func imapRefID(mailbox string, validity, uid uint32) string {
	return fmt.Sprintf("%s;%d;%d", mailbox, validity, uid)
}

func parseIMAPRefID(id string) (mailbox string, validity, uid uint32, err error) {
	j := strings.LastIndex(id, ";")
	if j < 0 {
		return "", 0, 0, fmt.Errorf("%w: 无效的邮件 ID %q", ErrNotFound, id)
	}
	i := strings.LastIndex(id[:j], ";")
	if i < 0 {
		return "", 0, 0, fmt.Errorf("%w: 无效的邮件 ID %q", ErrNotFound, id)
	}
	v, err1 := strconv.ParseUint(id[i+1:j], 10, 32)
	u, err2 := strconv.ParseUint(id[j+1:], 10, 32)
	if err1 != nil || err2 != nil {
		return "", 0, 0, fmt.Errorf("%w: 无效的邮件 ID %q", ErrNotFound, id)
	}
	return id[:i], uint32(v), uint32(u), nil
}

// Search 在服务器端按日期、未读、发件人和主题筛选，再在本地精确过滤
func (s *IMAP) Search(ctx context.Context, filter SearchFilter) ([]MessageRef, error) {
	base := filter.Folder
	if base == "" {
		base = s.mailbox
	}
	mailboxes := []string{base}
	if filter.IncludeSubfolders {
		subs, err := s.listMailboxes(base + s.delim + "*")
		if err != nil {
			return nil, err
		}
		mailboxes = append(mailboxes, subs...)
	}

	criteria := imap.NewSearchCriteria()
	if !filter.After.IsZero() {
		criteria.Since = filter.After
	}
	if !filter.Before.IsZero() {
		criteria.Before = filter.Before.AddDate(0, 0, 1)
	}
	if filter.UnreadOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if q := strings.TrimSpace(filter.SubjectContains); q != "" {
		criteria.Header = textproto.MIMEHeader{}
		criteria.Header.Add("Subject", q)
	}

	var refs []MessageRef
	for _, mbox := range mailboxes {
		if filter.stopped(ctx) {
			return nil, ErrAborted
		}
		status, err := s.selectMailbox(mbox, true)
		if err != nil {
			return nil, err
		}
		uids, err := s.c.UidSearch(criteria)
		if err != nil {
			return nil, fmt.Errorf("搜索邮箱 %s 失败: %w", mbox, err)
		}
		if len(uids) == 0 {
			continue
		}

		found, err := s.fetchRefs(ctx, mbox, status.UidValidity, uids, filter)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(found, func(i, j int) bool { return found[i].Time.After(found[j].Time) })
		if filter.CapPerFolder > 0 && len(found) > filter.CapPerFolder {
			found = found[:filter.CapPerFolder]
		}
		refs = append(refs, found...)
		if filter.CapTotal > 0 && len(refs) >= filter.CapTotal {
			refs = refs[:filter.CapTotal]
			break
		}
	}
	return refs, nil
}

func (s *IMAP) fetchRefs(ctx context.Context, mbox string, validity uint32, uids []uint32, filter SearchFilter) ([]MessageRef, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchBodyStructure}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- s.c.UidFetch(seqset, items, ch) }()

	var (
		found   []MessageRef
		aborted bool
	)
	for msg := range ch {
		// 中止后继续排空通道
		if aborted {
			continue
		}
		if filter.stopped(ctx) {
			aborted = true
			continue
		}
		ref := MessageRef{
			ID:              imapRefID(mbox, validity, msg.Uid),
			StoreID:         s.id,
			Time:            msg.InternalDate,
			AttachmentCount: countStructureAttachments(msg.BodyStructure),
			Unread:          !hasFlag(msg.Flags, imap.SeenFlag),
			FolderPath:      mbox,
		}
		if env := msg.Envelope; env != nil {
			if !env.Date.IsZero() {
				ref.Time = env.Date
			}
			ref.Subject = env.Subject
			if len(env.From) > 0 && env.From[0] != nil {
				ref.SenderName = env.From[0].PersonalName
				ref.SenderAddress = strings.ToLower(env.From[0].MailboxName + "@" + env.From[0].HostName)
			}
		}
		if filter.Accept(ref) {
			found = append(found, ref)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("获取邮件信息失败: %w", err)
	}
	if aborted {
		return nil, ErrAborted
	}
	return found, nil
}

// countStructureAttachments 统计 BODYSTRUCTURE 中的附件
func countStructureAttachments(bs *imap.BodyStructure) int {
	if bs == nil {
		return 0
	}
	if len(bs.Parts) > 0 {
		n := 0
		for _, p := range bs.Parts {
			n += countStructureAttachments(p)
		}
		return n
	}
	if strings.EqualFold(bs.Disposition, "attachment") {
		return 1
	}
	if bs.DispositionParams["filename"] != "" || bs.Params["name"] != "" {
		if !strings.EqualFold(bs.MIMEType, "text") {
			return 1
		}
	}
	return 0
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Open 选择邮件所在邮箱并校验 UIDVALIDITY
func (s *IMAP) Open(ctx context.Context, ref MessageRef) (Message, error) {
	mbox, validity, uid, err := parseIMAPRefID(ref.ID)
	if err != nil {
		return nil, err
	}
	msg := &imapMessage{store: s, ref: ref, mailbox: mbox, validity: validity, uid: uid}
	if err := msg.ensureSelected(); err != nil {
		return nil, err
	}
	return msg, nil
}

// EnsureCategory IMAP 关键字无需预先创建
func (s *IMAP) EnsureCategory(ctx context.Context, name, color string) error {
	return nil
}

type imapFolder string

func (f imapFolder) Path() string { return string(f) }

// ResolveFolder 将 "\\显示名\\A\\B" 或 "A/B" 映射为服务器邮箱名（不区分大小写）
func (s *IMAP) ResolveFolder(ctx context.Context, path string) (Folder, error) {
	p := strings.Trim(strings.ReplaceAll(strings.TrimSpace(path), `\`, "/"), "/")
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			parts = append(parts, seg)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrFolderNotFound, path)
	}

	names, err := s.listMailboxes("*")
	if err != nil {
		return nil, err
	}
	for _, candidate := range [][]string{parts, parts[1:]} {
		if len(candidate) == 0 {
			continue
		}
		want := strings.Join(candidate, s.delim)
		for _, n := range names {
			if strings.EqualFold(n, want) {
				return imapFolder(n), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrFolderNotFound, path)
}

// Close 登出
func (s *IMAP) Close() error {
	return s.c.Logout()
}

// imapMessage IMAP 邮件
type imapMessage struct {
	store    *IMAP
	ref      MessageRef
	mailbox  string
	validity uint32
	uid      uint32
}

func (m *imapMessage) Ref() MessageRef { return m.ref }

func (m *imapMessage) seqset() *imap.SeqSet {
	seqset := new(imap.SeqSet)
	seqset.AddNum(m.uid)
	return seqset
}

func (m *imapMessage) ensureSelected() error {
	if m.store.selected == m.mailbox && !m.store.readOnly {
		return nil
	}
	status, err := m.store.selectMailbox(m.mailbox, false)
	if err != nil {
		return err
	}
	if status.UidValidity != m.validity {
		return fmt.Errorf("%w: 邮箱 %s 的 UIDVALIDITY 已变化", ErrNotFound, m.mailbox)
	}
	return nil
}

func (m *imapMessage) fetchOne(items []imap.FetchItem) (*imap.Message, error) {
	if err := m.ensureSelected(); err != nil {
		return nil, err
	}
	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- m.store.c.UidFetch(m.seqset(), items, ch) }()
	var got *imap.Message
	for msg := range ch {
		got = msg
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("获取邮件失败: %w", err)
	}
	if got == nil {
		return nil, ErrNotFound
	}
	return got, nil
}

// Attachments 下载完整邮件并解析附件
func (m *imapMessage) Attachments(ctx context.Context) ([]Attachment, error) {
	section := &imap.BodySectionName{Peek: true}
	msg, err := m.fetchOne([]imap.FetchItem{section.FetchItem()})
	if err != nil {
		return nil, err
	}
	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("服务器未返回邮件正文")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("读取邮件正文失败: %w", err)
	}
	return parseAttachments(bytes.NewReader(data))
}

// keyword 分类名映射为 IMAP 关键字（atom 中不允许空格）
func keyword(category string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '(', ')', '{', '%', '*', '"', '\\', ']':
			return '_'
		}
		return r
	}, strings.TrimSpace(category))
}

// Categories 返回非系统标志的关键字
func (m *imapMessage) Categories(ctx context.Context) ([]string, error) {
	msg, err := m.fetchOne([]imap.FetchItem{imap.FetchFlags})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range msg.Flags {
		if !strings.HasPrefix(f, `\`) && !strings.HasPrefix(f, "$") {
			out = append(out, f)
		}
	}
	return out, nil
}

// SetCategories 以增删关键字的方式同步分类
func (m *imapMessage) SetCategories(ctx context.Context, categories []string) error {
	current, err := m.Categories(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(categories))
	var add []interface{}
	for _, c := range categories {
		k := keyword(c)
		if k == "" || want[k] {
			continue
		}
		want[k] = true
		if !hasFlag(current, k) {
			add = append(add, k)
		}
	}
	var remove []interface{}
	for _, c := range current {
		if !want[c] {
			remove = append(remove, c)
		}
	}

	if len(add) > 0 {
		if err := m.store.c.UidStore(m.seqset(), imap.FormatFlagsOp(imap.AddFlags, true), add, nil); err != nil {
			return fmt.Errorf("添加关键字失败: %w", err)
		}
	}
	if len(remove) > 0 {
		if err := m.store.c.UidStore(m.seqset(), imap.FormatFlagsOp(imap.RemoveFlags, true), remove, nil); err != nil {
			return fmt.Errorf("删除关键字失败: %w", err)
		}
	}
	return nil
}

// MarkRead 添加 \Seen 标志
func (m *imapMessage) MarkRead(ctx context.Context) error {
	if err := m.ensureSelected(); err != nil {
		return err
	}
	if err := m.store.c.UidStore(m.seqset(), imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("标记已读失败: %w", err)
	}
	m.ref.Unread = false
	return nil
}

// Move 使用 MOVE（服务器不支持时由客户端回退为 COPY + 删除）
func (m *imapMessage) Move(ctx context.Context, dest Folder) error {
	if err := m.ensureSelected(); err != nil {
		return err
	}
	if err := m.store.c.UidMove(m.seqset(), dest.Path()); err != nil {
		return fmt.Errorf("移动邮件失败: %w", err)
	}
	m.ref.FolderPath = dest.Path()
	return nil
}
