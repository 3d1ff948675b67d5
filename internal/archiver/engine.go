// Package archiver 将邮件附件按内容去重后保存到归档目录。
package archiver

import (
	"context"
	"crypto/sha1" // #nosec G505 -- 仅用于内容去重，不用于安全目的
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomailzero/fredag/internal/dedup"
	"github.com/gomailzero/fredag/internal/logger"
	"github.com/gomailzero/fredag/internal/mailstore"
	"github.com/gomailzero/fredag/internal/pathtmpl"
)

// UnknownSender 发件人地址和显示名都为空时使用的目录名
const UnknownSender = "ukjent_avsender"

// defaultAttachmentName 附件没有文件名时使用
const defaultAttachmentName = "vedlegg"

// Options 单次归档调用的参数
type Options struct {
	TargetRoot string
	// DedupRun 同一次调用内相同内容只保存一次
	DedupRun bool
	// DedupPersist 使用持久哈希索引跨运行去重
	DedupPersist bool
	DedupTTLDays int
	// PerSender 默认布局下追加发件人子目录
	PerSender       bool
	AllowedExts     []string
	MinKB           int
	MaxKB           int
	Category        string
	CategoryColor   string
	DryRun          bool
	Template        string
	SubjectTagRegex string
}

// Result 归档结果，计数均为附件级
type Result struct {
	Saved   int
	Skipped int
	Errors  []string

	// Categorized 本次新添加分类的邮件数
	Categorized int
}

// ErrorText 以 "; " 连接的错误信息，无错误时为空串
func (r Result) ErrorText() string {
	return strings.Join(r.Errors, "; ")
}

// CategoryResult 分类标记结果
type CategoryResult struct {
	Applied bool // 本次新添加了分类
	Present bool // 分类已经存在
	Err     error
}

// Engine 附件归档引擎，不支持并发调用
type Engine struct {
	store      mailstore.Store
	stagingDir string
	indexPath  string
	now        func() time.Time
}

// NewEngine 创建归档引擎。stagingDir 保存临时附件，indexPath 为持久去重索引文件
func NewEngine(store mailstore.Store, stagingDir, indexPath string) *Engine {
	return &Engine{
		store:      store,
		stagingDir: stagingDir,
		indexPath:  indexPath,
		now:        time.Now,
	}
}

// SetClock 替换时间来源
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// run 单次调用的状态
type run struct {
	opts        Options
	allowed     map[string]bool
	seen        map[string]bool
	index       dedup.Index
	categoryOK  bool
	categoryErr error
	result      Result
}

// Archive 按输入顺序处理邮件的每个附件。附件级错误被记录后继续处理，不会中断整批。
func (e *Engine) Archive(ctx context.Context, refs []mailstore.MessageRef, opts Options) Result {
	r := &run{
		opts:    opts,
		allowed: make(map[string]bool),
		seen:    make(map[string]bool),
	}
	for _, ext := range opts.AllowedExts {
		ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
		if ext != "" {
			r.allowed[ext] = true
		}
	}

	// #nosec G301 -- 临时目录
	if err := os.MkdirAll(e.stagingDir, 0755); err != nil {
		r.result.Errors = append(r.result.Errors, fmt.Sprintf("创建临时目录失败: %v", err))
		return r.result
	}

	if opts.DedupPersist {
		r.index = dedup.Load(e.indexPath)
		if n := r.index.PruneExpired(opts.DedupTTLDays, e.now()); n > 0 {
			logger.DebugCtx(ctx).Int("pruned", n).Msg("去重索引已清理过期条目")
		}
	}

	for _, ref := range refs {
		e.archiveMessage(ctx, r, ref)
	}

	if opts.DedupPersist && !opts.DryRun {
		if err := dedup.Save(e.indexPath, r.index); err != nil {
			logger.WarnCtx(ctx).Err(err).Msg("保存去重索引失败")
			r.result.Errors = append(r.result.Errors, err.Error())
		}
	}
	return r.result
}

func (e *Engine) archiveMessage(ctx context.Context, r *run, ref mailstore.MessageRef) {
	msg, err := e.store.Open(ctx, ref)
	if err != nil {
		logger.DebugCtx(ctx).Err(err).Str("eid", ref.ID).Msg("无法打开邮件，跳过")
		return
	}

	base, err := e.targetDir(r.opts, ref)
	if err != nil {
		r.result.Errors = append(r.result.Errors, err.Error())
		return
	}

	atts, err := msg.Attachments(ctx)
	if err != nil {
		logger.WarnCtx(ctx).Err(err).Str("eid", ref.ID).Msg("读取附件失败")
		r.result.Errors = append(r.result.Errors, err.Error())
		return
	}

	savedHere := false
	for _, att := range atts {
		saved, err := e.archiveAttachment(ctx, r, base, att)
		if err != nil {
			logger.WarnCtx(ctx).Err(err).Str("eid", ref.ID).Str("file", att.FileName()).Msg("附件归档失败")
			r.result.Errors = append(r.result.Errors, err.Error())
			continue
		}
		if saved {
			savedHere = true
		}
	}

	if savedHere && r.opts.Category != "" && !r.opts.DryRun {
		switch res := e.applyCategory(ctx, r, msg); {
		case res.Err != nil:
			logger.DebugCtx(ctx).Err(res.Err).Str("eid", ref.ID).Msg("设置分类失败")
		case res.Applied:
			r.result.Categorized++
			logger.DebugCtx(ctx).Str("eid", ref.ID).Str("category", r.opts.Category).Msg("已添加分类")
		case res.Present:
			logger.DebugCtx(ctx).Str("eid", ref.ID).Msg("分类已存在")
		}
	}
}

// targetDir 计算邮件的目标目录，非演练时确保目录存在
func (e *Engine) targetDir(opts Options, ref mailstore.MessageRef) (string, error) {
	t := ref.Time
	if t.IsZero() {
		t = e.now()
	}
	sender := ref.SenderAddress
	if sender == "" {
		sender = ref.SenderName
	}
	if sender == "" {
		sender = UnknownSender
	}
	senderSafe := pathtmpl.SafeComponent(sender)
	domain := pathtmpl.DomainFromEmail(ref.SenderAddress)
	domainSafe := ""
	if domain != "" {
		domainSafe = pathtmpl.SafeComponent(domain)
	}
	tag := pathtmpl.ExtractSubjectTag(ref.Subject, opts.SubjectTagRegex)

	rel := pathtmpl.CurrentDir
	if strings.TrimSpace(opts.Template) != "" {
		rel = pathtmpl.Render(opts.Template, pathtmpl.NewMeta(t, senderSafe, domainSafe, tag))
	}
	if rel == pathtmpl.CurrentDir {
		rel = pathtmpl.DefaultLayout(t)
		if opts.PerSender {
			rel = filepath.Join(rel, senderSafe)
		}
	}

	base := filepath.Join(opts.TargetRoot, rel)
	if !opts.DryRun {
		// #nosec G301 -- 归档目录
		if err := os.MkdirAll(base, 0755); err != nil {
			return "", fmt.Errorf("创建目标目录失败: %w", err)
		}
	}
	return base, nil
}

// allowedByFilter 扩展名白名单和大小范围（闭区间，0 表示该侧不限）
func allowedByFilter(r *run, att mailstore.Attachment) bool {
	if len(r.allowed) > 0 {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(att.FileName())), ".")
		if !r.allowed[ext] {
			return false
		}
	}
	size := att.Size()
	if r.opts.MinKB > 0 && size < int64(r.opts.MinKB)*1024 {
		return false
	}
	if r.opts.MaxKB > 0 && size > int64(r.opts.MaxKB)*1024 {
		return false
	}
	return true
}

// archiveAttachment 处理单个附件，返回是否计为已保存。临时文件在任何路径上都会被删除。
func (e *Engine) archiveAttachment(ctx context.Context, r *run, base string, att mailstore.Attachment) (bool, error) {
	if !allowedByFilter(r, att) {
		r.result.Skipped++
		logger.DebugCtx(ctx).Str("file", att.FileName()).Int64("size", att.Size()).Msg("附件被过滤")
		return false, nil
	}

	name := att.FileName()
	if strings.TrimSpace(name) == "" {
		name = defaultAttachmentName
	}
	name = pathtmpl.SafeComponent(name)

	staged, err := e.stage(att)
	if staged != "" {
		defer removeStaged(staged)
	}
	if err != nil {
		return false, err
	}

	hash, err := hashFile(staged)
	if err != nil {
		return false, err
	}

	// 先查持久索引，再查本次运行
	if r.opts.DedupPersist && r.index.Has(hash) {
		r.result.Skipped++
		logger.DebugCtx(ctx).Str("file", name).Str("hash", hash).Msg("内容已归档（持久索引）")
		return false, nil
	}
	if r.opts.DedupRun && r.seen[hash] {
		r.result.Skipped++
		logger.DebugCtx(ctx).Str("file", name).Str("hash", hash).Msg("内容重复（本次运行）")
		return false, nil
	}

	if r.opts.DryRun {
		r.result.Saved++
		r.seen[hash] = true
		return true, nil
	}

	dest, err := uniqueDest(filepath.Join(base, name), hash)
	if err != nil {
		return false, err
	}
	if err := moveFile(staged, dest); err != nil {
		return false, err
	}
	r.result.Saved++
	r.seen[hash] = true
	if r.opts.DedupPersist {
		r.index.Touch(hash, e.now())
	}
	logger.DebugCtx(ctx).Str("dest", dest).Msg("附件已保存")
	return true, nil
}

// stage 将附件写入唯一的临时文件
func (e *Engine) stage(att mailstore.Attachment) (string, error) {
	f, err := os.CreateTemp(e.stagingDir, "vedlegg-*")
	if err != nil {
		return "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := att.SaveTo(path); err != nil {
		return path, err
	}
	return path, nil
}

func removeStaged(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str("path", path).Msg("删除临时文件失败")
	}
}

// hashFile 计算文件内容的 SHA-1 十六进制摘要
func hashFile(path string) (string, error) {
	// #nosec G304 -- 临时目录中的文件
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("打开临时文件失败: %w", err)
	}
	defer f.Close()

	h := sha1.New() // #nosec G401
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("计算哈希失败: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// uniqueDest 目标文件已存在时改名为 <stem>__<hash 前 8 位><ext>
func uniqueDest(dest, hash string) (string, error) {
	if _, err := os.Lstat(dest); errors.Is(err, os.ErrNotExist) {
		return dest, nil
	} else if err != nil {
		return "", fmt.Errorf("检查目标文件失败: %w", err)
	}

	ext := filepath.Ext(dest)
	stem := strings.TrimSuffix(dest, ext)
	candidate := fmt.Sprintf("%s__%s%s", stem, hash[:8], ext)
	for i := 2; ; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("检查目标文件失败: %w", err)
		}
		candidate = fmt.Sprintf("%s__%s_%d%s", stem, hash[:8], i, ext)
	}
}

// moveFile 重命名文件；跨文件系统时回退为复制后删除
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return fmt.Errorf("移动文件失败: %w", err)
	}

	// #nosec G304 -- 临时目录中的文件
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("移动文件失败: %w", err)
	}
	defer in.Close()

	// #nosec G304 -- 归档目录
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("创建目标文件失败: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("复制文件失败: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("关闭目标文件失败: %w", err)
	}
	return nil
}

// applyCategory 为邮件添加分类（尽力而为），不重复添加已有分类
func (e *Engine) applyCategory(ctx context.Context, r *run, msg mailstore.Message) CategoryResult {
	wanted := strings.TrimSpace(r.opts.Category)
	if !r.categoryOK && r.categoryErr == nil {
		if err := e.store.EnsureCategory(ctx, wanted, r.opts.CategoryColor); err != nil {
			// 分类无法创建时仍可写入文本分类
			r.categoryErr = err
			logger.DebugCtx(ctx).Err(err).Str("category", wanted).Msg("创建分类失败")
		} else {
			r.categoryOK = true
		}
	}

	current, err := msg.Categories(ctx)
	if err != nil {
		return CategoryResult{Err: err}
	}
	for _, c := range current {
		if c == wanted {
			return CategoryResult{Present: true}
		}
	}
	if err := msg.SetCategories(ctx, append(current, wanted)); err != nil {
		return CategoryResult{Err: err}
	}
	return CategoryResult{Applied: true}
}
