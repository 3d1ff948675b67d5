package mailstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store 邮件存储接口（Maildir、IMAP 等宿主的统一抽象）
type Store interface {
	// Search 按过滤条件枚举邮件引用
	Search(ctx context.Context, filter SearchFilter) ([]MessageRef, error)
	// Open 将引用解析为可操作的邮件句柄
	Open(ctx context.Context, ref MessageRef) (Message, error)
	// EnsureCategory 确保分类存在，不存在时按颜色创建
	EnsureCategory(ctx context.Context, name, color string) error
	// ResolveFolder 按路径解析目标文件夹
	ResolveFolder(ctx context.Context, path string) (Folder, error)
	// Close 释放连接
	Close() error
}

// Message 邮件句柄
type Message interface {
	Ref() MessageRef
	Attachments(ctx context.Context) ([]Attachment, error)
	Categories(ctx context.Context) ([]string, error)
	SetCategories(ctx context.Context, categories []string) error
	MarkRead(ctx context.Context) error
	Move(ctx context.Context, dest Folder) error
}

// Attachment 附件句柄
type Attachment interface {
	FileName() string
	// Size 附件字节数
	Size() int64
	// SaveTo 将附件内容写入指定文件路径
	SaveTo(path string) error
}

// Folder 已解析的目标文件夹
type Folder interface {
	Path() string
}

// MessageRef 邮件引用：不透明 ID 加元数据快照
type MessageRef struct {
	ID              string    `json:"id"`
	StoreID         string    `json:"store_id"`
	Time            time.Time `json:"time"`
	SenderName      string    `json:"sender_name"`
	SenderAddress   string    `json:"sender_address"`
	Subject         string    `json:"subject"`
	AttachmentCount int       `json:"attachment_count"`
	Unread          bool      `json:"unread"`
	FolderPath      string    `json:"folder_path"`
}

// SearchFilter 搜索条件
type SearchFilter struct {
	After             time.Time // 包含
	Before            time.Time // 不包含，零值表示不限
	Folder            string    // 空表示收件箱
	IncludeSubfolders bool
	SenderQuery       string // 匹配地址或显示名的子串
	SubjectContains   string
	UnreadOnly        bool
	AttachmentsOnly   bool
	CapPerFolder      int // 0 表示不限
	CapTotal          int // 0 表示不限
	// Stop 在每封邮件之间检查，返回 true 时中止搜索
	Stop func() bool
}

// Accept 判断邮件元数据是否满足过滤条件（不含上限与中止）
func (f SearchFilter) Accept(ref MessageRef) bool {
	if !f.After.IsZero() && ref.Time.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && !ref.Time.Before(f.Before) {
		return false
	}
	if f.UnreadOnly && !ref.Unread {
		return false
	}
	if f.AttachmentsOnly && ref.AttachmentCount == 0 {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.SenderQuery)); q != "" {
		if !strings.Contains(strings.ToLower(ref.SenderAddress), q) &&
			!strings.Contains(strings.ToLower(ref.SenderName), q) {
			return false
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.SubjectContains)); q != "" {
		if !strings.Contains(strings.ToLower(ref.Subject), q) {
			return false
		}
	}
	return true
}

// stopped 上下文取消或 Stop 返回 true 时视为中止
func (f SearchFilter) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || (f.Stop != nil && f.Stop())
}

// 错误定义
var (
	ErrNotFound       = errors.New("邮件不存在")
	ErrFolderNotFound = errors.New("文件夹不存在")
	ErrAborted        = errors.New("搜索已中止")
)

// categoryColors 分类颜色名称到颜色代码
var categoryColors = map[string]int{
	"none":     0,
	"red":      1,
	"orange":   2,
	"yellow":   4,
	"green":    5,
	"teal":     6,
	"blue":     8,
	"purple":   9,
	"maroon":   10,
	"steel":    11,
	"gray":     13,
	"darkgray": 14,
	"black":    15,
}

// ColorCode 返回颜色名称对应的代码，未知名称为 0
func ColorCode(name string) int {
	return categoryColors[strings.ToLower(strings.TrimSpace(name))]
}

// SplitCategories 解析 "a; b;c" 形式的分类列表
func SplitCategories(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinCategories 以 "; " 连接分类
func JoinCategories(categories []string) string {
	return strings.Join(categories, "; ")
}
