package mailstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory 进程内邮件存储，供测试和演练使用
type Memory struct {
	mu         sync.Mutex
	id         string
	messages   map[string]*memMessage
	order      []string
	folders    map[string]bool
	categories map[string]int

	// OpenErr 指定邮件打开失败时返回的错误
	OpenErr map[string]error
	// CategoryErr 非空时 EnsureCategory 和 SetCategories 返回该错误
	CategoryErr error
	// MoveErr 非空时 Move 返回该错误
	MoveErr error
}

// NewMemory 创建空的内存存储
func NewMemory(id string) *Memory {
	return &Memory{
		id:         id,
		messages:   make(map[string]*memMessage),
		folders:    map[string]bool{InboxName: true},
		categories: make(map[string]int),
		OpenErr:    make(map[string]error),
	}
}

// MemoryAttachment 测试附件定义
type MemoryAttachment struct {
	Name string
	Data []byte
	// Err 非空时 SaveTo 返回该错误
	Err error
}

type memAttachment struct {
	MemoryAttachment
}

func (a *memAttachment) FileName() string { return a.Name }

func (a *memAttachment) Size() int64 { return int64(len(a.Data)) }

func (a *memAttachment) SaveTo(path string) error {
	if a.Err != nil {
		return a.Err
	}
	return (&blobAttachment{name: a.Name, data: a.Data}).SaveTo(path)
}

type memMessage struct {
	store       *Memory
	ref         MessageRef
	attachments []MemoryAttachment
	categories  []string
}

// Add 添加一封邮件；ref.ID 为空时自动生成，返回完整引用
func (s *Memory) Add(ref MessageRef, attachments ...MemoryAttachment) MessageRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref.ID == "" {
		ref.ID = fmt.Sprintf("mem-%d", len(s.order)+1)
	}
	ref.StoreID = s.id
	if ref.FolderPath == "" {
		ref.FolderPath = InboxName
	}
	ref.AttachmentCount = len(attachments)
	s.folders[ref.FolderPath] = true

	if _, exists := s.messages[ref.ID]; !exists {
		s.order = append(s.order, ref.ID)
	}
	s.messages[ref.ID] = &memMessage{store: s, ref: ref, attachments: attachments}
	return ref
}

// AddFolder 登记可被 ResolveFolder 解析的文件夹
func (s *Memory) AddFolder(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[strings.Trim(path, `\/`)] = true
}

// Get 返回邮件当前状态
func (s *Memory) Get(id string) (MessageRef, []string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return MessageRef{}, nil, false
	}
	return m.ref, append([]string(nil), m.categories...), true
}

// DefinedCategories 返回 EnsureCategory 创建的分类
func (s *Memory) DefinedCategories() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.categories))
	for k, v := range s.categories {
		out[k] = v
	}
	return out
}

// Search 按过滤条件返回邮件，按时间倒序
func (s *Memory) Search(ctx context.Context, filter SearchFilter) ([]MessageRef, error) {
	s.mu.Lock()
	var all []MessageRef
	for _, id := range s.order {
		all = append(all, s.messages[id].ref)
	}
	s.mu.Unlock()

	base := strings.Trim(filter.Folder, `\/`)
	if base == "" {
		base = InboxName
	}

	var refs []MessageRef
	for _, ref := range all {
		if filter.stopped(ctx) {
			return nil, ErrAborted
		}
		inFolder := strings.EqualFold(ref.FolderPath, base) ||
			(filter.IncludeSubfolders && (base == InboxName || strings.HasPrefix(strings.ToLower(ref.FolderPath), strings.ToLower(base)+"/")))
		if inFolder && filter.Accept(ref) {
			refs = append(refs, ref)
		}
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Time.After(refs[j].Time) })
	if filter.CapTotal > 0 && len(refs) > filter.CapTotal {
		refs = refs[:filter.CapTotal]
	}
	return refs, nil
}

// Open 解析邮件引用
func (s *Memory) Open(ctx context.Context, ref MessageRef) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.OpenErr[ref.ID]; err != nil {
		return nil, err
	}
	m, ok := s.messages[ref.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.ID)
	}
	return m, nil
}

// EnsureCategory 登记分类
func (s *Memory) EnsureCategory(ctx context.Context, name, color string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CategoryErr != nil {
		return s.CategoryErr
	}
	if _, ok := s.categories[name]; !ok {
		s.categories[name] = ColorCode(color)
	}
	return nil
}

type memFolder string

func (f memFolder) Path() string { return string(f) }

// ResolveFolder 解析已登记的文件夹
func (s *Memory) ResolveFolder(ctx context.Context, path string) (Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := strings.Trim(strings.ReplaceAll(path, `\`, "/"), "/")
	// 去掉开头的存储名
	if first, rest, ok := strings.Cut(p, "/"); ok && strings.EqualFold(first, s.id) {
		p = rest
	}
	for f := range s.folders {
		if strings.EqualFold(strings.ReplaceAll(f, `\`, "/"), p) {
			return memFolder(f), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrFolderNotFound, path)
}

// Close 无需释放资源
func (s *Memory) Close() error { return nil }

func (m *memMessage) Ref() MessageRef {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.ref
}

func (m *memMessage) Attachments(ctx context.Context) ([]Attachment, error) {
	out := make([]Attachment, len(m.attachments))
	for i := range m.attachments {
		out[i] = &memAttachment{m.attachments[i]}
	}
	return out, nil
}

func (m *memMessage) Categories(ctx context.Context) ([]string, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return append([]string(nil), m.categories...), nil
}

func (m *memMessage) SetCategories(ctx context.Context, categories []string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.CategoryErr != nil {
		return m.store.CategoryErr
	}
	m.categories = append([]string(nil), categories...)
	return nil
}

func (m *memMessage) MarkRead(ctx context.Context) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.ref.Unread = false
	return nil
}

func (m *memMessage) Move(ctx context.Context, dest Folder) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.MoveErr != nil {
		return m.store.MoveErr
	}
	m.ref.FolderPath = dest.Path()
	return nil
}
