package mailstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gomailzero/fredag/internal/fsutil"
)

// InboxName 根目录对应的文件夹名称
const InboxName = "INBOX"

// categoriesFile 分类定义文件（名称 -> 颜色代码）
const categoriesFile = "categories.json"

// Maildir 实现基于 Maildir++ 目录的邮件存储。
// 根目录本身是收件箱，子文件夹为 .A.B 形式的目录。
type Maildir struct {
	root string
	name string
}

// NewMaildir 创建 Maildir 实例，name 为显示名（文件夹路径中可作为第一段）
func NewMaildir(root, name string) (*Maildir, error) {
	m := &Maildir{root: filepath.Clean(root), name: name}
	if m.name == "" {
		m.name = filepath.Base(m.root)
	}
	if err := m.EnsureFolder(""); err != nil {
		return nil, err
	}
	return m, nil
}

// Root 返回根目录
func (m *Maildir) Root() string {
	return m.root
}

// folderKey 将 "A/B"、"A.B" 或 "INBOX" 规范化为目录名中使用的 "A.B"，收件箱为空串
func folderKey(folder string) string {
	folder = strings.Trim(strings.ReplaceAll(strings.TrimSpace(folder), `\`, "/"), "/")
	if folder == "" || strings.EqualFold(folder, InboxName) {
		return ""
	}
	var parts []string
	for _, p := range strings.Split(folder, "/") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// folderDir 返回文件夹目录
func (m *Maildir) folderDir(key string) string {
	if key == "" {
		return m.root
	}
	return filepath.Join(m.root, "."+key)
}

// displayFolder 返回文件夹的显示路径
func displayFolder(key string) string {
	if key == "" {
		return InboxName
	}
	return strings.ReplaceAll(key, ".", "/")
}

// EnsureFolder 确保文件夹的 cur/new/tmp 目录存在
func (m *Maildir) EnsureFolder(folder string) error {
	dir := m.folderDir(folderKey(folder))
	for _, sub := range []string{"cur", "new", "tmp"} {
		// #nosec G301 -- 0755 权限允许组和其他用户读取，这是 Maildir 的标准权限
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("创建文件夹 %s 失败: %w", sub, err)
		}
	}
	return nil
}

// GenerateUniqueName 生成唯一的邮件文件名
func (m *Maildir) GenerateUniqueName() (string, error) {
	// 格式: <timestamp>.<pid>.<random>.<hostname>
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	hostname = strings.NewReplacer("/", `\057`, ":", `\072`).Replace(hostname)
	return fmt.Sprintf("%d.%d.%s.%s", time.Now().UnixNano(), os.Getpid(), hex.EncodeToString(randomBytes), hostname), nil
}

// Deliver 投递邮件到文件夹的 new 目录，返回邮件引用
func (m *Maildir) Deliver(folder string, data []byte) (MessageRef, error) {
	key := folderKey(folder)
	if err := m.EnsureFolder(folder); err != nil {
		return MessageRef{}, err
	}
	name, err := m.GenerateUniqueName()
	if err != nil {
		return MessageRef{}, err
	}

	dir := m.folderDir(key)
	tmpPath := filepath.Join(dir, "tmp", name)
	// #nosec G306 -- 0644 权限允许组和其他用户读取，这是 Maildir 的标准权限
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return MessageRef{}, fmt.Errorf("写入邮件文件失败: %w", err)
	}
	newPath := filepath.Join(dir, "new", name)
	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return MessageRef{}, fmt.Errorf("移动邮件文件失败: %w", err)
	}
	return m.refFor(key, name, newPath, data)
}

// Folders 返回全部文件夹的显示路径（含收件箱）
func (m *Maildir) Folders() ([]string, error) {
	keys, err := m.folderKeys()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = displayFolder(k)
	}
	return out, nil
}

func (m *Maildir) folderKeys() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("读取 Maildir 根目录失败: %w", err)
	}
	keys := []string{""}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), ".") && len(e.Name()) > 1 {
			keys = append(keys, e.Name()[1:])
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// searchFolders 返回要搜索的文件夹键
func (m *Maildir) searchFolders(filter SearchFilter) ([]string, error) {
	base := folderKey(filter.Folder)
	if !filter.IncludeSubfolders {
		return []string{base}, nil
	}
	all, err := m.folderKeys()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range all {
		if k == base || base == "" || strings.HasPrefix(strings.ToLower(k), strings.ToLower(base)+".") {
			out = append(out, k)
		}
	}
	return out, nil
}

// splitFlags 拆分 "<key>:2,<flags>" 形式的文件名
func splitFlags(filename string) (key, flags string) {
	if i := strings.Index(filename, ":2,"); i >= 0 {
		return filename[:i], filename[i+3:]
	}
	return filename, ""
}

// refFor 由文件内容构建邮件引用
func (m *Maildir) refFor(key, filename, path string, data []byte) (MessageRef, error) {
	info, err := readHeaderInfo(bytes.NewReader(data))
	if err != nil {
		return MessageRef{}, err
	}
	if info.Time.IsZero() {
		if st, err := os.Stat(path); err == nil {
			info.Time = st.ModTime()
		}
	}
	base, flags := splitFlags(filename)
	unread := filepath.Base(filepath.Dir(path)) == "new" || !strings.Contains(flags, "S")

	folder := displayFolder(key)
	return MessageRef{
		ID:              folder + "/" + base,
		StoreID:         m.root,
		Time:            info.Time,
		SenderName:      info.SenderName,
		SenderAddress:   info.SenderAddress,
		Subject:         info.Subject,
		AttachmentCount: countAttachments(data),
		Unread:          unread,
		FolderPath:      folder,
	}, nil
}

// Search 枚举文件夹中的邮件，按时间倒序，应用单文件夹和总数上限
func (m *Maildir) Search(ctx context.Context, filter SearchFilter) ([]MessageRef, error) {
	keys, err := m.searchFolders(filter)
	if err != nil {
		return nil, err
	}

	var refs []MessageRef
	for _, key := range keys {
		var found []MessageRef
		dir := m.folderDir(key)
		for _, sub := range []string{"new", "cur"} {
			entries, err := os.ReadDir(filepath.Join(dir, sub))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("读取邮件目录失败: %w", err)
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				if filter.stopped(ctx) {
					return nil, ErrAborted
				}
				path := filepath.Join(dir, sub, e.Name())
				// #nosec G304 -- 路径来自 Maildir 目录枚举
				data, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				ref, err := m.refFor(key, e.Name(), path, data)
				if err != nil {
					continue
				}
				if filter.Accept(ref) {
					found = append(found, ref)
				}
			}
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

// locate 查找邮件文件的当前路径
func (m *Maildir) locate(key, base string) (string, error) {
	dir := m.folderDir(key)
	newPath := filepath.Join(dir, "new", base)
	if _, err := os.Stat(newPath); err == nil {
		return newPath, nil
	}
	entries, err := os.ReadDir(filepath.Join(dir, "cur"))
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("读取邮件目录失败: %w", err)
	}
	for _, e := range entries {
		if k, _ := splitFlags(e.Name()); k == base {
			return filepath.Join(dir, "cur", e.Name()), nil
		}
	}
	return "", ErrNotFound
}

// parseRefID 拆分 "<folder>/<base>"
func parseRefID(id string) (key, base string, err error) {
	i := strings.LastIndex(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("%w: 无效的邮件 ID %q", ErrNotFound, id)
	}
	return folderKey(id[:i]), id[i+1:], nil
}

// Open 解析邮件引用
func (m *Maildir) Open(ctx context.Context, ref MessageRef) (Message, error) {
	if ref.StoreID != "" && filepath.Clean(ref.StoreID) != m.root {
		return nil, fmt.Errorf("%w: 邮件属于其他存储 %s", ErrNotFound, ref.StoreID)
	}
	key, base, err := parseRefID(ref.ID)
	if err != nil {
		return nil, err
	}
	if _, err := m.locate(key, base); err != nil {
		return nil, err
	}
	return &maildirMessage{store: m, ref: ref, key: key, base: base}, nil
}

// EnsureCategory 在 categories.json 中登记分类，已存在时不修改
func (m *Maildir) EnsureCategory(ctx context.Context, name, color string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	cats, err := m.Categories()
	if err != nil {
		return err
	}
	if _, ok := cats[name]; ok {
		return nil
	}
	cats[name] = ColorCode(color)
	return fsutil.WriteJSONAtomic(filepath.Join(m.root, categoriesFile), cats)
}

// Categories 返回已登记的分类及颜色代码
func (m *Maildir) Categories() (map[string]int, error) {
	cats := map[string]int{}
	if err := fsutil.ReadJSON(filepath.Join(m.root, categoriesFile), &cats); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return cats, nil
}

// maildirFolder 已解析的 Maildir 文件夹
type maildirFolder struct {
	key string
}

func (f *maildirFolder) Path() string { return displayFolder(f.key) }

// ResolveFolder 解析 "\\显示名\\A\\B" 或 "A/B" 形式的路径，文件夹必须已存在（不区分大小写）
func (m *Maildir) ResolveFolder(ctx context.Context, path string) (Folder, error) {
	p := strings.Trim(strings.ReplaceAll(strings.TrimSpace(path), `\`, "/"), "/")
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) > 0 && strings.EqualFold(parts[0], m.name) {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrFolderNotFound, path)
	}
	if strings.EqualFold(parts[0], InboxName) && len(parts) == 1 {
		return &maildirFolder{key: ""}, nil
	}

	want := strings.Join(parts, ".")
	keys, err := m.folderKeys()
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k != "" && strings.EqualFold(k, want) {
			return &maildirFolder{key: k}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrFolderNotFound, path)
}

// Close 无需释放资源
func (m *Maildir) Close() error {
	return nil
}

// maildirMessage Maildir 中的邮件
type maildirMessage struct {
	store *Maildir
	ref   MessageRef
	key   string
	base  string
}

func (msg *maildirMessage) Ref() MessageRef { return msg.ref }

func (msg *maildirMessage) read() (string, []byte, error) {
	path, err := msg.store.locate(msg.key, msg.base)
	if err != nil {
		return "", nil, err
	}
	// #nosec G304 -- 路径来自 Maildir 目录枚举
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("读取邮件文件失败: %w", err)
	}
	return path, data, nil
}

// Attachments 解析附件
func (msg *maildirMessage) Attachments(ctx context.Context) ([]Attachment, error) {
	_, data, err := msg.read()
	if err != nil {
		return nil, err
	}
	return parseAttachments(bytes.NewReader(data))
}

// Categories 读取 Keywords 头
func (msg *maildirMessage) Categories(ctx context.Context) ([]string, error) {
	_, data, err := msg.read()
	if err != nil {
		return nil, err
	}
	info, err := readHeaderInfo(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return info.Keywords, nil
}

// SetCategories 重写 Keywords 头：先写入 tmp 目录，再重命名覆盖原文件
func (msg *maildirMessage) SetCategories(ctx context.Context, categories []string) error {
	path, data, err := msg.read()
	if err != nil {
		return err
	}
	out, err := rewriteKeywords(data, categories)
	if err != nil {
		return err
	}

	name, err := msg.store.GenerateUniqueName()
	if err != nil {
		return err
	}
	tmpPath := filepath.Join(msg.store.folderDir(msg.key), "tmp", name)
	// #nosec G306 -- 0644 权限允许组和其他用户读取，这是 Maildir 的标准权限
	if err := os.WriteFile(tmpPath, out, 0644); err != nil {
		return fmt.Errorf("写入邮件文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("替换邮件文件失败: %w", err)
	}
	return nil
}

// MarkRead 将邮件移到 cur 并添加 S 标志
func (msg *maildirMessage) MarkRead(ctx context.Context) error {
	path, err := msg.store.locate(msg.key, msg.base)
	if err != nil {
		return err
	}
	_, flags := splitFlags(filepath.Base(path))
	if strings.Contains(flags, "S") && filepath.Base(filepath.Dir(path)) == "cur" {
		msg.ref.Unread = false
		return nil
	}
	dst := filepath.Join(msg.store.folderDir(msg.key), "cur", msg.base+":2,"+addFlag(flags, 'S'))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("移动邮件文件失败: %w", err)
	}
	msg.ref.Unread = false
	return nil
}

// addFlag 添加标志并保持字母顺序
func addFlag(flags string, f rune) string {
	if strings.ContainsRune(flags, f) {
		return flags
	}
	rs := []rune(flags + string(f))
	sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
	return string(rs)
}

// Move 移动到目标文件夹，保留 new/cur 位置和标志
func (msg *maildirMessage) Move(ctx context.Context, dest Folder) error {
	df, ok := dest.(*maildirFolder)
	if !ok {
		return fmt.Errorf("%w: 目标不是 Maildir 文件夹", ErrFolderNotFound)
	}
	if df.key == msg.key {
		return nil
	}
	path, err := msg.store.locate(msg.key, msg.base)
	if err != nil {
		return err
	}
	if err := msg.store.EnsureFolder(displayFolder(df.key)); err != nil {
		return err
	}
	sub := filepath.Base(filepath.Dir(path))
	dst := filepath.Join(msg.store.folderDir(df.key), sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("移动邮件文件失败: %w", err)
	}
	msg.key = df.key
	msg.ref.FolderPath = displayFolder(df.key)
	msg.ref.ID = msg.ref.FolderPath + "/" + msg.base
	return nil
}
