// Package rules 定义归档分组规则、发件人匹配以及规则文档的读写。
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Group 分组规则：发件人匹配模式 + 目标目录 + 过滤/分类/保留策略
type Group struct {
	Name             string   `json:"name"`
	TargetDir        string   `json:"target_dir"`
	Senders          []string `json:"senders"` // 地址、@域名 或通配符（*.no）
	Note             string   `json:"note"`
	AllowedExts      []string `json:"allowed_exts"` // 空表示全部类型
	MinKB            int      `json:"min_kb"`
	MaxKB            int      `json:"max_kb"`
	Category         string   `json:"category"`
	CategoryColor    string   `json:"category_color"`
	RetentionDays    int      `json:"retention_days"` // 0 表示永久保留
	TargetTemplate   string   `json:"target_template"`
	SubjectTagRegex  string   `json:"subject_tag_regex"`
	MoveToFolderPath string   `json:"move_to_folder_path"`
	MoveMarkRead     bool     `json:"move_mark_read"`
}

var (
	// ErrEmptyName 分组名称为空
	ErrEmptyName = errors.New("分组名称不能为空")
	// ErrDuplicateName 分组名称重复（不区分大小写）
	ErrDuplicateName = errors.New("分组名称重复")
)

// Validate 校验单个分组
func (g *Group) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(g.TargetDir) == "" {
		return fmt.Errorf("分组 %q: 目标目录不能为空", g.Name)
	}
	if g.MinKB < 0 || g.MaxKB < 0 {
		return fmt.Errorf("分组 %q: 大小限制不能为负数", g.Name)
	}
	if g.MaxKB > 0 && g.MinKB > g.MaxKB {
		return fmt.Errorf("分组 %q: min_kb (%d) 大于 max_kb (%d)", g.Name, g.MinKB, g.MaxKB)
	}
	if g.RetentionDays < 0 {
		return fmt.Errorf("分组 %q: retention_days 不能为负数", g.Name)
	}
	if g.SubjectTagRegex != "" {
		if _, err := regexp.Compile("(?i)" + g.SubjectTagRegex); err != nil {
			return fmt.Errorf("分组 %q: subject_tag_regex 无效: %w", g.Name, err)
		}
	}
	return nil
}

// ValidateAll 校验全部分组，名称不区分大小写唯一
func ValidateAll(groups []Group) error {
	seen := make(map[string]bool, len(groups))
	for i := range groups {
		if err := groups[i].Validate(); err != nil {
			return err
		}
		key := strings.ToLower(strings.TrimSpace(groups[i].Name))
		if seen[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateName, groups[i].Name)
		}
		seen[key] = true
	}
	return nil
}

// Find 按名称（区分大小写）查找分组
func Find(groups []Group, name string) *Group {
	for i := range groups {
		if groups[i].Name == name {
			return &groups[i]
		}
	}
	return nil
}

// NormalizeExts 规范化扩展名：去空白、小写、去掉前导点、丢弃空项
func NormalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		e = strings.TrimPrefix(e, ".")
		if e == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// normalizeSenders 去空白并转小写，丢弃空模式
func normalizeSenders(senders []string) []string {
	out := make([]string, 0, len(senders))
	for _, s := range senders {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// normalize 统一清理读入或保存的分组字段
func (g *Group) normalize() {
	g.Name = strings.TrimSpace(g.Name)
	g.TargetDir = strings.TrimSpace(g.TargetDir)
	g.Senders = normalizeSenders(g.Senders)
	g.Note = strings.TrimSpace(g.Note)
	g.AllowedExts = NormalizeExts(g.AllowedExts)
	g.Category = strings.TrimSpace(g.Category)
	g.CategoryColor = strings.TrimSpace(g.CategoryColor)
	g.TargetTemplate = strings.TrimSpace(g.TargetTemplate)
	g.SubjectTagRegex = strings.TrimSpace(g.SubjectTagRegex)
	g.MoveToFolderPath = strings.TrimSpace(g.MoveToFolderPath)
	if g.MinKB < 0 {
		g.MinKB = 0
	}
	if g.MaxKB < 0 {
		g.MaxKB = 0
	}
	if g.RetentionDays < 0 {
		g.RetentionDays = 0
	}
}
