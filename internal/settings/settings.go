// Package settings 管理全局默认值文档（分组字段缺省时使用）。
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/gomailzero/fredag/internal/fsutil"
	"github.com/gomailzero/fredag/internal/logger"
	"github.com/gomailzero/fredag/internal/rules"
)

// Settings 全局默认值
type Settings struct {
	// 搜索上限
	CapPerFolder int `json:"cap_per_folder"`
	CapTotal     int `json:"cap_total"`

	// 分组字段缺省值
	DefaultAllowedExts     []string `json:"default_allowed_exts"`
	DefaultMinKB           int      `json:"default_min_kb"`
	DefaultMaxKB           int      `json:"default_max_kb"`
	DefaultCategory        string   `json:"default_category"`
	DefaultCategoryColor   string   `json:"default_category_color"`
	DefaultTargetTemplate  string   `json:"default_target_template"`
	DefaultSubjectTagRegex string   `json:"default_subject_tag_regex"`

	RetentionDefaultDays int `json:"retention_default_days"`

	// 跨运行的附件哈希去重
	DedupPersist bool `json:"dedup_persist"`
	DedupTTLDays int  `json:"dedup_ttl_days"`
}

// Defaults 返回内置基线值
func Defaults() Settings {
	return Settings{
		CapPerFolder:       6000,
		CapTotal:           4000,
		DefaultAllowedExts: []string{},
		DedupPersist:       true,
		DedupTTLDays:       365,
	}
}

// Load 读取设置文档，覆盖在基线值之上。
// 文件不存在或语法错误时返回基线值；个别字段类型错误时保留其余字段。
func Load(path string) Settings {
	s := Defaults()
	err := fsutil.ReadJSON(path, &s)
	if err == nil {
		s.normalize()
		return s
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults()
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		logger.Warn().Err(err).Str("path", path).Msg("设置文档字段类型错误，已忽略该字段")
		s.normalize()
		return s
	}
	logger.Warn().Err(err).Str("path", path).Msg("设置文档无法读取，使用默认值")
	return Defaults()
}

// Save 以原子方式写入设置文档
func Save(path string, s Settings) error {
	s.normalize()
	if err := fsutil.WriteJSONAtomic(path, s); err != nil {
		return fmt.Errorf("保存设置失败: %w", err)
	}
	return nil
}

// Update 将部分键值合并到当前设置并保存，未知键被忽略
func Update(path string, partial map[string]any) (Settings, error) {
	current := Load(path)

	data, err := json.Marshal(partial)
	if err != nil {
		return current, fmt.Errorf("编码设置失败: %w", err)
	}
	merged := current
	if err := json.Unmarshal(data, &merged); err != nil {
		return current, fmt.Errorf("设置值无效: %w", err)
	}
	if err := Save(path, merged); err != nil {
		return current, err
	}
	merged.normalize()
	return merged, nil
}

func (s *Settings) normalize() {
	s.DefaultAllowedExts = rules.NormalizeExts(s.DefaultAllowedExts)
	if s.CapPerFolder < 0 {
		s.CapPerFolder = 0
	}
	if s.CapTotal < 0 {
		s.CapTotal = 0
	}
	if s.DefaultMinKB < 0 {
		s.DefaultMinKB = 0
	}
	if s.DefaultMaxKB < 0 {
		s.DefaultMaxKB = 0
	}
}

// Apply 对分组中为空或为零的归档字段填充默认值，返回新的分组。
// RetentionDays 为 0 表示永久保留，不会被默认值覆盖。
func (s Settings) Apply(g rules.Group) rules.Group {
	if len(g.AllowedExts) == 0 {
		g.AllowedExts = rules.NormalizeExts(s.DefaultAllowedExts)
	}
	if g.MinKB == 0 {
		g.MinKB = s.DefaultMinKB
	}
	if g.MaxKB == 0 {
		g.MaxKB = s.DefaultMaxKB
	}
	if g.Category == "" {
		g.Category = s.DefaultCategory
	}
	if g.CategoryColor == "" {
		g.CategoryColor = s.DefaultCategoryColor
	}
	if g.TargetTemplate == "" {
		g.TargetTemplate = s.DefaultTargetTemplate
	}
	if g.SubjectTagRegex == "" {
		g.SubjectTagRegex = s.DefaultSubjectTagRegex
	}
	return g
}
