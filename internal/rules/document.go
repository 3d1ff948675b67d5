package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/gomailzero/fredag/internal/fsutil"
	"github.com/gomailzero/fredag/internal/logger"
)

// DocumentVersion 写入规则文档时使用的版本号
const DocumentVersion = 6

// Document 规则文档 {version, groups}
type Document struct {
	Version int     `json:"version"`
	Groups  []Group `json:"groups"`
}

// rawDocument 逐个分组解码，单个分组损坏不影响其他分组
type rawDocument struct {
	Version int               `json:"version"`
	Groups  []json.RawMessage `json:"groups"`
}

// Load 读取规则文档。文件不存在或无法解析时返回空规则集，不返回错误。
func Load(path string) []Group {
	var raw rawDocument
	if err := fsutil.ReadJSON(path, &raw); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn().Err(err).Str("path", path).Msg("规则文档无法读取，按无规则处理")
		}
		return []Group{}
	}

	groups := make([]Group, 0, len(raw.Groups))
	for i, item := range raw.Groups {
		var g Group
		if err := json.Unmarshal(item, &g); err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("跳过无法解析的分组")
			continue
		}
		g.normalize()
		groups = append(groups, g)
	}
	return groups
}

// Save 规范化后以原子方式写入规则文档
func Save(path string, groups []Group) error {
	doc := Document{Version: DocumentVersion, Groups: make([]Group, len(groups))}
	for i, g := range groups {
		g.normalize()
		// 保证输出 [] 而不是 null
		if g.Senders == nil {
			g.Senders = []string{}
		}
		if g.AllowedExts == nil {
			g.AllowedExts = []string{}
		}
		doc.Groups[i] = g
	}
	if err := fsutil.WriteJSONAtomic(path, doc); err != nil {
		return fmt.Errorf("保存规则失败: %w", err)
	}
	return nil
}
