// Package dedup 维护附件内容哈希的持久索引，用于跨运行去重。
package dedup

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/gomailzero/fredag/internal/fsutil"
	"github.com/gomailzero/fredag/internal/logger"
)

// FormatVersion 索引文档版本
const FormatVersion = 1

// Index 内容哈希 -> 最近一次出现的 Unix 秒
type Index map[string]float64

type document struct {
	V     int                `json:"v"`
	Items map[string]float64 `json:"items"`
}

// Load 读取索引文档，任何读取或解析错误都返回空索引
func Load(path string) Index {
	var doc document
	if err := fsutil.ReadJSON(path, &doc); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn().Err(err).Str("path", path).Msg("去重索引无法读取，使用空索引")
		}
		return Index{}
	}
	idx := make(Index, len(doc.Items))
	for h, ts := range doc.Items {
		idx[h] = ts
	}
	return idx
}

// Save 以原子方式写入索引文档
func Save(path string, idx Index) error {
	doc := document{V: FormatVersion, Items: idx}
	if doc.Items == nil {
		doc.Items = map[string]float64{}
	}
	if err := fsutil.WriteJSONAtomic(path, doc); err != nil {
		return fmt.Errorf("保存去重索引失败: %w", err)
	}
	return nil
}

// PruneExpired 删除早于 now - ttlDays 天的条目，返回删除数量。
// ttlDays <= 0 表示永不过期。只修改内存中的索引，是否保存由调用方决定。
func (idx Index) PruneExpired(ttlDays int, now time.Time) int {
	if ttlDays <= 0 {
		return 0
	}
	cutoff := float64(now.Unix()) - float64(ttlDays)*24*3600
	removed := 0
	for h, ts := range idx {
		if ts < cutoff {
			delete(idx, h)
			removed++
		}
	}
	return removed
}

// Has 判断哈希是否已在索引中
func (idx Index) Has(hash string) bool {
	_, ok := idx[hash]
	return ok
}

// Touch 记录哈希的最近出现时间
func (idx Index) Touch(hash string, t time.Time) {
	idx[hash] = float64(t.UnixNano()) / float64(time.Second)
}
