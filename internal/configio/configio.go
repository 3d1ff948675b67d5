// Package configio 导出和导入规则与设置文档（zip 包）。
package configio

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomailzero/fredag/internal/fsutil"
	"github.com/gomailzero/fredag/internal/logger"
)

// zip 包内的文件名
const (
	RulesEntry    = "grupper.json"
	SettingsEntry = "settings.json"
	ManifestEntry = "manifest.json"
)

// maxEntrySize 单个文档的最大尺寸
const maxEntrySize = 16 << 20

// ErrInvalidArchive zip 包中的文档不是合法 JSON 或过大
var ErrInvalidArchive = errors.New("无效的配置包")

// Paths 规则和设置文档的位置
type Paths struct {
	Rules    string
	Settings string
}

func (p Paths) entries() [][2]string {
	return [][2]string{{RulesEntry, p.Rules}, {SettingsEntry, p.Settings}}
}

// Manifest 导出说明
type Manifest struct {
	ExportedAt time.Time `json:"exported_at"`
	Contains   []string  `json:"contains"`
}

// Export 将现有文档打包到 zipPath，缺失的文档不写入
func Export(zipPath string, p Paths, now time.Time) (Manifest, error) {
	m := Manifest{ExportedAt: now, Contains: []string{}}

	// #nosec G301
	if err := os.MkdirAll(filepath.Dir(zipPath), 0755); err != nil {
		return m, fmt.Errorf("创建目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(zipPath), filepath.Base(zipPath)+".*.tmp")
	if err != nil {
		return m, fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	for _, e := range p.entries() {
		// #nosec G304 -- 路径来自配置
		data, err := os.ReadFile(e[1])
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			tmp.Close()
			return m, fmt.Errorf("读取 %s 失败: %w", e[1], err)
		}
		w, err := zw.Create(e[0])
		if err != nil {
			tmp.Close()
			return m, fmt.Errorf("写入 %s 失败: %w", e[0], err)
		}
		if _, err := w.Write(data); err != nil {
			tmp.Close()
			return m, fmt.Errorf("写入 %s 失败: %w", e[0], err)
		}
		m.Contains = append(m.Contains, e[0])
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		tmp.Close()
		return m, err
	}
	w, err := zw.Create(ManifestEntry)
	if err == nil {
		_, err = w.Write(manifest)
	}
	if err == nil {
		err = zw.Close()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return m, fmt.Errorf("写入配置包失败: %w", err)
	}

	if err := os.Rename(tmp.Name(), zipPath); err != nil {
		return m, fmt.Errorf("重命名文件失败: %w", err)
	}
	logger.Info().Str("file", zipPath).Strs("contains", m.Contains).Msg("配置已导出")
	return m, nil
}

// backupName 返回 <stem>.<YYYYmmdd_HHMMSS>.bak.json
func backupName(path string, now time.Time) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return filepath.Join(filepath.Dir(path), fmt.Sprintf("%s.%s.bak.json", stem, now.Format("20060102_150405")))
}

// Import 从 zipPath 恢复文档。backup 为 true 时先将现有文档改名备份。
// 包中的文档全部校验通过后才会写入，返回已恢复的条目名。
func Import(zipPath string, p Paths, backup bool, now time.Time) ([]string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("打开配置包失败: %w", err)
	}
	defer zr.Close()

	contents := make(map[string][]byte)
	for _, f := range zr.File {
		if f.Name != RulesEntry && f.Name != SettingsEntry {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: %s 不是合法 JSON", ErrInvalidArchive, f.Name)
		}
		contents[f.Name] = data
	}

	if backup {
		for _, e := range p.entries() {
			if _, err := os.Stat(e[1]); err != nil {
				continue
			}
			dst := backupName(e[1], now)
			if err := os.Rename(e[1], dst); err != nil {
				return nil, fmt.Errorf("备份 %s 失败: %w", e[1], err)
			}
			logger.Info().Str("file", dst).Msg("已备份现有配置")
		}
	}

	var restored []string
	for _, e := range p.entries() {
		data, ok := contents[e[0]]
		if !ok {
			continue
		}
		if err := fsutil.WriteFileAtomic(e[1], data, 0644); err != nil {
			return restored, err
		}
		restored = append(restored, e[0])
	}
	logger.Info().Str("file", zipPath).Strs("restored", restored).Msg("配置已导入")
	return restored, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, fmt.Errorf("%w: %s 过大", ErrInvalidArchive, f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", f.Name, err)
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("%w: %s 过大", ErrInvalidArchive, f.Name)
	}
	return data, nil
}
