// Package lock 提供基于排他创建文件的跨进程运行锁。
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked 锁已被其他运行持有
var ErrLocked = errors.New("任务已在运行")

// pollInterval 等待锁时的重试间隔
const pollInterval = 200 * time.Millisecond

// Lock 已持有的运行锁
type Lock struct {
	path     string
	released bool
}

// PathFor 返回状态目录下指定名称的锁文件路径
func PathFor(stateDir, name string) string {
	return filepath.Join(stateDir, name+".lock")
}

// TryAcquire 尝试排他创建锁文件，最多等待 timeout；超时返回 ErrLocked
func TryAcquire(path string, timeout time.Duration) (*Lock, error) {
	// #nosec G301 -- 状态目录
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建锁目录失败: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		// #nosec G304 -- 路径来自配置
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "pid=%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("写入锁文件失败: %w", errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("创建锁文件失败: %w", err)
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLocked
		}
		time.Sleep(pollInterval)
	}
}

// Release 释放锁，重复调用无副作用
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除锁文件失败: %w", err)
	}
	return nil
}

// Path 返回锁文件路径
func (l *Lock) Path() string {
	return l.path
}
