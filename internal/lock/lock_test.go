package lock

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestTryAcquire(t *testing.T) {
	path := PathFor(t.TempDir(), "auto_archive_run")

	l, err := TryAcquire(path, 0)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("锁文件不存在: %v", err)
	}

	start := time.Now()
	if _, err := TryAcquire(path, 300*time.Millisecond); !errors.Is(err, ErrLocked) {
		t.Fatalf("TryAcquire() error = %v, want ErrLocked", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Error("TryAcquire() 应等待到超时")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("重复 Release() error = %v", err)
	}

	l2, err := TryAcquire(path, 0)
	if err != nil {
		t.Fatalf("释放后 TryAcquire() error = %v", err)
	}
	l2.Release()
}

func TestTryAcquire_WaitsForRelease(t *testing.T) {
	path := PathFor(t.TempDir(), "run")

	l, err := TryAcquire(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		l.Release()
	}()

	l2, err := TryAcquire(path, 2*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	l2.Release()
}
