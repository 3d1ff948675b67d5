package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gomailzero/fredag/internal/config"
	"github.com/gomailzero/fredag/internal/job"
	"github.com/gomailzero/fredag/internal/mailstore"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a@example.com", []string{"a@example.com"}},
		{" a@example.com , ,b@example.com ", []string{"a@example.com", "b@example.com"}},
	}
	for _, tt := range tests {
		if got := splitList(tt.in); !cmp.Equal(got, tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuildRequest(t *testing.T) {
	cfg := &config.Config{Schedule: config.ScheduleConfig{FromDays: 7}}
	ctx, cancel := context.WithCancel(context.Background())

	req, err := buildRequest(ctx, cfg, options{
		fromDate:     "2025-01-01",
		toDate:       "2025-01-31",
		noSubfolders: true,
		dryRun:       true,
		to:           "a@example.com,b@example.com",
	})
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}
	if req.From.Format(job.DateLayout) != "2025-01-01" || req.To.Format(job.DateLayout) != "2025-01-31" {
		t.Errorf("window = %v - %v", req.From, req.To)
	}
	if req.IncludeSubfolders || !req.DryRun || len(req.ReportTo) != 2 {
		t.Errorf("request = %+v", req)
	}
	if req.Stop() {
		t.Error("Stop() 在取消前返回 true")
	}
	cancel()
	if !req.Stop() {
		t.Error("Stop() 在取消后应返回 true")
	}

	if _, err := buildRequest(context.Background(), cfg, options{fromDate: "1.1.2025"}); err == nil {
		t.Error("无效日期应返回错误")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{job.ErrLocked, exitLocked},
		{fmt.Errorf("包装: %w", job.ErrLocked), exitLocked},
		{mailstore.ErrAborted, exitError},
		{errors.New("搜索失败"), exitError},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
