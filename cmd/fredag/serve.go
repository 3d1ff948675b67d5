package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gomailzero/fredag/internal/api"
	"github.com/gomailzero/fredag/internal/config"
	"github.com/gomailzero/fredag/internal/job"
	"github.com/gomailzero/fredag/internal/logger"
	"github.com/gomailzero/fredag/internal/metrics"
)

// runServe 守护模式：指标服务器、管理 API 和定时归档，直到收到退出信号
func runServe(ctx context.Context, cfg *config.Config, opts options, runner *job.Runner) int {
	exporter := metrics.NewExporter()
	runner.SetMetrics(exporter)

	// 启动指标服务器
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, exporter.Handler())

		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second, // 防止 Slowloris 攻击
		}

		go func() {
			log.Info().Int("port", cfg.Metrics.Port).Str("path", cfg.Metrics.Path).Msg("指标服务器启动")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("指标服务器错误")
			}
		}()
	}

	// 启动管理 API
	var apiServer *api.Server
	if cfg.Admin.Enabled {
		apiServer = api.NewServer(&api.Config{
			Port:         cfg.Admin.Port,
			APIKeyHash:   cfg.Admin.APIKeyHash,
			Jobs:         runner,
			RulesFile:    cfg.State.RulesFile,
			SettingsFile: cfg.State.SettingsFile,
			FromDays:     cfg.Schedule.FromDays,
		})

		go func() {
			if err := apiServer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("管理 API 启动失败")
			}
		}()
	}

	// 日志级别支持热更新，其余配置需重启
	if err := config.Watch(opts.configPath, func(newCfg *config.Config) error {
		logger.SetLevel(newCfg.Log.Level)
		return nil
	}); err != nil {
		log.Warn().Err(err).Msg("无法监听配置文件变化")
	}

	every := opts.every
	if every <= 0 {
		every = cfg.Schedule.Every
	}
	if every > 0 {
		go schedule(ctx, cfg, opts, runner, every)
	}

	log.Info().Dur("every", every).Msg("所有服务已启动")
	<-ctx.Done()
	log.Info().Msg("收到退出信号")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("关闭管理 API 失败")
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("关闭指标服务器失败")
		}
	}

	log.Info().Msg("fredag 关闭")
	return exitOK
}

// schedule 立即运行一次，此后每隔 every 运行一次归档
func schedule(ctx context.Context, cfg *config.Config, opts options, runner *job.Runner, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		scheduledRun(ctx, cfg, opts, runner)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func scheduledRun(ctx context.Context, cfg *config.Config, opts options, runner *job.Runner) {
	req, err := buildRequest(ctx, cfg, opts)
	if err != nil {
		log.Error().Err(err).Msg("定时归档参数无效")
		return
	}
	req.AfterRetention = req.AfterRetention || cfg.Schedule.AfterRetention
	req.MailReport = req.MailReport || cfg.Report.Enabled

	out, err := runner.Archive(ctx, req)
	if errors.Is(err, job.ErrLocked) {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("定时归档失败")
		return
	}

	totals := out.Summary.Totals()
	log.Info().
		Str("run_id", out.RunID).
		Int("found", out.Found).
		Int("saved", totals.Saved).
		Int("skipped", totals.Skipped).
		Int("unassigned", len(out.Unassigned)).
		Msg("定时归档完成")
}
