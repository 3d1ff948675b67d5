package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gomailzero/fredag/internal/crypto"
	"github.com/gomailzero/fredag/internal/job"
	"github.com/gomailzero/fredag/internal/logger"
	"github.com/gomailzero/fredag/internal/rules"
)

// Jobs 管理接口调用的任务入口
type Jobs interface {
	Archive(ctx context.Context, req job.Request) (*job.ArchiveOutcome, error)
	Move(ctx context.Context, req job.Request) (*job.MoveOutcome, error)
	Suggest(ctx context.Context, req job.Request) ([]rules.DomainSuggestion, error)
	Retention(ctx context.Context, dryRun, mailReport bool, reportTo []string) (*job.RetentionOutcome, error)
	Status(ctx context.Context) (*job.Status, error)
}

// Server 管理 API 服务器
type Server struct {
	config *Config
	router *gin.Engine
	server *http.Server
}

// Config API 配置
type Config struct {
	Port       int
	APIKeyHash string
	Jobs       Jobs
	// 规则与设置文档路径
	RulesFile    string
	SettingsFile string
	// FromDays 请求未指定区间时的默认天数
	FromDays int

	now     func() time.Time
	limiter *failureLimiter
}

// NewServer 创建 API 服务器
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		config: cfg,
		router: newRouter(cfg),
	}
}

func newRouter(cfg *Config) *gin.Engine {
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.limiter == nil {
		cfg.limiter = newFailureLimiter(defaultFailureLimit, defaultFailureWindow)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	// 健康检查
	router.GET("/health", healthHandler)

	api := router.Group("/api/v1")
	api.Use(authMiddleware(cfg.APIKeyHash, cfg.limiter))

	// 规则
	api.GET("/groups", listGroupsHandler(cfg))
	api.PUT("/groups", replaceGroupsHandler(cfg))
	api.POST("/groups/domains", addDomainsHandler(cfg))
	api.GET("/suggestions", suggestionsHandler(cfg))

	// 设置
	api.GET("/settings", getSettingsHandler(cfg))
	api.PATCH("/settings", updateSettingsHandler(cfg))

	// 任务
	api.GET("/status", statusHandler(cfg))
	api.POST("/archive", archiveHandler(cfg))
	api.POST("/move", moveHandler(cfg))
	api.POST("/retention", retentionHandler(cfg))

	return router
}

// Handler 返回路由，供测试和嵌入使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second, // 防止 Slowloris 攻击
		ReadTimeout:       15 * time.Second,
		// 归档请求同步执行
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info().Int("port", s.config.Port).Msg("管理 API 服务器启动")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API 服务器错误: %w", err)
	}

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭 API 服务器失败: %w", err)
	}

	logger.Info().Msg("管理 API 服务器已停止")
	return nil
}

// loggerMiddleware 日志中间件
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger.InfoCtx(c.Request.Context()).
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("API 请求")
	}
}

// authMiddleware 校验 X-API-Key 与配置中的 argon2 哈希，失败次数过多的 IP 返回 429
func authMiddleware(keyHash string, limiter *failureLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if limiter.blocked(ip) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "请求过于频繁",
			})
			c.Abort()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = c.Query("api_key")
		}

		ok, err := crypto.VerifyAPIKey(key, keyHash)
		if err != nil {
			logger.Error().Err(err).Msg("API Key 哈希无效")
		}
		if key == "" || !ok {
			limiter.fail(ip)
			logger.Warn().Str("ip", ip).Msg("API Key 校验失败")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "未授权",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// healthHandler 健康检查处理器
func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}
