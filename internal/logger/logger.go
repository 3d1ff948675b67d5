package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// traceIDKey 用于在 context 中存储运行 ID 的键
type traceIDKey struct{}

// WithTraceIDContext 将 trace_id 添加到 context
func WithTraceIDContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// NewRunContext 为一次归档/清理运行生成新的 trace_id
func NewRunContext(ctx context.Context) (context.Context, string) {
	runID := uuid.NewString()
	return WithTraceIDContext(ctx, runID), runID
}

// TraceIDFromContext 从 context 中获取 trace_id
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

var globalLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	Output string `yaml:"output" mapstructure:"output"`
}

// Init 初始化日志
func Init(cfg LogConfig) {
	var out io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	default:
		// #nosec G302 -- 日志文件需要组可读权限
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			log.Fatal().Err(err).Msg("无法打开日志文件")
		}
		out = file
	}

	if cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: cfg.Output != "" && cfg.Output != "stdout" && cfg.Output != "stderr"}
	}

	SetLevel(cfg.Level)

	globalLogger = zerolog.New(out).
		With().
		Timestamp().
		Logger()

	log.Logger = globalLogger
}

// SetLevel 设置全局日志级别，无法解析时使用 info
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// FromContext 从 context 创建带 trace_id 的 logger
func FromContext(ctx context.Context) *zerolog.Logger {
	traceID := TraceIDFromContext(ctx)
	if traceID != "" {
		logger := globalLogger.With().Str("trace_id", traceID).Logger()
		return &logger
	}
	return &globalLogger
}

// Error 返回错误级别日志
func Error() *zerolog.Event {
	return globalLogger.Error()
}

// ErrorCtx 从 context 返回错误级别日志（包含 trace_id）
func ErrorCtx(ctx context.Context) *zerolog.Event {
	return FromContext(ctx).Error()
}

// Info 返回信息级别日志
func Info() *zerolog.Event {
	return globalLogger.Info()
}

// InfoCtx 从 context 返回信息级别日志（包含 trace_id）
func InfoCtx(ctx context.Context) *zerolog.Event {
	return FromContext(ctx).Info()
}

// Debug 返回调试级别日志
func Debug() *zerolog.Event {
	return globalLogger.Debug()
}

// DebugCtx 从 context 返回调试级别日志（包含 trace_id）
func DebugCtx(ctx context.Context) *zerolog.Event {
	return FromContext(ctx).Debug()
}

// Warn 返回警告级别日志
func Warn() *zerolog.Event {
	return globalLogger.Warn()
}

// WarnCtx 从 context 返回警告级别日志（包含 trace_id）
func WarnCtx(ctx context.Context) *zerolog.Event {
	return FromContext(ctx).Warn()
}

// Fatal 返回致命级别日志
func Fatal() *zerolog.Event {
	return globalLogger.Fatal()
}
