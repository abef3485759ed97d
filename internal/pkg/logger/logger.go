// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	// 没有挂载 logger 的 context 回退到全局 logger，而不是 zerolog 默认的 disabled logger
	zerolog.DefaultContextLogger = &zlog.Logger
}

// Init 配置全局 zerolog，所有服务在 main 中最先调用。
func Init(serviceName, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	zlog.Logger = zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// Ctx 返回 context 中的 logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithTraceID 把当前 span 的 trace_id 写进 logger，并返回携带该 logger 的 context。
func WithTraceID(ctx context.Context) context.Context {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ctx
	}
	l := zerolog.Ctx(ctx).With().Str("trace_id", sc.TraceID().String()).Logger()
	return l.WithContext(ctx)
}

// With 返回附加了指定字段的子 logger context，常用于给一次循环迭代打上 task 名称。
func With(ctx context.Context, key, value string) context.Context {
	l := zerolog.Ctx(ctx).With().Str(key, value).Logger()
	return l.WithContext(ctx)
}
