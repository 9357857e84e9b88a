package log

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/chainguard-dev/clog"
	slogmulti "github.com/samber/slog-multi"
)

// WithCtx returns a context decorated with the non nil *slog.Logger, fanned
// out to any extra handlers (e.g. a per-pod log file) so every caller down
// the chain logs to all of them.
func WithCtx(parent context.Context, logger *slog.Logger, extra ...slog.Handler) context.Context {
	if parent == nil {
		panic("parent context is nil")
	}

	handlers := append([]slog.Handler{clog.NewHandler(logger.Handler())}, extra...)

	clogLogger := clog.New(slogmulti.Fanout(handlers...))
	return clog.WithLogger(parent, clogLogger)
}

// With returns a context whose logger carries args on every subsequent call.
// The orchestrator uses this to attach pod_id to a request's
// whole call chain without threading them through every function signature.
func With(ctx context.Context, args ...any) context.Context {
	return clog.WithLogger(ctx, clog.FromContext(ctx).With(args...))
}

func Info(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelInfo, msg, args...)
}

func Debug(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelDebug, msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelWarn, msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelError, msg, args...)
}

func log(ctx context.Context, l *clog.Logger, level slog.Level, msg string, args ...any) {
	if !l.Enabled(ctx, level) {
		return
	}

	var pc uintptr
	var pcs [1]uintptr
	// skip [runtime.Callers, this function, this function's caller]
	runtime.Callers(3, pcs[:])
	pc = pcs[0]

	r := slog.NewRecord(time.Now(), level, msg, pc)
	r.Add(args...)
	_ = l.Handler().Handle(ctx, r)
}
