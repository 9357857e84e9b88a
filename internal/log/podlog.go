package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
)

// SetupPodLogging configures logging with optional file output for a
// specific pod, so a pod's whole provisioning/lifecycle trail can be
// retrieved independent of the process-wide log stream. If logsDirectory is
// empty, pod-scoped file logging is a no-op and the context is returned
// unchanged.
func SetupPodLogging(ctx context.Context, logsDirectory, podID, podSlug string) (context.Context, func()) {
	if logsDirectory == "" {
		return ctx, func() {}
	}

	podDir := filepath.Join(logsDirectory, podID)
	if err := os.MkdirAll(podDir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create pod log directory", "path", podDir, "error", err.Error())
		return ctx, func() {}
	}

	safeName := slug.Make(podSlug)
	logPath := filepath.Join(podDir, fmt.Sprintf("%s.log", safeName))

	logFile, err := os.Create(logPath)
	if err != nil {
		clog.WarnContext(ctx, "failed to create pod log file", "path", logPath, "error", err.Error())
		return ctx, func() {}
	}

	fileHandler := &lineHandler{w: logFile}

	ctx = WithCtx(ctx, slog.Default(), fileHandler)
	clog.InfoContext(ctx, "logging pod output to file", "path", logPath)

	return ctx, func() {
		if err := logFile.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close pod log file", "path", logPath, "error", err.Error())
		}
	}
}

// lineHandler is a minimal slog.Handler that writes one line per record to
// w, used to produce a plain-text trail alongside the structured stream.
type lineHandler struct {
	w io.Writer
}

func (h *lineHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.w, "%s %s %s\n", r.Time.Format("2006-01-02T15:04:05.000Z07:00"), r.Level, r.Message)
	return err
}

func (h *lineHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *lineHandler) WithGroup(string) slog.Handler      { return h }
