package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink configures an optional size-capped rotating log file.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided. When a file sink is
// supplied, log lines are duplicated into a rotating file.
func Setup(service, env string, sink *FileSink) *slog.Logger {
	var out io.Writer = os.Stdout
	if sink != nil && strings.TrimSpace(sink.Path) != "" {
		maxSize := sink.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   sink.Path,
			MaxSize:    maxSize,
			MaxBackups: sink.MaxBackups,
			Compress:   true,
		})
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
