package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var currentLevel atomic.Value // slog.Level

// LevelTrace is a custom trace level below debug
const LevelTrace = slog.Level(-8)

type requestIDKey struct{}

func init() {
	level, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}

	currentLevel.Store(level)
	updateHandler(os.Stderr)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "ERROR":
		return slog.LevelError, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "TRACE":
		return LevelTrace, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}

func replaceAttr(timeKey, timeLayout string, utc bool) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			ts := a.Value.Time()
			if utc {
				ts = ts.UTC()
			}
			return slog.String(timeKey, ts.Format(timeLayout))
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
		}
		return a
	}
}

// updateHandler rebuilds the default logger for the current level and LOG_FORMAT.
func updateHandler(out io.Writer) {
	level := currentLevel.Load().(slog.Level)

	var handler slog.Handler
	if strings.ToUpper(os.Getenv("LOG_FORMAT")) == "JSON" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceAttr("timestamp", time.RFC3339Nano, true),
		})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceAttr(slog.TimeKey, "2006-01-02 15:04:05.000-07:00", false),
		})
	}

	slog.SetDefault(slog.New(handler))
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	updateHandler(w)
}

// SetLogLevel atomically updates the log level at runtime
func SetLogLevel(level string) error {
	newLevel, err := parseLevel(level)
	if err != nil {
		return err
	}

	currentLevel.Store(newLevel)
	updateHandler(os.Stderr)

	LogInfoWithFields("logging", "Log level changed", map[string]any{
		"new_level": level,
	})
	return nil
}

// GetLogLevel returns the current log level as a string
func GetLogLevel() string {
	switch currentLevel.Load().(slog.Level) {
	case slog.LevelError:
		return "error"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelInfo:
		return "info"
	case slog.LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// WithRequestID returns a context carrying the request id for later log calls.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func Logf(format string, args ...any) {
	slog.Default().Info(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	slog.Default().Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	slog.Default().Warn(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...any) {
	slog.Default().Debug(fmt.Sprintf(format, args...))
}

func buildArgs(ctx context.Context, component string, fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2+4)
	args = append(args, "component", component)
	if id := RequestID(ctx); id != "" {
		args = append(args, "request_id", id)
	}
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func logWithFields(ctx context.Context, level slog.Level, component, message string, fields map[string]any) {
	if level < currentLevel.Load().(slog.Level) {
		return
	}
	slog.Default().Log(ctx, level, message, buildArgs(ctx, component, fields)...)
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	logWithFields(context.Background(), slog.LevelInfo, component, message, fields)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	logWithFields(context.Background(), slog.LevelDebug, component, message, fields)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	logWithFields(context.Background(), slog.LevelError, component, message, fields)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	logWithFields(context.Background(), slog.LevelWarn, component, message, fields)
}

func LogTraceWithFields(component, message string, fields map[string]any) {
	logWithFields(context.Background(), LevelTrace, component, message, fields)
}

// The Ctx variants add the request id from ctx.

func LogInfoCtx(ctx context.Context, component, message string, fields map[string]any) {
	logWithFields(ctx, slog.LevelInfo, component, message, fields)
}

func LogWarnCtx(ctx context.Context, component, message string, fields map[string]any) {
	logWithFields(ctx, slog.LevelWarn, component, message, fields)
}

func LogErrorCtx(ctx context.Context, component, message string, fields map[string]any) {
	logWithFields(ctx, slog.LevelError, component, message, fields)
}

func LogDebugCtx(ctx context.Context, component, message string, fields map[string]any) {
	logWithFields(ctx, slog.LevelDebug, component, message, fields)
}
