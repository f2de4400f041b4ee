package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"replydesk/internal/config"
)

// Options selects level, format and destinations. OutputPaths accepts
// "stdout", "stderr" or file paths; empty means stderr.
type Options struct {
	Level       string
	Format      string
	OutputPaths []string
}

// New builds a logger. Debug level also records the caller.
func New(opts Options) (*slog.Logger, error) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(opts.Level))
	withSource := level.Level() <= slog.LevelDebug

	out, err := openOutputs(opts.OutputPaths)
	if err != nil {
		return nil, err
	}

	switch format := strings.ToLower(strings.TrimSpace(opts.Format)); format {
	case "", "console":
		return slog.New(newConsoleHandler(out, level, withSource)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:       level,
			AddSource:   withSource,
			ReplaceAttr: jsonAttr,
		})), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}
}

// NewFromConfig logs to stderr and to <log_dir>/<name>.log when both are set.
func NewFromConfig(cfg *config.Config, name string) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{})
	}
	outputs := []string{"stderr"}
	if cfg.Paths.LogDir != "" && name != "" {
		outputs = append(outputs, filepath.Join(cfg.Paths.LogDir, name+".log"))
	}
	return New(Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
	})
}

func parseLevel(name string) slog.Level {
	var level slog.Level
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func openOutputs(paths []string) (io.Writer, error) {
	var writers []io.Writer
	var opened []string
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" || slices.Contains(opened, path) {
			continue
		}
		opened = append(opened, path)
		w, err := openOutput(path)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	switch len(writers) {
	case 0:
		return os.Stderr, nil
	case 1:
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func openOutput(path string) (io.Writer, error) {
	switch path {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// jsonAttr renames time to ts in UTC, lowercases levels and shortens sources.
func jsonAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		if attr.Value.Kind() == slog.KindTime {
			return slog.String("ts", attr.Value.Time().UTC().Format(time.RFC3339Nano))
		}
		attr.Key = "ts"
	case slog.LevelKey:
		attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
	case slog.SourceKey:
		if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
			attr.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
		}
	}
	return attr
}
