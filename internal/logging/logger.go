// Package logging builds the slog logger every service binary runs with.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coldbell/keyvault/backend/internal/config"
	"github.com/lmittmann/tint"
)

// New returns a logger tagged with the service name and a closer for any log
// file it opened.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	writer, closeWriter, err := openWriter(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	handler, err := newHandler(cfg.Format, writer, level)
	if err != nil {
		_ = closeWriter()
		return nil, nil, err
	}
	return slog.New(handler).With("service", serviceName), closeWriter, nil
}

func newHandler(format string, w io.Writer, level slog.Level) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr}), nil
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr}), nil
	case "tint":
		return tint.NewHandler(w, &tint.Options{
			Level:       level,
			TimeFormat:  time.Kitchen,
			NoColor:     !isTerminal(w),
			ReplaceAttr: redactAttr,
		}), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json|tint)", format)
	}
}

// secretQueryParams are RPC provider credentials carried in the URL query.
var secretQueryParams = []string{"api-key", "api_key", "apikey", "token"}

// redactAttr masks credentials in endpoint attributes (rpc_url, db_dsn and
// anything else ending in _url or _dsn).
func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString {
		return attr
	}
	if !strings.HasSuffix(attr.Key, "_url") && !strings.HasSuffix(attr.Key, "_dsn") {
		return attr
	}
	return slog.String(attr.Key, RedactURL(attr.Value.String()))
}

// RedactURL hides the password and any credential query parameters of raw.
// Strings that do not parse as URLs are returned unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	query := u.Query()
	redacted := false
	for _, key := range secretQueryParams {
		if query.Has(key) {
			query.Set(key, "xxxxx")
			redacted = true
		}
	}
	if redacted {
		u.RawQuery = query.Encode()
	}
	return u.Redacted()
}

// isTerminal reports whether w is a character device. Files and pipes get
// uncoloured tint output.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func openWriter(serviceName string, cfg config.LogConfig) (io.Writer, func() error, error) {
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	if output == "" {
		output = "console"
	}

	switch output {
	case "console":
		return os.Stdout, func() error { return nil }, nil
	case "file":
		file, err := openLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return file, file.Close, nil
	case "both":
		file, err := openLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		multi := io.MultiWriter(os.Stdout, file)
		return multi, file.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}
}

func openLogFile(serviceName string, configuredPath string) (*os.File, error) {
	logPath := strings.TrimSpace(configuredPath)
	if logPath == "" {
		logPath = filepath.Join(".docker", serviceName, serviceName+".log")
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", logPath, err)
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", logPath, err)
	}
	return file, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}
