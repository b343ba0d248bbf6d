package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"qqbot/pkg/config"
)

// LogEntry is one line of JSON output. Attributes that identify a frame or a
// handler are lifted out of Fields so log pipelines can index them.
type LogEntry struct {
	Level         string         `json:"level"`
	Timestamp     string         `json:"timestamp"`
	Component     string         `json:"component,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Handler       string         `json:"handler,omitempty"`
	Channel       string         `json:"channel,omitempty"`
	Message       string         `json:"message"`
	Fields        map[string]any `json:"fields,omitempty"`
	Caller        string         `json:"caller,omitempty"`
}

// New builds the process logger from the logging section. Environment
// overrides (QQBOT_LOGGING_*) are already applied by config.LoadConfig. When
// cfg.File is set, output is copied to that file and the returned close func
// releases it.
func New(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	var writer io.Writer = os.Stderr
	closeFn := func() error { return nil }

	if path := strings.TrimSpace(cfg.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		writer = io.MultiWriter(os.Stderr, file)
		closeFn = file.Close
	}

	log, err := newWithWriter(cfg, writer)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return log, closeFn, nil
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	switch format := strings.ToLower(strings.TrimSpace(cfg.Format)); format {
	case "", "text":
		return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
			// charm levels share slog's numeric values.
			Level:           charmLog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
			ReportCaller:    cfg.AddSource,
			Formatter:       charmLog.TextFormatter,
		})), nil
	case "json":
		return slog.New(&jsonHandler{
			level:     level,
			addSource: cfg.AddSource,
			writer:    writer,
			mu:        &sync.Mutex{},
		}), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func parseLevel(input string) (slog.Level, error) {
	text := strings.ToLower(strings.TrimSpace(input))
	switch text {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		text = "warn"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil || strings.ContainsAny(text, "+-") {
		return 0, fmt.Errorf("unsupported log level %q", input)
	}
	return level, nil
}

// jsonHandler writes one LogEntry per record.
type jsonHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	attrs     []slog.Attr
	prefix    string
	mu        *sync.Mutex
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry := LogEntry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Message:   record.Message,
		Fields:    make(map[string]any),
	}

	for _, attr := range h.attrs {
		entry.add(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		entry.add(h.qualify(attr))
		return true
	})
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}
	if h.addSource && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		if frame.File != "" {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = cloneAttrs(h.attrs, len(attrs))
	for _, attr := range attrs {
		next.attrs = append(next.attrs, h.qualify(attr))
	}
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// qualify prefixes the key with the open groups.
func (h *jsonHandler) qualify(attr slog.Attr) slog.Attr {
	if h.prefix != "" {
		attr.Key = h.prefix + attr.Key
	}
	return attr
}

func (e *LogEntry) add(attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if attr.Value.Kind() == slog.KindString {
		value := attr.Value.String()
		switch attr.Key {
		case "component":
			e.Component = value
			return
		case "correlation_id":
			e.CorrelationID = value
			return
		case "handler":
			e.Handler = value
			return
		case "channel":
			e.Channel = value
			return
		}
	}

	e.Fields[attr.Key] = jsonValue(attr.Value)
}

func jsonValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := make(map[string]any)
		for _, item := range value.Group() {
			group[item.Key] = jsonValue(item.Value.Resolve())
		}
		return group
	case slog.KindAny:
		switch v := value.Any().(type) {
		case error:
			return v.Error()
		case fmt.Stringer:
			return v.String()
		}
		return value.Any()
	default:
		return value.Any()
	}
}

func cloneAttrs(attrs []slog.Attr, extra int) []slog.Attr {
	return append(make([]slog.Attr, 0, len(attrs)+extra), attrs...)
}
