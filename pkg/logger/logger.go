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

	"wechatbot/pkg/config"
)

// Environment variables that take precedence over the logging section of config.yml.
const (
	EnvFormat    = "WECHATBOT_LOG_FORMAT"
	EnvLevel     = "WECHATBOT_LOG_LEVEL"
	EnvAddSource = "WECHATBOT_LOG_ADD_SOURCE"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// LogEntry is one JSON log line. The event id and handler kind are lifted
// out of the fields so one message can be followed through the tree.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// New builds the process logger. When cfg.Dir is set, entries are also
// appended to a bot_YYYY-MM-DD.log file that rolls over at midnight; the
// returned closer releases it.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var writer io.Writer = os.Stderr
	closer := io.Closer(nopCloser{})

	if dir := strings.TrimSpace(cfg.Dir); dir != "" {
		daily, err := newDailyWriter(dir, time.Now)
		if err != nil {
			return nil, nil, err
		}
		writer = io.MultiWriter(os.Stderr, daily)
		closer = daily
	}

	log, err := newWithWriter(cfg, writer)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}

	return log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type settings struct {
	json      bool
	level     slog.Level
	addSource bool
}

// resolveSettings merges cfg with the environment overrides.
func resolveSettings(cfg config.LoggingConfig) (settings, error) {
	var s settings

	format := firstNonEmpty(os.Getenv(EnvFormat), cfg.Format, "text")
	switch format {
	case "json":
		s.json = true
	case "text":
	default:
		return s, fmt.Errorf("unsupported log format %q", format)
	}

	levelName := firstNonEmpty(os.Getenv(EnvLevel), cfg.Level, "info")
	level, ok := levels[levelName]
	if !ok {
		return s, fmt.Errorf("unsupported log level %q", levelName)
	}
	s.level = level

	s.addSource = cfg.AddSource
	if env := strings.TrimSpace(os.Getenv(EnvAddSource)); env != "" {
		s.addSource = parseBool(env)
	}

	return s, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.ToLower(strings.TrimSpace(value)); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolveSettings(cfg)
	if err != nil {
		return nil, err
	}

	if s.json {
		return slog.New(&entryHandler{
			level:     s.level,
			addSource: s.addSource,
			writer:    writer,
			mu:        &sync.Mutex{},
		}), nil
	}

	return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLevel(s.level),
		ReportTimestamp: true,
		ReportCaller:    s.addSource,
		Formatter:       charmLog.TextFormatter,
	})), nil
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

// boundAttr is an attribute added through WithAttrs, keyed under the groups
// that were open at that point.
type boundAttr struct {
	prefix string
	attr   slog.Attr
}

// entryHandler writes one LogEntry JSON object per record.
type entryHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	bound     []boundAttr
	prefix    string
	mu        *sync.Mutex
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
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

	for _, b := range h.bound {
		entry.apply(b.prefix, b.attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		entry.apply(h.prefix, attr)
		return true
	})
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	if h.addSource {
		entry.Caller = callerFromRecord(record)
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

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.bound = make([]boundAttr, 0, len(h.bound)+len(attrs))
	next.bound = append(next.bound, h.bound...)
	for _, attr := range attrs {
		next.bound = append(next.bound, boundAttr{prefix: h.prefix, attr: attr})
	}
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// apply stores attr in e. Top-level component, event_id and kind strings
// fill their dedicated fields; everything else lands in Fields.
func (e *LogEntry) apply(prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if prefix == "" && attr.Value.Kind() == slog.KindString {
		value := attr.Value.String()
		switch attr.Key {
		case "component":
			e.Component = value
			return
		case "event_id":
			e.EventID = value
			return
		case "kind":
			e.Kind = value
			return
		}
	}

	e.Fields[prefix+attr.Key] = attrValue(attr.Value)
}

func attrValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		result := make(map[string]any, len(group))
		for _, item := range group {
			result[item.Key] = attrValue(item.Value.Resolve())
		}
		return result
	default:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	}
}

func callerFromRecord(record slog.Record) string {
	if record.PC == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
	if frame.File == "" {
		return ""
	}

	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}
