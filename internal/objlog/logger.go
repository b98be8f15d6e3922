// Package objlog implements the daemon's structured logger: a log/slog
// handler emitting either `time="..." severity=LEVEL message="..."` text
// lines or single-line JSON envelopes, fed by a rotating file (lumberjack)
// drained asynchronously so a stalled disk never blocks a connection
// worker.
package objlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/objmapper/objmapperd/internal/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace is one notch below slog.LevelDebug, completing the
// five-level TRACE/DEBUG/INFO/WARNING/ERROR severity scale.
const LevelTrace = slog.Level(-8)

const timeFormat = "2006/01/02 15:04:05.000000"

func severityOf(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= slog.LevelDebug:
		return "DEBUG"
	case l <= slog.LevelInfo:
		return "INFO"
	case l <= slog.LevelWarn:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func levelFor(l cfg.LogLevel) slog.Level {
	switch l {
	case cfg.LogDebug:
		return slog.LevelDebug
	case cfg.LogInfo:
		return slog.LevelInfo
	case cfg.LogWarn:
		return slog.LevelWarn
	case cfg.LogError:
		return slog.LevelError
	case cfg.LogOff:
		return slog.LevelError + 100 // above every real level: Enabled() is always false
	default:
		return slog.LevelInfo
	}
}

// textHandler emits one key=value line per record.
type textHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
	attrs  []slog.Attr
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	line := fmt.Sprintf("time=%q severity=%s message=%q",
		r.Time.Format(timeFormat), severityOf(r.Level), h.prefix+r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	_, err := h.w.Write([]byte(line + "\n"))
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &textHandler{w: h.w, level: h.level, prefix: h.prefix, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}
func (h *textHandler) WithGroup(_ string) slog.Handler { return h }

// jsonHandler emits one JSON object per record, in a
// `{"timestamp":{"seconds":...,"nanos":...},"severity":"...","message":"..."}`
// envelope.
type jsonHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
	attrs  []slog.Attr
}

type jsonTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int64 `json:"nanos"`
}

type jsonEnvelope struct {
	Timestamp jsonTimestamp  `json:"timestamp"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	env := jsonEnvelope{
		Timestamp: jsonTimestamp{Seconds: r.Time.Unix(), Nanos: int64(r.Time.Nanosecond())},
		Severity:  severityOf(r.Level),
		Message:   h.prefix + r.Message,
	}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		env.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			env.Attrs[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			env.Attrs[a.Key] = a.Value.Any()
			return true
		})
	}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = h.w.Write(b)
	return err
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &jsonHandler{w: h.w, level: h.level, prefix: h.prefix, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}
func (h *jsonHandler) WithGroup(_ string) slog.Handler { return h }

type loggerFactory struct{}

func (loggerFactory) createJSONOrTextHandler(w io.Writer, level *slog.LevelVar, format, prefix string) slog.Handler {
	if format == "text" {
		return &textHandler{w: w, level: level, prefix: prefix}
	}
	return &jsonHandler{w: w, level: level, prefix: prefix}
}

var defaultLoggerFactory = loggerFactory{}

// NewHandlerForTest exposes the handler construction New uses internally,
// pointed at an arbitrary writer. Exported solely so tests can assert on
// exact output without redirecting os.Stderr.
func NewHandlerForTest(w io.Writer, level *slog.LevelVar, format string) slog.Handler {
	return defaultLoggerFactory.createJSONOrTextHandler(w, level, format, "")
}

// New builds the daemon's root logger per cfg.LogConfig. The returned
// io.Closer flushes and closes the underlying rotating file (a no-op if
// logging to stderr); callers should defer it from main.
func New(c cfg.LogConfig) (*slog.Logger, io.Closer, error) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(levelFor(c.Level))

	var w io.Writer
	var closer io.Closer = nopCloser{}

	if c.Path == "" {
		w = os.Stderr
	} else {
		lj := &lumberjack.Logger{
			Filename:   c.Path,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
		}
		async := NewAsyncLogger(lj, 4096)
		w = async
		closer = async
	}

	handler := defaultLoggerFactory.createJSONOrTextHandler(w, levelVar, c.Format, "")
	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ForComponent returns a child logger that stamps every record with a
// "component" attribute identifying the emitting subsystem.
func ForComponent(base *slog.Logger, name string) *slog.Logger {
	return base.With(slog.String("component", name))
}
