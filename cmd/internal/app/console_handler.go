package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler writes one line per event for local development:
//
//	15:04:05.000 INF ws.session.end         sid=s1 user=u1 reason="peer closed" took=12ms
//
// The event name is tinted by its subsystem prefix. Identity attributes get
// short keys and HTTP request lines drop the fields the status color carries.
type consoleHandler struct {
	w     io.Writer
	level slog.Leveler
	src   bool
	color bool

	// prefix holds attributes bound through WithAttrs, already rendered.
	prefix string
	group  string
	mu     *sync.Mutex
}

const consoleEventWidth = 24

func newConsoleHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &consoleHandler{w: w, level: slog.LevelInfo, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.src = opts.AddSource
	}
	return h
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(h.paint(ts.Format("15:04:05.000"), ansiDim))
	b.WriteByte(' ')
	b.WriteString(h.levelTag(r.Level))
	b.WriteByte(' ')

	event := r.Message
	if pad := consoleEventWidth - len(event); pad > 0 {
		event += strings.Repeat(" ", pad)
	}
	b.WriteString(h.paint(event, subsystemColor(r.Message)))

	b.WriteString(h.prefix)
	var took string
	r.Attrs(func(a slog.Attr) bool {
		if h.group == "" && a.Key == "duration_ms" {
			took = h.duration(a.Value)
			return true
		}
		h.appendAttr(&b, r.Message, h.group, a)
		return true
	})
	if took != "" {
		b.WriteString(" took=")
		b.WriteString(took)
	}

	if h.src && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteByte(' ')
			b.WriteString(h.paint(filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line), ansiDim))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	for _, a := range attrs {
		h.appendAttr(&b, "", h.group, a)
	}
	cp := *h
	cp.prefix = h.prefix + b.String()
	return &cp
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name = strings.TrimSpace(name); name == "" {
		return h
	}
	cp := *h
	cp.group = joinKey(h.group, name)
	return &cp
}

func (h *consoleHandler) appendAttr(b *strings.Builder, event, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) || strings.TrimSpace(a.Key) == "" {
		return
	}
	key := joinKey(group, a.Key)
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, event, key, ga)
		}
		return
	}
	if event == "http.request" && (key == "status_class" || key == "result") {
		return
	}

	b.WriteByte(' ')
	b.WriteString(shortKey(key))
	b.WriteByte('=')
	b.WriteString(h.value(key, a.Value))
}

func (h *consoleHandler) value(key string, v slog.Value) string {
	s := formatValue(v)
	switch key {
	case "status":
		if v.Kind() == slog.KindInt64 {
			return h.paint(s, statusColor(int(v.Int64())))
		}
	case "session_id", "user_id", "room_id", "identity":
		return h.paint(quoteIfNeeded(s), ansiMagenta)
	case "channel", "topic", "destination":
		return h.paint(quoteIfNeeded(s), ansiCyan)
	case "reason":
		return h.paint(quoteIfNeeded(s), reasonColor(s))
	case "err":
		return h.paint(quoteIfNeeded(s), ansiRed)
	}
	return quoteIfNeeded(s)
}

func (h *consoleHandler) duration(v slog.Value) string {
	var ms int64
	switch v.Kind() {
	case slog.KindInt64:
		ms = v.Int64()
	case slog.KindDuration:
		ms = v.Duration().Milliseconds()
	default:
		return quoteIfNeeded(formatValue(v))
	}
	code := ansiDim
	switch {
	case ms >= 1000:
		code = ansiRed
	case ms >= 250:
		code = ansiYellow
	}
	return h.paint(strconv.FormatInt(ms, 10)+"ms", code)
}

func (h *consoleHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.paint("ERR", ansiRed)
	case level >= slog.LevelWarn:
		return h.paint("WRN", ansiYellow)
	case level < slog.LevelInfo:
		return h.paint("DBG", ansiDim)
	default:
		return h.paint("INF", ansiBlue)
	}
}

func (h *consoleHandler) paint(s, code string) string {
	if !h.color || code == "" {
		return s
	}
	return code + s + ansiReset
}

// subsystemColor tints an event by the part of the service that logged it.
func subsystemColor(event string) string {
	sub, _, _ := strings.Cut(event, ".")
	switch sub {
	case "ws", "hub":
		return ansiCyan
	case "room", "message", "roomapi":
		return ansiGreen
	case "presence":
		return ansiMagenta
	case "notify":
		return ansiYellow
	case "http":
		return ansiBlue
	default:
		return ansiBright
	}
}

// reasonColor marks session ends the server forced.
func reasonColor(reason string) string {
	switch reason {
	case "slow consumer", "idle timeout", "read failed":
		return ansiYellow
	case "shutdown":
		return ansiBlue
	default:
		return ""
	}
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	case code >= 200:
		return ansiGreen
	default:
		return ""
	}
}

func shortKey(k string) string {
	switch k {
	case "session_id":
		return "sid"
	case "user_id":
		return "user"
	case "room_id":
		return "room"
	default:
		return k
	}
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)
