package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/colorfulnotion/jitlink/common"
)

const timeFormat = "01-02|15:04:05.000"

// TerminalHandler renders records as single human readable lines:
//
//	INFO [10-19|14:03:01.101] jit_link   unit linked   exits=3 size=1.2kB
type TerminalHandler struct {
	mu       *sync.Mutex
	wr       io.Writer
	lvl      slog.Level
	useColor bool
	attrs    []slog.Attr
}

// NewTerminalHandler returns a handler that emits records at debug and above.
func NewTerminalHandler(wr io.Writer, useColor bool) *TerminalHandler {
	return NewTerminalHandlerWithLevel(wr, LevelDebug, useColor)
}

func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level, useColor bool) *TerminalHandler {
	return &TerminalHandler{
		mu:       new(sync.Mutex),
		wr:       wr,
		lvl:      lvl,
		useColor: useColor,
	}
}

func (h *TerminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl
}

func (h *TerminalHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	lvl := LevelAlignedString(r.Level)
	if h.useColor {
		b.WriteString(levelColor(r.Level))
		b.WriteString(lvl)
		b.WriteString(common.ColorReset)
	} else {
		b.WriteString(lvl)
	}
	b.WriteString(" [")
	b.WriteString(r.Time.Format(timeFormat))
	b.WriteString("] ")

	module := ""
	var kv []slog.Attr
	kv = append(kv, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "module" && module == "" {
			module = a.Value.String()
			return true
		}
		kv = append(kv, a)
		return true
	})
	if module != "" {
		fmt.Fprintf(&b, "%-11s ", module)
	}
	fmt.Fprintf(&b, "%-32s", r.Message)
	for _, a := range kv {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(formatValue(a.Value))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.wr, b.String())
	return err
}

func (h *TerminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *TerminalHandler) WithGroup(name string) slog.Handler {
	return h
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if s == "" || strings.ContainsAny(s, " =\"") {
			return fmt.Sprintf("%q", s)
		}
		return s
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return fmt.Sprintf("%q", x.Error())
		case fmt.Stringer:
			return x.String()
		case nil:
			return "<nil>"
		}
		return fmt.Sprintf("%v", v.Any())
	default:
		return v.String()
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= LevelCrit:
		return common.ColorMagenta
	case l >= LevelError:
		return common.ColorRed
	case l >= LevelWarn:
		return common.ColorYellow
	case l >= LevelInfo:
		return common.ColorGreen
	case l >= LevelDebug:
		return common.ColorCyan
	default:
		return common.ColorGray
	}
}

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	panic("not implemented")
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &discardHandler{}
}
