package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// PrettyHandler is a slog.Handler for terminals. A line is a millisecond
// clock, a level badge, the message and key=value attributes:
//
//	12:04:05.318 INFO  profiled family=gemm instances=24 best=gemm_f16_rr_256x128x128x32 ms=0.41243
//
// Colors come from a lipgloss renderer bound to the writer, so files and
// pipes get plain text. Keys ending in "bytes" print as IEC sizes and int
// slices print as shapes (8x64).
type PrettyHandler struct {
	opts   slog.HandlerOptions
	w      io.Writer
	mu     *sync.Mutex
	styles *prettyStyles
	// group prefixes the keys of record attrs, "a.b." style.
	group string
	// attrs are the handler attributes, already rendered with the group
	// they were added under.
	attrs []byte
}

type prettyStyles struct {
	clock lipgloss.Style
	attrs lipgloss.Style
	debug lipgloss.Style
	info  lipgloss.Style
	warn  lipgloss.Style
	err   lipgloss.Style
}

func newPrettyStyles(w io.Writer) *prettyStyles {
	r := lipgloss.NewRenderer(w)
	badge := r.NewStyle().Bold(true)
	return &prettyStyles{
		clock: r.NewStyle().Foreground(lipgloss.Color("8")),
		attrs: r.NewStyle().Foreground(lipgloss.Color("6")),
		debug: badge.Foreground(lipgloss.Color("8")),
		info:  badge.Foreground(lipgloss.Color("4")),
		warn:  badge.Foreground(lipgloss.Color("3")),
		err:   badge.Foreground(lipgloss.Color("1")),
	}
}

func (s *prettyStyles) level(l slog.Level) lipgloss.Style {
	switch {
	case l >= slog.LevelError:
		return s.err
	case l >= slog.LevelWarn:
		return s.warn
	case l >= slog.LevelInfo:
		return s.info
	}
	return s.debug
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{
		opts:   *opts,
		w:      w,
		mu:     new(sync.Mutex),
		styles: newPrettyStyles(w),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(h.styles.clock.Render(r.Time.Format("15:04:05.000")))
	sb.WriteByte(' ')
	sb.WriteString(h.styles.level(r.Level).Render(fmt.Sprintf("%-5s", r.Level.String())))
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	attrs := append([]byte(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, a, h.group)
		return true
	})
	if len(attrs) > 0 {
		sb.WriteString(h.styles.attrs.Render(string(attrs)))
	}
	sb.WriteByte('\n')

	// Clones share mu, so lines from With loggers never interleave.
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		c.attrs = appendAttr(c.attrs, a, h.group)
	}
	return &c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.group = h.group + name + "."
	return &c
}

// appendAttr renders a as " prefix+key=value". Empty attrs are dropped and
// groups are flattened into dotted keys.
func appendAttr(buf []byte, a slog.Attr, prefix string) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := prefix
		if a.Key != "" {
			sub = prefix + a.Key + "."
		}
		for _, g := range a.Value.Group() {
			buf = appendAttr(buf, g, sub)
		}
		return buf
	}

	key := prefix + a.Key
	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')

	v := a.Value
	switch v.Kind() {
	case slog.KindString:
		if s := v.String(); needsQuoting(s) {
			buf = strconv.AppendQuote(buf, s)
		} else {
			buf = append(buf, s...)
		}
	case slog.KindInt64:
		if isBytesKey(key) && v.Int64() >= 0 {
			buf = append(buf, humanize.IBytes(uint64(v.Int64()))...)
		} else {
			buf = strconv.AppendInt(buf, v.Int64(), 10)
		}
	case slog.KindUint64:
		if isBytesKey(key) {
			buf = append(buf, humanize.IBytes(v.Uint64())...)
		} else {
			buf = strconv.AppendUint(buf, v.Uint64(), 10)
		}
	case slog.KindFloat64:
		// kernel timings and throughputs; full precision is noise on a terminal
		buf = strconv.AppendFloat(buf, v.Float64(), 'g', 5, 64)
	case slog.KindDuration:
		buf = append(buf, v.Duration().Round(time.Microsecond).String()...)
	case slog.KindTime:
		buf = v.Time().AppendFormat(buf, time.RFC3339)
	default:
		switch x := v.Any().(type) {
		case []int:
			buf = appendShape(buf, x)
		case error:
			buf = strconv.AppendQuote(buf, x.Error())
		default:
			s := fmt.Sprint(x)
			if needsQuoting(s) {
				buf = strconv.AppendQuote(buf, s)
			} else {
				buf = append(buf, s...)
			}
		}
	}
	return buf
}

func isBytesKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), "bytes")
}

func appendShape(buf []byte, dims []int) []byte {
	if len(dims) == 0 {
		return append(buf, "[]"...)
	}
	for i, d := range dims {
		if i > 0 {
			buf = append(buf, 'x')
		}
		buf = strconv.AppendInt(buf, int64(d), 10)
	}
	return buf
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' {
			return true
		}
	}
	return false
}
