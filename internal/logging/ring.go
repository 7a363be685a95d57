package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Line is one rendered log record kept for display.
type Line struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   string
}

func (l Line) String() string {
	if l.Attrs == "" {
		return fmt.Sprintf("%s %s %s", l.Time.Format(time.TimeOnly), l.Level, l.Message)
	}
	return fmt.Sprintf("%s %s %s %s", l.Time.Format(time.TimeOnly), l.Level, l.Message, l.Attrs)
}

type ringBuf struct {
	mu    sync.Mutex
	lines []Line
	next  int
	full  bool
}

// Ring is a slog handler that keeps the most recent records in memory so
// the dashboard can show them.
type Ring struct {
	buf    *ringBuf
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

// NewRing keeps up to size lines at or above level.
func NewRing(size int, level slog.Leveler) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{
		buf:   &ringBuf{lines: make([]Line, size)},
		level: level,
	}
}

func (r *Ring) Enabled(_ context.Context, level slog.Level) bool {
	return level >= r.level.Level()
}

func (r *Ring) Handle(_ context.Context, rec slog.Record) error {
	var b strings.Builder
	write := func(a slog.Attr, prefix string) {
		if a.Equal(slog.Attr{}) {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(prefix)
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.Resolve().String())
	}
	for _, a := range r.attrs {
		write(a, "")
	}
	rec.Attrs(func(a slog.Attr) bool {
		write(a, r.prefix)
		return true
	})

	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	r.buf.lines[r.buf.next] = Line{Time: rec.Time, Level: rec.Level, Message: rec.Message, Attrs: b.String()}
	r.buf.next = (r.buf.next + 1) % len(r.buf.lines)
	if r.buf.next == 0 {
		r.buf.full = true
	}
	return nil
}

func (r *Ring) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *r
	c.attrs = append([]slog.Attr{}, r.attrs...)
	for _, a := range attrs {
		a.Key = r.prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (r *Ring) WithGroup(name string) slog.Handler {
	if name == "" {
		return r
	}
	c := *r
	c.prefix = r.prefix + name + "."
	return &c
}

// Lines returns the kept records, oldest first.
func (r *Ring) Lines() []Line {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	if !r.buf.full {
		return append([]Line(nil), r.buf.lines[:r.buf.next]...)
	}
	out := make([]Line, 0, len(r.buf.lines))
	out = append(out, r.buf.lines[r.buf.next:]...)
	return append(out, r.buf.lines[:r.buf.next]...)
}
