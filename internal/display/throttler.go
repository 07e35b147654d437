// Package display turns a growing answer buffer into rate-limited updates
// on a chat surface.
package display

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chat-relay/internal/thinkfilter"
)

const (
	DefaultMinInterval  = time.Second
	DefaultPreviewLimit = 1900
	DefaultMessageLimit = 2000
	DefaultPlaceholder  = "working…"
	DefaultEmptyText    = "[response contained only reasoning]"
	truncationMarker    = "…"
)

// Surface is a single placeholder message that can be edited, plus the
// ability to post follow-up messages.
type Surface interface {
	Start(ctx context.Context, text string) error
	Edit(ctx context.Context, text string) error
	Send(ctx context.Context, text string) error
}

// Options configures a Throttler. Zero fields take the defaults above.
type Options struct {
	MinInterval  time.Duration
	PreviewLimit int
	MessageLimit int
	Placeholder  string
	EmptyText    string
	Filter       thinkfilter.Filter
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.PreviewLimit <= 0 {
		o.PreviewLimit = DefaultPreviewLimit
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = DefaultMessageLimit
	}
	if o.Placeholder == "" {
		o.Placeholder = DefaultPlaceholder
	}
	if o.EmptyText == "" {
		o.EmptyText = DefaultEmptyText
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Throttler drives one in-flight answer. It is not safe for concurrent use.
type Throttler struct {
	surface Surface
	opts    Options

	raw      strings.Builder
	lastPush time.Time
	shown    string
}

func NewThrottler(surface Surface, opts Options) *Throttler {
	return &Throttler{surface: surface, opts: opts.withDefaults()}
}

// Start posts the placeholder message.
func (t *Throttler) Start(ctx context.Context) error {
	if err := t.surface.Start(ctx, t.opts.Placeholder); err != nil {
		return fmt.Errorf("display: start: %w", err)
	}
	t.lastPush = t.opts.Now()
	t.shown = t.opts.Placeholder
	return nil
}

// Raw returns everything pushed so far, markup included.
func (t *Throttler) Raw() string {
	return t.raw.String()
}

// Push appends delta and refreshes the surface if the minimum interval has
// elapsed. While a reasoning segment is open only the placeholder is shown.
func (t *Throttler) Push(ctx context.Context, delta string) error {
	t.raw.WriteString(delta)
	now := t.opts.Now()
	if now.Sub(t.lastPush) < t.opts.MinInterval {
		return nil
	}

	raw := t.raw.String()
	var next string
	if t.opts.Filter.IsOpen(raw) {
		next = t.opts.Placeholder
	} else {
		visible := t.opts.Filter.Filter(raw)
		if visible == "" {
			return nil
		}
		next = Truncate(visible, t.opts.PreviewLimit)
	}
	if next == t.shown {
		return nil
	}
	if err := t.surface.Edit(ctx, next); err != nil {
		return fmt.Errorf("display: edit: %w", err)
	}
	t.lastPush = now
	t.shown = next
	return nil
}

// Finish renders the final text, ignoring the interval. Text over the
// message limit is split: the first chunk replaces the placeholder and the
// rest are sent as new messages in order.
func (t *Throttler) Finish(ctx context.Context) error {
	visible := t.opts.Filter.Filter(t.raw.String())
	if strings.TrimSpace(visible) == "" {
		visible = t.opts.EmptyText
	}
	chunks := SplitMessage(visible, t.opts.MessageLimit)
	if err := t.surface.Edit(ctx, chunks[0]); err != nil {
		return fmt.Errorf("display: finish: %w", err)
	}
	t.shown = chunks[0]
	for _, c := range chunks[1:] {
		if err := t.surface.Send(ctx, c); err != nil {
			return fmt.Errorf("display: send overflow: %w", err)
		}
	}
	return nil
}

// Truncate limits s to limit runes, replacing the tail with a marker.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	keep := limit - len([]rune(truncationMarker))
	if keep < 0 {
		keep = 0
	}
	return string(r[:keep]) + truncationMarker
}

// SplitMessage cuts s into consecutive chunks of at most limit runes. It
// always returns at least one chunk.
func SplitMessage(s string, limit int) []string {
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return []string{s}
	}
	chunks := make([]string, 0, (len(r)+limit-1)/limit)
	for len(r) > 0 {
		n := limit
		if len(r) < n {
			n = len(r)
		}
		chunks = append(chunks, string(r[:n]))
		r = r[n:]
	}
	return chunks
}
