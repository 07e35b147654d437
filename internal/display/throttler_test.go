package display

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/thinkfilter"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestThrottler(t *testing.T, filter bool) (*Throttler, *Buffer, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Unix(1700000000, 0)}
	buf := &Buffer{}
	th := NewThrottler(buf, Options{Filter: thinkfilter.New(filter), Now: clock.Now})
	require.NoError(t, th.Start(context.Background()))
	return th, buf, clock
}

func TestPush_RespectsMinInterval(t *testing.T) {
	th, buf, clock := newTestThrottler(t, true)
	ctx := context.Background()

	require.NoError(t, th.Push(ctx, "Hel"))
	require.Equal(t, []string{DefaultPlaceholder}, buf.Messages())

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, th.Push(ctx, "lo"))
	require.Zero(t, buf.Edits())

	clock.Advance(600 * time.Millisecond)
	require.NoError(t, th.Push(ctx, "!"))
	require.Equal(t, []string{"Hello!"}, buf.Messages())
	require.Equal(t, 1, buf.Edits())

	clock.Advance(200 * time.Millisecond)
	require.NoError(t, th.Push(ctx, " more"))
	require.Equal(t, 1, buf.Edits())
}

func TestPush_ShowsPlaceholderWhileThinking(t *testing.T) {
	th, buf, clock := newTestThrottler(t, true)
	ctx := context.Background()

	clock.Advance(2 * time.Second)
	require.NoError(t, th.Push(ctx, "Intro <think>secret plan"))
	require.Equal(t, []string{DefaultPlaceholder}, buf.Messages())
	require.Zero(t, buf.Edits(), "placeholder is already shown")

	clock.Advance(2 * time.Second)
	require.NoError(t, th.Push(ctx, "</think> done"))
	require.Equal(t, []string{"Intro  done"}, buf.Messages())
}

func TestPush_TruncatesPreview(t *testing.T) {
	th, buf, clock := newTestThrottler(t, true)
	clock.Advance(2 * time.Second)
	require.NoError(t, th.Push(context.Background(), strings.Repeat("a", 2500)))

	msg := buf.Messages()[0]
	require.Len(t, []rune(msg), DefaultPreviewLimit)
	require.True(t, strings.HasSuffix(msg, truncationMarker))
}

func TestFinish_ReasoningOnly(t *testing.T) {
	th, buf, _ := newTestThrottler(t, true)
	require.NoError(t, th.Push(context.Background(), "<think>only this</think>"))
	require.NoError(t, th.Finish(context.Background()))
	require.Equal(t, []string{DefaultEmptyText}, buf.Messages())
}

func TestFinish_SplitsLongAnswer(t *testing.T) {
	th, buf, _ := newTestThrottler(t, true)
	answer := strings.Repeat("x", 1000) + strings.Repeat("y", 1000) + strings.Repeat("z", 50)
	require.NoError(t, th.Push(context.Background(), answer))
	require.NoError(t, th.Finish(context.Background()))

	msgs := buf.Messages()
	require.Len(t, msgs, 2)
	require.Len(t, msgs[0], 2000)
	require.Len(t, msgs[1], 50)
	require.Equal(t, answer, msgs[0]+msgs[1])
}

func TestFinish_EditsInPlace(t *testing.T) {
	th, buf, _ := newTestThrottler(t, true)
	require.NoError(t, th.Push(context.Background(), "<think>x</think>Hello!"))
	require.NoError(t, th.Finish(context.Background()))
	require.Equal(t, []string{"Hello!"}, buf.Answer())
	require.Equal(t, "<think>x</think>Hello!", th.Raw())
}

func TestFinish_FilterDisabledKeepsMarkup(t *testing.T) {
	th, buf, _ := newTestThrottler(t, false)
	require.NoError(t, th.Push(context.Background(), "<think>x</think>Hi"))
	require.NoError(t, th.Finish(context.Background()))
	require.Equal(t, []string{"<think>x</think>Hi"}, buf.Messages())
}

type failingSurface struct{ Buffer }

func (f *failingSurface) Edit(context.Context, string) error { return errors.New("rate limited") }

func TestFinish_PropagatesSurfaceError(t *testing.T) {
	s := &failingSurface{}
	th := NewThrottler(s, Options{})
	require.NoError(t, th.Start(context.Background()))
	require.NoError(t, th.Push(context.Background(), "x"))
	err := th.Finish(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "display: finish")
}

func TestSplitMessage(t *testing.T) {
	require.Equal(t, []string{"abc"}, SplitMessage("abc", 5))
	require.Equal(t, []string{"ab", "cd", "e"}, SplitMessage("abcde", 2))
	require.Equal(t, []string{""}, SplitMessage("", 2))
	require.Equal(t, []string{"éé", "é"}, SplitMessage("ééé", 2))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", Truncate("short", 10))
	require.Equal(t, "abcd…", Truncate("abcdefgh", 5))
}

func TestBuffer_NoticesBeforeStart(t *testing.T) {
	b := &Buffer{}
	ctx := context.Background()
	require.Error(t, b.Edit(ctx, "x"))
	require.NoError(t, b.Send(ctx, "notice"))
	require.NoError(t, b.Start(ctx, DefaultPlaceholder))
	require.NoError(t, b.Edit(ctx, "answer"))
	require.Equal(t, []string{"notice"}, b.Notices())
	require.Equal(t, []string{"answer"}, b.Answer())
}
