package thinkfilter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter_StripsAngleDialect(t *testing.T) {
	f := New(true)
	require.Equal(t, "Hello!", f.Filter("<think>reasoning</think>Hello!"))
}

func TestFilter_StripsBracketDialectCaseInsensitive(t *testing.T) {
	f := New(true)
	require.Equal(t, "Answer", f.Filter("[THINK]step one\nstep two[/Think]\nAnswer"))
}

func TestFilter_NonGreedyAcrossSegments(t *testing.T) {
	f := New(true)
	got := f.Filter("<think>a</think>keep<think>b\nc</think> this")
	require.Equal(t, "keep this", got)
}

func TestFilter_RemovesSelfClosingForms(t *testing.T) {
	f := New(true)
	require.Equal(t, "x y", f.Filter("x <think/>y<think />[think/]"))
}

func TestFilter_CollapsesBlankLines(t *testing.T) {
	f := New(true)
	require.Equal(t, "a\n\nb", f.Filter("a\n\n\n\n\nb"))
	require.Equal(t, "a\n\nb", f.Filter("a\n<think>x</think>\n\n\nb"))
}

func TestFilter_Completeness(t *testing.T) {
	f := New(true)
	require.Empty(t, f.Filter("  <think>one</think>\n\n[think]two[/think]  "))
}

func TestFilter_Idempotent(t *testing.T) {
	f := New(true)
	inputs := []string{
		"<think>a</think>Hello\n\n\n\nworld",
		"plain text",
		"[think]x[/think] <think>y</think>z",
		"",
	}
	for _, in := range inputs {
		once := f.Filter(in)
		require.Equal(t, once, f.Filter(once), in)
	}
}

func TestFilter_LeavesUnclosedSegment(t *testing.T) {
	f := New(true)
	require.Equal(t, "<think>partial", f.Filter("<think>partial"))
}

func TestIsOpen(t *testing.T) {
	f := New(true)
	require.True(t, f.IsOpen("<think>partial"))
	require.False(t, f.IsOpen("<think>done</think>"))
	require.True(t, f.IsOpen("[think]still going"))
	require.True(t, f.IsOpen("<THINK>a</think><think>b"))
	require.False(t, f.IsOpen("no markup"))
}

func TestIsOpen_CountsOnly(t *testing.T) {
	f := New(true)
	// A close before its open still balances the counts.
	require.False(t, f.IsOpen("</think>oops<think>"))
}

func TestDisabled_IsIdentity(t *testing.T) {
	var f Filter
	raw := "<think>x</think>  y\n\n\n"
	require.Equal(t, raw, f.Filter(raw))
	require.False(t, f.IsOpen("<think>open"))
}
