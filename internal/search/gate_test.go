package search

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldAugment(t *testing.T) {
	g := NewGate(DefaultTriggers(), 0)

	require.True(t, g.ShouldAugment("What is the LATEST news about Go?"))
	require.True(t, g.ShouldAugment("what's the weather in Paris"))
	require.False(t, g.ShouldAugment("latest?"), "too short")
	require.False(t, g.ShouldAugment("tell me a story about dragons"), "no trigger")
	require.False(t, g.ShouldAugment("what is the latest change in this file"), "negative trigger")
	require.False(t, g.ShouldAugment("summarize this recent report"), "negative wins")
}

func TestShouldAugment_MinLengthCountsRunes(t *testing.T) {
	g := NewGate(Triggers{Positive: []string{"é"}}, 3)
	require.False(t, g.ShouldAugment("éé"))
	require.True(t, g.ShouldAugment("ééé"))
}

func TestLoadTriggers_OverridesOnlyGivenLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triggers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("positive:\n  - \"Release Notes\"\n"), 0o600))

	tr, err := LoadTriggers(path)
	require.NoError(t, err)
	require.Equal(t, []string{"Release Notes"}, tr.Positive)
	require.Equal(t, DefaultTriggers().Negative, tr.Negative)

	g := NewGate(tr, 0)
	require.True(t, g.ShouldAugment("show me the release notes for 1.22"))
	require.False(t, g.ShouldAugment("what is the latest version of Go"))
}

func TestLoadTriggers_Errors(t *testing.T) {
	_, err := LoadTriggers(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("positive: [unterminated"), 0o600))
	_, err = LoadTriggers(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse triggers")
}
