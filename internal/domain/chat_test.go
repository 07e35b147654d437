package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContent_MarshalPlainTextAsString(t *testing.T) {
	raw, err := json.Marshal(ChatMessage{Role: "user", Content: PlainText("hi")})
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"user","content":"hi"}`, string(raw))
}

func TestContent_MarshalBlocksAsArray(t *testing.T) {
	msg := ChatMessage{Role: "user", Content: Blocks(TextPart("look"), ImagePart("data:image/png;base64,AAA"))}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"user","content":[
		{"type":"text","text":"look"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,AAA"}}
	]}`, string(raw))
}

func TestContent_UnmarshalBothShapes(t *testing.T) {
	var c Content
	require.NoError(t, json.Unmarshal([]byte(`"plain"`), &c))
	require.False(t, c.IsBlocks())
	require.Equal(t, "plain", c.String())

	require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`), &c))
	require.True(t, c.IsBlocks())
	require.Equal(t, "a\nb", c.String())
}

func TestSessionStats_CloneIsDeep(t *testing.T) {
	s := SessionStats{ResponseTimes: []float64{1, 2}}
	c := s.Clone()
	c.ResponseTimes[0] = 9
	require.Equal(t, 1.0, s.ResponseTimes[0])
	require.InDelta(t, 1.5, s.AverageResponseTime(), 1e-9)
}
