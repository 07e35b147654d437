package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func src(name, contentType string, data []byte) Source {
	return Source{
		Filename:    name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Fetch: func(context.Context, int64) ([]byte, error) {
			return data, nil
		},
	}
}

func TestProcess_Image(t *testing.T) {
	p := NewProcessor(DefaultLimits(), nil)
	res, err := p.Process(context.Background(), src("cat.png", "image/png", pngHeader))
	require.NoError(t, err)
	require.NotNil(t, res.Image)
	require.Equal(t, domain.PartImageURL, res.Image.Type)
	require.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(pngHeader), res.Image.ImageURL.URL)
}

func TestProcess_ImageUsesDetectedType(t *testing.T) {
	gif := []byte("GIF89a\x01\x00\x01\x00")
	p := NewProcessor(DefaultLimits(), nil)
	res, err := p.Process(context.Background(), src("photo.jpg", "image/jpeg", gif))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.Image.ImageURL.URL, "data:image/gif;base64,"))
}

func TestProcess_ImageMagicMismatch(t *testing.T) {
	p := NewProcessor(DefaultLimits(), nil)
	_, err := p.Process(context.Background(), src("evil.png", "image/png", []byte("#!/bin/sh\nrm -rf /")))
	var rej *Rejected
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "invalid_image", rej.Reason)
	require.Contains(t, rej.Message, "evil.png")
}

func TestProcess_TooLargeSkipsDownload(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxImageBytes = bytesPerMB
	p := NewProcessor(limits, nil)
	s := Source{
		Filename: "big.png",
		Size:     3 * bytesPerMB,
		Fetch: func(context.Context, int64) ([]byte, error) {
			t.Fatal("must not download oversized attachments")
			return nil, nil
		},
	}
	_, err := p.Process(context.Background(), s)
	var rej *Rejected
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "too_large", rej.Reason)
	require.Equal(t, "⚠️ Image **big.png** is too large (3.00MB). Maximum size is 1MB.", rej.Message)
}

func TestProcess_UnderstatedSizeIsBounded(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxTextBytes = 16
	p := NewProcessor(limits, nil)
	var gotMax int64
	s := Source{
		Filename: "notes.txt",
		Size:     4,
		Fetch: func(_ context.Context, maxBytes int64) ([]byte, error) {
			gotMax = maxBytes
			return []byte(strings.Repeat("x", int(maxBytes)+1)), nil
		},
	}
	_, err := p.Process(context.Background(), s)
	require.Equal(t, int64(16), gotMax)
	var rej *Rejected
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "too_large", rej.Reason)
}

func TestProcess_TextFile(t *testing.T) {
	p := NewProcessor(DefaultLimits(), nil)
	res, err := p.Process(context.Background(), src("notes.md", "", []byte("# Title\nbody")))
	require.NoError(t, err)
	require.Equal(t, "\n\n--- Content of notes.md ---\n# Title\nbody\n--- End of notes.md ---\n", res.Text)
}

func TestProcess_TextByContentType(t *testing.T) {
	p := NewProcessor(DefaultLimits(), nil)
	res, err := p.Process(context.Background(), src("data", "application/json; charset=utf-8", []byte(`{"a":1}`)))
	require.NoError(t, err)
	require.Contains(t, res.Text, `{"a":1}`)
}

func TestProcess_Unsupported(t *testing.T) {
	p := NewProcessor(DefaultLimits(), nil)
	res, err := p.Process(context.Background(), src("archive.zip", "application/zip", []byte("PK")))
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestProcess_DisabledKinds(t *testing.T) {
	p := NewProcessor(Limits{}, nil)
	res, err := p.Process(context.Background(), src("cat.png", "image/png", pngHeader))
	require.NoError(t, err)
	require.Nil(t, res.Image)
}

func TestProcess_DownloadFailure(t *testing.T) {
	p := NewProcessor(DefaultLimits(), nil)
	s := Source{Filename: "a.txt", Fetch: func(context.Context, int64) ([]byte, error) { return nil, errors.New("404") }}
	_, err := p.Process(context.Background(), s)
	var rej *Rejected
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "download_failed", rej.Reason)
	require.ErrorContains(t, err, "404")
}

func TestProcess_InvalidPDF(t *testing.T) {
	p := NewProcessor(DefaultLimits(), nil)
	_, err := p.Process(context.Background(), src("doc.pdf", "application/pdf", []byte("not a pdf")))
	var rej *Rejected
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "invalid_pdf", rej.Reason)

	_, err = p.Process(context.Background(), src("doc.pdf", "", []byte("%PDF-1.4\ngarbage")))
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "pdf_unreadable", rej.Reason)
}

func TestProcessAll_ContinuesPastFailures(t *testing.T) {
	p := NewProcessor(DefaultLimits(), nil)
	b := p.ProcessAll(context.Background(), []Source{
		src("bad.png", "image/png", []byte("nope")),
		src("a.txt", "text/plain", []byte("alpha")),
		src("cat.png", "image/png", pngHeader),
		src("b.txt", "text/plain", []byte("beta")),
	})
	require.Len(t, b.Images, 1)
	require.Len(t, b.Rejected, 1)
	require.Equal(t, "bad.png", b.Rejected[0].Filename)
	require.Less(t, strings.Index(b.Text, "alpha"), strings.Index(b.Text, "beta"))
}

func TestJoinPages(t *testing.T) {
	body, truncated := JoinPages([]string{"abc", "", "defgh"}, 100)
	require.False(t, truncated)
	require.Equal(t, "--- Page 1 ---\nabc\n--- Page 3 ---\ndefgh", body)

	body, truncated = JoinPages([]string{"abc", "defgh", "ijk"}, 5)
	require.True(t, truncated)
	require.Equal(t, "--- Page 1 ---\nabc\n--- Page 2 (TRUNCATED) ---\nde", body)

	body, _ = JoinPages([]string{"", ""}, 10)
	require.Empty(t, body)
}

func TestDecodeText(t *testing.T) {
	s, ok := DecodeText([]byte("héllo"))
	require.True(t, ok)
	require.Equal(t, "héllo", s)

	s, ok = DecodeText([]byte{'c', 'a', 'f', 0xe9})
	require.True(t, ok)
	require.Equal(t, "café", s)

	// 0x93/0x94 are curly quotes in Windows-1252 and C1 controls in Latin-1.
	s, ok = DecodeText([]byte{0x93, 'h', 'i', 0x94, 0xe9})
	require.True(t, ok)
	require.Equal(t, "“hi”é", s)
}

func TestFormatSize(t *testing.T) {
	require.Equal(t, "2.50MB", FormatSize(int64(2.5*bytesPerMB)))
	require.Equal(t, "0.00MB", FormatSize(0))
}
