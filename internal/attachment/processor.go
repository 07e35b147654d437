// Package attachment converts chat attachments into prompt content: images
// become data-URL parts, PDFs and text files become inline text.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"chat-relay/internal/domain"
)

const (
	bytesPerMB = 1 << 20

	DefaultMaxImageBytes = 10 * bytesPerMB
	DefaultMaxPDFBytes   = 10 * bytesPerMB
	DefaultMaxTextBytes  = 2 * bytesPerMB
	DefaultMaxPDFChars   = 40000
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".js": true, ".java": true, ".c": true,
	".cpp": true, ".h": true, ".html": true, ".css": true, ".json": true, ".xml": true,
	".yaml": true, ".yml": true, ".csv": true, ".log": true, ".sh": true, ".bat": true,
	".ps1": true, ".sql": true, ".r": true, ".php": true, ".go": true, ".rs": true,
	".swift": true, ".kt": true,
}

// Source describes one platform attachment. Fetch downloads its bytes and
// should stop reading once more than maxBytes have arrived; maxBytes <= 0
// means no ceiling.
type Source struct {
	Filename    string
	ContentType string
	Size        int64
	Fetch       func(ctx context.Context, maxBytes int64) ([]byte, error)
}

// Rejected is returned for an attachment that was recognized but could not
// be used. Message is shown to the user.
type Rejected struct {
	Filename string
	Reason   string
	Message  string
	Err      error
}

func (e *Rejected) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attachment: %s rejected (%s): %v", e.Filename, e.Reason, e.Err)
	}
	return fmt.Sprintf("attachment: %s rejected (%s)", e.Filename, e.Reason)
}

func (e *Rejected) Unwrap() error {
	return e.Err
}

// Limits toggles each attachment kind and bounds its size.
type Limits struct {
	AllowImages   bool
	AllowPDF      bool
	AllowText     bool
	MaxImageBytes int64
	MaxPDFBytes   int64
	MaxTextBytes  int64
	MaxPDFChars   int
}

func DefaultLimits() Limits {
	return Limits{
		AllowImages:   true,
		AllowPDF:      true,
		AllowText:     true,
		MaxImageBytes: DefaultMaxImageBytes,
		MaxPDFBytes:   DefaultMaxPDFBytes,
		MaxTextBytes:  DefaultMaxTextBytes,
		MaxPDFChars:   DefaultMaxPDFChars,
	}
}

// Result is the processed form of one attachment. Exactly one field is set.
type Result struct {
	Image *domain.ContentPart
	Text  string
}

// Batch is the outcome of processing every attachment of a message.
type Batch struct {
	Images   []domain.ContentPart
	Text     string
	Rejected []*Rejected
}

type Processor struct {
	limits Limits
	logger *slog.Logger
}

func NewProcessor(limits Limits, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxPDFChars <= 0 {
		limits.MaxPDFChars = DefaultMaxPDFChars
	}
	return &Processor{limits: limits, logger: logger}
}

// ProcessAll handles each attachment independently; one failure never
// prevents the others.
func (p *Processor) ProcessAll(ctx context.Context, sources []Source) Batch {
	var b Batch
	var text strings.Builder
	for _, src := range sources {
		res, err := p.Process(ctx, src)
		if err != nil {
			var rej *Rejected
			if !errors.As(err, &rej) {
				rej = &Rejected{Filename: src.Filename, Reason: "failed", Message: fmt.Sprintf("⚠️ Failed to process `%s`.", src.Filename), Err: err}
			}
			p.logger.Warn("attachment rejected", "file", src.Filename, "reason", rej.Reason, "err", rej.Err)
			b.Rejected = append(b.Rejected, rej)
			continue
		}
		switch {
		case res.Image != nil:
			b.Images = append(b.Images, *res.Image)
		case res.Text != "":
			text.WriteString(res.Text)
		}
	}
	b.Text = text.String()
	return b
}

// Process returns a zero Result and nil error for unsupported attachments.
func (p *Processor) Process(ctx context.Context, src Source) (Result, error) {
	switch {
	case p.limits.AllowImages && isImage(src):
		return p.processImage(ctx, src)
	case p.limits.AllowPDF && isPDF(src):
		return p.processPDF(ctx, src)
	case p.limits.AllowText && isText(src):
		return p.processText(ctx, src)
	}
	return Result{}, nil
}

func (p *Processor) processImage(ctx context.Context, src Source) (Result, error) {
	data, err := p.fetch(ctx, src, p.limits.MaxImageBytes, "Image")
	if err != nil {
		return Result{}, err
	}
	mime := http.DetectContentType(data)
	if !allowedImageTypes[mime] {
		return Result{}, &Rejected{
			Filename: src.Filename,
			Reason:   "invalid_image",
			Message:  fmt.Sprintf("⚠️ File `%s` was rejected: Invalid or unsupported image format detected.", src.Filename),
			Err:      fmt.Errorf("claimed %q, detected %q", src.ContentType, mime),
		}
	}
	p.logger.Debug("processed image", "file", src.Filename, "mime", mime, "size", FormatSize(int64(len(data))))
	part := domain.ImagePart("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data))
	return Result{Image: &part}, nil
}

func (p *Processor) processText(ctx context.Context, src Source) (Result, error) {
	data, err := p.fetch(ctx, src, p.limits.MaxTextBytes, "Text file")
	if err != nil {
		return Result{}, err
	}
	text, ok := DecodeText(data)
	if !ok {
		return Result{}, &Rejected{
			Filename: src.Filename,
			Reason:   "undecodable",
			Message:  fmt.Sprintf("⚠️ Could not decode `%s` as text.", src.Filename),
		}
	}
	p.logger.Debug("processed text file", "file", src.Filename, "size", FormatSize(int64(len(data))))
	return Result{Text: fmt.Sprintf("\n\n--- Content of %s ---\n%s\n--- End of %s ---\n", src.Filename, text, src.Filename)}, nil
}

// fetch enforces the size ceiling before and after download.
func (p *Processor) fetch(ctx context.Context, src Source, limit int64, kind string) ([]byte, error) {
	if limit > 0 && src.Size > limit {
		return nil, tooLarge(src.Filename, kind, src.Size, limit)
	}
	if src.Fetch == nil {
		return nil, &Rejected{Filename: src.Filename, Reason: "unavailable", Message: fmt.Sprintf("⚠️ Could not download `%s`.", src.Filename)}
	}
	data, err := src.Fetch(ctx, limit)
	if err != nil {
		return nil, &Rejected{
			Filename: src.Filename,
			Reason:   "download_failed",
			Message:  fmt.Sprintf("⚠️ Could not download `%s`.", src.Filename),
			Err:      err,
		}
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, tooLarge(src.Filename, kind, int64(len(data)), limit)
	}
	return data, nil
}

func tooLarge(name, kind string, size, limit int64) *Rejected {
	return &Rejected{
		Filename: name,
		Reason:   "too_large",
		Message: fmt.Sprintf("⚠️ %s **%s** is too large (%s). Maximum size is %dMB.",
			kind, name, FormatSize(size), limit/bytesPerMB),
	}
}

// FormatSize renders a byte count in megabytes.
func FormatSize(n int64) string {
	return fmt.Sprintf("%.2fMB", float64(n)/bytesPerMB)
}

func ext(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

func isImage(src Source) bool {
	return strings.HasPrefix(strings.ToLower(src.ContentType), "image/") || imageExtensions[ext(src.Filename)]
}

func isPDF(src Source) bool {
	return ext(src.Filename) == ".pdf" || strings.EqualFold(src.ContentType, "application/pdf")
}

func isText(src Source) bool {
	ct := strings.ToLower(src.ContentType)
	return textExtensions[ext(src.Filename)] ||
		strings.Contains(ct, "text/") ||
		strings.Contains(ct, "application/json")
}
