package attachment

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

var pdfMagic = []byte("%PDF-")

func (p *Processor) processPDF(ctx context.Context, src Source) (Result, error) {
	data, err := p.fetch(ctx, src, p.limits.MaxPDFBytes, "PDF")
	if err != nil {
		return Result{}, err
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return Result{}, &Rejected{
			Filename: src.Filename,
			Reason:   "invalid_pdf",
			Message:  fmt.Sprintf("⚠️ File `%s` was rejected: not a valid PDF.", src.Filename),
		}
	}
	pages, err := extractPages(data)
	if err != nil {
		return Result{}, &Rejected{
			Filename: src.Filename,
			Reason:   "pdf_unreadable",
			Message:  fmt.Sprintf("⚠️ Failed to read PDF `%s`.", src.Filename),
			Err:      err,
		}
	}
	body, truncated := JoinPages(pages, p.limits.MaxPDFChars)
	if body == "" {
		return Result{Text: fmt.Sprintf("\n[Note: PDF %s had no extractable text.]\n", src.Filename)}, nil
	}
	p.logger.Debug("processed pdf", "file", src.Filename, "pages", len(pages), "chars", len(body), "truncated", truncated)
	return Result{Text: fmt.Sprintf("\n\n--- Content of PDF: %s ---\n%s\n--- End of PDF ---\n", src.Filename, body)}, nil
}

func extractPages(data []byte) (pages []string, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// JoinPages labels each non-empty page and stops at limit characters; the
// page that crosses the limit is cut and marked TRUNCATED.
func JoinPages(pages []string, limit int) (string, bool) {
	var parts []string
	used := 0
	for i, text := range pages {
		if text == "" {
			continue
		}
		runes := []rune(text)
		if limit > 0 && used+len(runes) > limit {
			parts = append(parts, fmt.Sprintf("--- Page %d (TRUNCATED) ---\n%s", i+1, string(runes[:limit-used])))
			return strings.Join(parts, "\n"), true
		}
		parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", i+1, text))
		used += len(runes)
	}
	return strings.Join(parts, "\n"), false
}
