package ocr

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PDFReader reads the embedded text layer with a pure-Go PDF parser.
type PDFReader struct {
	maxPages int
}

// NewPDFReader creates a PDFReader that reads at most 50 pages.
func NewPDFReader() *PDFReader {
	return &PDFReader{maxPages: 50}
}

// ExtractText returns the concatenated plain text of every readable page.
func (r *PDFReader) ExtractText(ctx context.Context, name string, data []byte) (text string, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if rec := recover(); rec != nil {
			err = eris.Errorf("ocr: pdf reader panic on %s: %v", name, rec)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", eris.Wrapf(err, "ocr: open pdf %s", name)
	}

	total := reader.NumPage()
	if total > r.maxPages {
		total = r.maxPages
	}

	var sb strings.Builder
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return "", eris.Wrap(err, "ocr: pdf reader cancelled")
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			zap.L().Debug("ocr: null pdf page", zap.String("file", name), zap.Int("page", i))
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", eris.Wrapf(err, "ocr: read page %d of %s", i, name)
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(pageText)
	}

	if strings.TrimSpace(sb.String()) == "" {
		return "", eris.Errorf("ocr: no text layer in %s", name)
	}
	return sb.String(), nil
}
