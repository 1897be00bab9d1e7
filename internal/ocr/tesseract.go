package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Tesseract rasterizes PDF pages with pdftoppm and runs tesseract on each.
type Tesseract struct {
	pdftoppm  string
	tesseract string
	languages string
	dpi       string
	maxPages  int
}

// NewTesseract creates a local OCR extractor.
func NewTesseract(pdftoppm, tesseract, languages string) *Tesseract {
	if pdftoppm == "" {
		pdftoppm = "pdftoppm"
	}
	if tesseract == "" {
		tesseract = "tesseract"
	}
	if languages == "" {
		languages = "eng"
	}
	return &Tesseract{pdftoppm: pdftoppm, tesseract: tesseract, languages: languages, dpi: "300", maxPages: 10}
}

// ExtractText renders the document and OCRs every page image in order.
func (t *Tesseract) ExtractText(ctx context.Context, name string, data []byte) (string, error) {
	return withTempFile(name, data, func(path string) (string, error) {
		dir, err := os.MkdirTemp("", "datasheet-ocr-*")
		if err != nil {
			return "", eris.Wrap(err, "ocr: create render dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		prefix := filepath.Join(dir, "page")
		if _, err := run(ctx, t.pdftoppm, "-r", t.dpi, "-png", path, prefix); err != nil {
			return "", eris.Wrapf(err, "ocr: render %s", name)
		}

		pages, _ := filepath.Glob(prefix + "-*.png")
		sort.Strings(pages)
		if len(pages) == 0 {
			return "", eris.Errorf("ocr: no pages rendered for %s", name)
		}
		if len(pages) > t.maxPages {
			pages = pages[:t.maxPages]
		}

		var sb strings.Builder
		for _, img := range pages {
			out, err := run(ctx, t.tesseract, img, "stdout", "-l", t.languages)
			if err != nil {
				zap.L().Warn("ocr: tesseract page failed", zap.String("file", name), zap.String("page", filepath.Base(img)), zap.Error(err))
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n\f\n")
			}
			sb.WriteString(out)
		}
		if strings.TrimSpace(sb.String()) == "" {
			return "", eris.Errorf("ocr: tesseract produced no text for %s", name)
		}
		return sb.String(), nil
	})
}

func run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "%s: %s", filepath.Base(bin), strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
