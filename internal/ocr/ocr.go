// Package ocr turns document bytes into text.
package ocr

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datasheet-cli/internal/config"
)

// Extractor extracts text content from a document. name is the original
// filename and is used to pick a MIME type where the backend needs one.
type Extractor interface {
	ExtractText(ctx context.Context, name string, data []byte) (string, error)
}

// Extractor kinds accepted by NewExtractor.
const (
	KindPDFReader = "pdf_reader"
	KindPdfToText = "pdftotext"
	KindDocConv   = "docconv"
	KindTesseract = "tesseract"
	KindMistral   = "mistral"
)

// NewExtractor creates an Extractor of the given kind from config.
func NewExtractor(kind string, cfg config.OCRConfig) (Extractor, error) {
	switch kind {
	case KindPDFReader:
		return NewPDFReader(), nil
	case KindPdfToText, "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case KindDocConv:
		return NewDocConv(), nil
	case KindTesseract:
		return NewTesseract(cfg.PdfToPPMPath, cfg.TesseractPath, cfg.Languages), nil
	case KindMistral:
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral extractor requires ocr.mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel, WithMistralRate(cfg.MistralRPS)), nil
	default:
		return nil, eris.Errorf("ocr: unknown extractor %q", kind)
	}
}

var mimeByExt = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".doc":  "application/msword",
	".odt":  "application/vnd.oasis.opendocument.text",
	".rtf":  "application/rtf",
	".txt":  "text/plain",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// MimeType guesses a MIME type from a filename, defaulting to PDF.
func MimeType(name string) string {
	if m, ok := mimeByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	return "application/pdf"
}

// withTempFile writes data to a temporary file for CLI tools that only
// read from paths, and removes it afterwards.
func withTempFile(name string, data []byte, fn func(path string) (string, error)) (string, error) {
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".pdf"
	}
	f, err := os.CreateTemp("", "datasheet-*"+ext)
	if err != nil {
		return "", eris.Wrap(err, "ocr: create temp file")
	}
	path := f.Name()
	defer os.Remove(path) //nolint:errcheck

	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck
		return "", eris.Wrap(err, "ocr: write temp file")
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrap(err, "ocr: close temp file")
	}
	return fn(path)
}
