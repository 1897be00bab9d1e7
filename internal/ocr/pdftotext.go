package ocr

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/rotisserie/eris"
)

// PdfToText extracts the text layer with the pdftotext CLI in layout mode.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText runs pdftotext -layout over the document and returns stdout.
func (p *PdfToText) ExtractText(ctx context.Context, name string, data []byte) (string, error) {
	return withTempFile(name, data, func(path string) (string, error) {
		cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", eris.Wrapf(err, "ocr: pdftotext failed for %s: %s", name, stderr.String())
		}
		return stdout.String(), nil
	})
}
