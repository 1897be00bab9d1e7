package ocr

import (
	"bytes"
	"context"
	"strings"

	"code.sajari.com/docconv/v2"
	"github.com/rotisserie/eris"
)

// DocConv converts office formats (docx, odt, rtf) to text.
type DocConv struct{}

// NewDocConv creates a DocConv extractor.
func NewDocConv() *DocConv {
	return &DocConv{}
}

// ExtractText converts the document using its filename to pick the MIME type.
func (d *DocConv) ExtractText(_ context.Context, name string, data []byte) (string, error) {
	res, err := docconv.Convert(bytes.NewReader(data), MimeType(name), true)
	if err != nil {
		return "", eris.Wrapf(err, "ocr: docconv %s", name)
	}
	if strings.TrimSpace(res.Body) == "" {
		return "", eris.Errorf("ocr: docconv produced no text for %s", name)
	}
	return res.Body, nil
}
