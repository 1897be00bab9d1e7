package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sells-group/datasheet-cli/internal/config"
)

// DefaultExtensions are the document formats accepted when none are
// configured.
var DefaultExtensions = []string{".pdf", ".docx", ".odt", ".rtf", ".doc"}

// FileSource reads documents from the local filesystem. Relative paths are
// resolved against Root.
type FileSource struct {
	Root       string
	MaxBytes   int64
	Extensions []string
}

// NewFileSource builds a FileSource from config.
func NewFileSource(cfg config.SourceConfig) *FileSource {
	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		norm = append(norm, e)
	}
	return &FileSource{Root: cfg.Root, MaxBytes: cfg.MaxBytes, Extensions: norm}
}

// Accepts reports whether path has an accepted extension.
func (f *FileSource) Accepts(path string) bool {
	if len(f.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range f.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Path maps a reference to a filesystem path.
func (f *FileSource) Path(ref string) string {
	p := strings.TrimPrefix(ref, "file://")
	if !filepath.IsAbs(p) && f.Root != "" {
		p = filepath.Join(f.Root, p)
	}
	return filepath.Clean(p)
}

// Validate implements Source.
func (f *FileSource) Validate(ref string) error {
	p := strings.TrimSpace(strings.TrimPrefix(ref, "file://"))
	if p == "" {
		return unavailable("source: empty file path")
	}
	if !f.Accepts(p) {
		return unavailable("source: unsupported document type %q", filepath.Ext(p))
	}
	return nil
}

// Fetch implements Source.
func (f *FileSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := f.Validate(ref); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable("source: %v", err)
	}

	p := f.Path(ref)
	info, err := os.Stat(p)
	if err != nil {
		return nil, unavailable("source: stat %s: %v", p, err)
	}
	if info.IsDir() {
		return nil, unavailable("source: %s is a directory", p)
	}
	if f.MaxBytes > 0 && info.Size() > f.MaxBytes {
		return nil, unavailable("source: %s is %d bytes, limit %d", p, info.Size(), f.MaxBytes)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, unavailable("source: read %s: %v", p, err)
	}
	if len(data) == 0 {
		return nil, unavailable("source: %s is empty", p)
	}
	return data, nil
}
