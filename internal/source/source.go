// Package source resolves task source references into document bytes.
// Every failure wraps model.ErrSourceUnavailable.
package source

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datasheet-cli/internal/model"
)

// Source validates and fetches references of one scheme.
type Source interface {
	// Validate cheaply checks that ref could be fetched, without I/O.
	Validate(ref string) error
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Resolver dispatches references to a Source by scheme. References without
// a scheme are treated as file paths.
type Resolver struct {
	sources map[string]Source
}

// NewResolver creates a Resolver serving file references from files.
func NewResolver(files Source) *Resolver {
	r := &Resolver{sources: make(map[string]Source)}
	if files != nil {
		r.sources["file"] = files
	}
	return r
}

// Register serves scheme (e.g. "gs") from s.
func (r *Resolver) Register(scheme string, s Source) {
	r.sources[strings.ToLower(scheme)] = s
}

// Validate implements Source.
func (r *Resolver) Validate(ref string) error {
	s, err := r.lookup(ref)
	if err != nil {
		return err
	}
	return s.Validate(ref)
}

// Fetch implements Source.
func (r *Resolver) Fetch(ctx context.Context, ref string) ([]byte, error) {
	s, err := r.lookup(ref)
	if err != nil {
		return nil, err
	}
	return s.Fetch(ctx, ref)
}

func (r *Resolver) lookup(ref string) (Source, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, eris.Wrap(model.ErrSourceUnavailable, "source: empty reference")
	}
	scheme := Scheme(ref)
	s, ok := r.sources[scheme]
	if !ok {
		return nil, eris.Wrapf(model.ErrSourceUnavailable, "source: unsupported scheme %q", scheme)
	}
	return s, nil
}

// Scheme returns the lower-cased scheme of ref, "file" when it has none.
func Scheme(ref string) string {
	if i := strings.Index(ref, "://"); i > 0 {
		return strings.ToLower(ref[:i])
	}
	return "file"
}

func unavailable(format string, args ...any) error {
	return eris.Wrapf(model.ErrSourceUnavailable, format, args...)
}
