package source

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
)

// ObjectOpener opens a bucket object for reading.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// GCSSource reads gs://bucket/object references.
type GCSSource struct {
	opener   ObjectOpener
	maxBytes int64
}

// NewGCSSource creates a GCSSource over opener.
func NewGCSSource(opener ObjectOpener, maxBytes int64) *GCSSource {
	return &GCSSource{opener: opener, maxBytes: maxBytes}
}

// Validate implements Source.
func (g *GCSSource) Validate(ref string) error {
	_, _, err := splitGCS(ref)
	return err
}

// Fetch implements Source.
func (g *GCSSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	bucket, object, err := splitGCS(ref)
	if err != nil {
		return nil, err
	}

	r, err := g.opener.Open(ctx, bucket, object)
	if err != nil {
		return nil, unavailable("source: open %s: %v", ref, err)
	}
	defer r.Close() //nolint:errcheck

	var src io.Reader = r
	if g.maxBytes > 0 {
		src = io.LimitReader(r, g.maxBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, unavailable("source: read %s: %v", ref, err)
	}
	if g.maxBytes > 0 && int64(len(data)) > g.maxBytes {
		return nil, unavailable("source: %s exceeds %d bytes", ref, g.maxBytes)
	}
	if len(data) == 0 {
		return nil, unavailable("source: %s is empty", ref)
	}
	return data, nil
}

func splitGCS(ref string) (string, string, error) {
	rest, ok := strings.CutPrefix(ref, "gs://")
	if !ok {
		return "", "", unavailable("source: %q is not a gs:// reference", ref)
	}
	bucket, object, _ := strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", unavailable("source: %q needs bucket and object", ref)
	}
	return bucket, object, nil
}

// StorageOpener opens objects with a Cloud Storage client.
type StorageOpener struct {
	client *storage.Client
}

// NewStorageOpener creates a Cloud Storage client using application
// default credentials.
func NewStorageOpener(ctx context.Context) (*StorageOpener, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "source: create storage client")
	}
	return &StorageOpener{client: client}, nil
}

// Open implements ObjectOpener.
func (s *StorageOpener) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open gs://%s/%s", bucket, object)
	}
	return r, nil
}

// Close releases the client.
func (s *StorageOpener) Close() error {
	return s.client.Close()
}
