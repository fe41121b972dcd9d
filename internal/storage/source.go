package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/forge/internal/config"
)

// DefaultMaxObjectBytes bounds a single fetched module.
const DefaultMaxObjectBytes = 64 << 20

// Location is a parsed code URI.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

func (l Location) String() string {
	if l.Scheme == "file" {
		return "file://" + l.Key
	}
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

// ParseURI accepts plain paths, file:// URIs and s3://bucket/key URIs.
func ParseURI(uri string) (Location, error) {
	if uri == "" {
		return Location{}, fmt.Errorf("%w: empty", ErrInvalidURI)
	}

	if !strings.Contains(uri, "://") {
		return Location{Scheme: "file", Key: filepath.Clean(uri)}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	switch u.Scheme {
	case "file":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = u.Host + u.Path
		}
		if path == "" {
			return Location{}, fmt.Errorf("%w: %s has no path", ErrInvalidURI, uri)
		}
		return Location{Scheme: "file", Key: filepath.Clean(path)}, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, fmt.Errorf("%w: %s must be s3://bucket/key", ErrInvalidURI, uri)
		}
		return Location{Scheme: "s3", Bucket: u.Host, Key: key}, nil
	default:
		return Location{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
}

// Source fetches code blobs by URI. Objects named *.zst or *.gz are
// decompressed on the way out.
type Source struct {
	files    Backend
	s3       Backend
	maxBytes int64
}

// NewSource creates a source over the given backends. s3 may be nil, in
// which case s3:// URIs are rejected.
func NewSource(files, s3 Backend) *Source {
	if files == nil {
		files = NewFilesystemBackend("")
	}
	return &Source{files: files, s3: s3, maxBytes: DefaultMaxObjectBytes}
}

// NewSourceFromConfig wires the S3 backend when it is configured.
func NewSourceFromConfig(ctx context.Context, cfg config.StorageConfig) (*Source, error) {
	var s3 Backend
	if cfg.S3.Configured() {
		backend, err := NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("creating s3 backend: %w", err)
		}
		s3 = backend
		log.Debug().Str("region", cfg.S3.Region).Str("endpoint", cfg.S3.Endpoint).Msg("S3 code source enabled")
	}
	return NewSource(nil, s3), nil
}

// SetMaxBytes changes the size limit applied after decompression.
func (s *Source) SetMaxBytes(n int64) {
	s.maxBytes = n
}

// Fetch reads the object at uri.
func (s *Source) Fetch(ctx context.Context, uri string) ([]byte, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	backend, err := s.backendFor(loc)
	if err != nil {
		return nil, err
	}

	rc, err := backend.Get(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body, err := Decompress(CodecForKey(loc.Key), rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", loc, err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", loc, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, loc, s.maxBytes)
	}

	return data, nil
}

// Exists reports whether uri names an existing object.
func (s *Source) Exists(ctx context.Context, uri string) (bool, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return false, err
	}
	backend, err := s.backendFor(loc)
	if err != nil {
		return false, err
	}
	return backend.Exists(ctx, loc.Bucket, loc.Key)
}

func (s *Source) backendFor(loc Location) (Backend, error) {
	switch loc.Scheme {
	case "file":
		return s.files, nil
	case "s3":
		if s.s3 == nil {
			return nil, fmt.Errorf("%w: s3 storage is not configured", ErrInvalidConfig)
		}
		return s.s3, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, loc.Scheme)
	}
}
