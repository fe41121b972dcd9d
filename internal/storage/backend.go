// Package storage fetches function code from local paths and object stores.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrInvalidConfig = errors.New("invalid backend configuration")
	ErrInvalidURI    = errors.New("invalid code uri")
	ErrTooLarge      = errors.New("object exceeds size limit")
)

// Backend reads objects addressed by bucket and key.
type Backend interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
}
