package storage

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Codec names a compression format.
type Codec string

const (
	CodecNone Codec = ""
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
)

// CodecForKey infers the codec from an object name's extension.
func CodecForKey(key string) Codec {
	switch {
	case strings.HasSuffix(key, ".zst"), strings.HasSuffix(key, ".zstd"):
		return CodecZstd
	case strings.HasSuffix(key, ".gz"):
		return CodecGzip
	default:
		return CodecNone
	}
}

// Compress encodes data with codec.
func Compress(codec Codec, data []byte) ([]byte, error) {
	var buf bytes.Buffer

	switch codec {
	case CodecNone:
		return data, nil
	case CodecGzip:
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := gw.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
	case CodecZstd:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", codec)
	}

	return buf.Bytes(), nil
}

// Decompress wraps r so reads yield decoded bytes.
func Decompress(codec Codec, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case CodecNone:
		return io.NopCloser(r), nil
	case CodecGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return gr, nil
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", codec)
	}
}

// DecompressBytes decodes data compressed with codec.
func DecompressBytes(codec Codec, data []byte) ([]byte, error) {
	rc, err := Decompress(codec, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", codec, err)
	}
	return out, nil
}
