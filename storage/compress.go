package storage

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Compression identifies how an artifact is encoded on storage.
type Compression uint8

const (
	// CompressionNone indicates the artifact is stored as is.
	CompressionNone Compression = iota
	// CompressionZSTD indicates a zstd frame (".zst" suffix).
	CompressionZSTD
	// CompressionLZ4 indicates an lz4 frame (".lz4" suffix).
	CompressionLZ4
)

// String implements fmt.Stringer.
func (c Compression) String() string {
	switch c {
	case CompressionZSTD:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// CompressionForKey detects the compression from the key suffix.
func CompressionForKey(key string) Compression {
	switch {
	case strings.HasSuffix(key, ".zst"):
		return CompressionZSTD
	case strings.HasSuffix(key, ".lz4"):
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// TrimCompression returns key without its compression suffix.
func TrimCompression(key string) string {
	switch CompressionForKey(key) {
	case CompressionZSTD:
		return strings.TrimSuffix(key, ".zst")
	case CompressionLZ4:
		return strings.TrimSuffix(key, ".lz4")
	default:
		return key
	}
}

var zstdDecoderPool sync.Pool

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// ReadDecompressed reads key from store and undoes the compression implied by
// its suffix.
func ReadDecompressed(store Store, key string) ([]byte, error) {
	data, err := store.ReadFile(key)
	if err != nil {
		return nil, err
	}
	return Decompress(CompressionForKey(key), data)
}

// Decompress decodes data according to c.
func Decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionZSTD:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, errors.Wrap(err, "create zstd decoder")
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Wrap(err, "zstd decode")
		}
		return out, nil
	case CompressionLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, errors.Wrap(err, "lz4 decode")
		}
		return out, nil
	default:
		return data, nil
	}
}
