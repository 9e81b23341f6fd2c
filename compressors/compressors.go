// Package compressors provides the value codecs used by the KVStore. All
// implementations satisfy core.Compressor and produce self-describing
// payloads, so records can be decoded knowing only the CompressionType byte
// stored alongside them.
package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/epbucket/core"
)

// byteReadCloser adapts an in-memory buffer to io.ReadCloser; Close is a
// no-op since there is nothing to release.
type byteReadCloser struct {
	*bytes.Reader
}

func (byteReadCloser) Close() error { return nil }

// ForType returns the compressor implementing the given CompressionType.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return NewNoneCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLZ4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	}
	return nil, fmt.Errorf("unknown compression type %d", ct)
}

// ForName maps a config string ("none", "snappy", "lz4", "zstd") to a
// compressor.
func ForName(name string) (core.Compressor, error) {
	switch name {
	case "", "none":
		return NewNoneCompressor(), nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "lz4":
		return NewLZ4Compressor(), nil
	case "zstd":
		return NewZstdCompressor()
	}
	return nil, fmt.Errorf("unknown compression %q", name)
}

var _ io.ReadCloser = byteReadCloser{}
