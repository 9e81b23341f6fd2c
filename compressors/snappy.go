package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/epbucket/core"
	"github.com/golang/snappy"
)

// SnappyCompressor encodes values with the snappy block format. The same
// block format is used for client payloads carrying DatatypeSnappy, so a
// value received compressed can be stored verbatim.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor { return &SnappyCompressor{} }

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// CompressTo writes the block-encoded form of src into dst. The block
// format (not the stream format) must be used so Decompress can decode it.
func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	dst.Write(snappy.Encode(nil, src))
	return nil
}

func (c *SnappyCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return byteReadCloser{bytes.NewReader(decoded)}, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}

// DecodeBlock is a convenience for callers handling DatatypeSnappy values
// outside the KVStore read path.
func DecodeBlock(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
