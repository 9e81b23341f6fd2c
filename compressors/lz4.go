package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/epbucket/core"
	"github.com/pierrec/lz4/v4"
)

// LZ4Compressor encodes values with the lz4 frame format, which is
// self-describing and so needs no side-channel length.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLZ4Compressor() *LZ4Compressor { return &LZ4Compressor{} }

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	w := lz4.NewWriter(dst)
	if _, err := w.Write(src); err != nil {
		w.Close()
		return fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("lz4 close: %w", err)
	}
	return nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	decoded, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return byteReadCloser{bytes.NewReader(decoded)}, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
