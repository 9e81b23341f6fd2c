package compressors

import (
	"bytes"
	"io"

	"github.com/INLOpen/epbucket/core"
)

// NoneCompressor passes values through unmodified.
type NoneCompressor struct{}

var _ core.Compressor = (*NoneCompressor)(nil)

func NewNoneCompressor() *NoneCompressor { return &NoneCompressor{} }

func (c *NoneCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoneCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	_, err := dst.Write(src)
	return err
}

func (c *NoneCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	return byteReadCloser{bytes.NewReader(data)}, nil
}

func (c *NoneCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
