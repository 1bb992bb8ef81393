package sender

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ContentEncodingGzip is the Content-Encoding value for Compress output.
const ContentEncodingGzip = "gzip"

// Compress gzips body at the default level.
func Compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("sender: gzip writer: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("sender: gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("sender: gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sender: gunzip: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("sender: gunzip: %w", err)
	}
	return out, nil
}
