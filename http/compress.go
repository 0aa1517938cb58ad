package http

import (
	"bytes"

	"github.com/klauspost/compress/gzip"
)

// compressMinSize is the smallest body worth compressing; below this the
// gzip framing usually wins nothing.
const compressMinSize = 256

func gzipBytes(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(body) / 2)
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
