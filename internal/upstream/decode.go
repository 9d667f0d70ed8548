package upstream

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"

	"github.com/andybalholm/brotli"
)

// decodeBody reverses the content-encoding applied by the upstream. It
// returns the decoded bytes and whether decoding succeeded; on failure the
// caller keeps the raw bytes together with the content-encoding header so
// nothing is silently corrupted.
func decodeBody(data []byte, encoding string) ([]byte, bool) {
	if len(data) == 0 {
		return data, true
	}

	switch encoding {
	case "", "identity":
		return data, true

	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return data, false
		}
		decoded, err := io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return data, false
		}
		return decoded, true

	case "br":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return data, false
		}
		return decoded, true

	case "deflate":
		fr := flate.NewReader(bytes.NewReader(data))
		decoded, err := io.ReadAll(fr)
		_ = fr.Close()
		if err != nil {
			return data, false
		}
		return decoded, true
	}

	return data, false
}
