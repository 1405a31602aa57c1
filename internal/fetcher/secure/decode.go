package secure

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"
)

var gzipMagic = []byte{0x1f, 0x8b}

// decodeBody applies gzip decoding when the response declares it or the URL
// path implies it. Declared gzip without a gzip payload is an error; implied
// gzip tolerates servers that already sent plain XML.
func decodeBody(raw []byte, contentEncoding, path string, maxBytes int64) ([]byte, error) {
	declared := strings.Contains(strings.ToLower(contentEncoding), "gzip")
	implied := strings.HasSuffix(strings.ToLower(path), ".gz")
	if !declared && !implied {
		return raw, nil
	}
	if !bytes.HasPrefix(raw, gzipMagic) {
		if declared {
			return nil, errors.New("content-encoding declares gzip but payload has no gzip header")
		}
		if looksLikeXML(raw) {
			return raw, nil
		}
		return nil, errors.New("path implies gzip but payload is neither gzip nor xml")
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("inflate gzip stream: %w", err)
	}
	if int64(len(out)) > maxBytes {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}

func looksLikeXML(b []byte) bool {
	trimmed := bytes.TrimLeft(b, " \t\r\n\xef\xbb\xbf")
	return bytes.HasPrefix(trimmed, []byte("<"))
}
