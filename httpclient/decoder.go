package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// trailingDrain bounds the bytes read past the end of a gzip stream so the
// connection reaches EOF and can be pooled.
const trailingDrain = 4 << 10

// decodeContentEncoding replaces a gzip-encoded body with a decoding reader.
// The encoding headers are removed and the length becomes unknown.
func decodeContentEncoding(resp *http.Response) {
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		return
	}
	if resp.Body == nil || resp.Body == http.NoBody || resp.Header.Get("Content-Length") == "0" {
		return
	}
	resp.Body = &gzipBody{src: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
}

// gzipBody creates its gzip reader on first Read, so a response whose body
// is never read costs nothing. An empty body decodes to an empty body.
type gzipBody struct {
	src io.ReadCloser
	zr  *gzip.Reader
	err error
}

func (g *gzipBody) Read(p []byte) (int, error) {
	if g.err != nil {
		return 0, g.err
	}
	if g.zr == nil {
		zr, err := gzip.NewReader(g.src)
		if err != nil {
			g.err = err
			return 0, err
		}
		g.zr = zr
	}
	n, err := g.zr.Read(p)
	if errors.Is(err, io.EOF) {
		_, _ = io.CopyN(io.Discard, g.src, trailingDrain)
	}
	if err != nil {
		g.err = err
	}
	return n, err
}

func (g *gzipBody) Close() error {
	if g.zr != nil {
		_ = g.zr.Close()
	}
	return g.src.Close()
}
