package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

type closeCounter struct {
	io.Reader
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestWrappedBody_EndsOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		content    io.Reader
		consume    func(t *testing.T, w *wrappedBody)
		wantRead   int64
		wantStatus codes.Code
	}{
		{
			name:    "given body read to EOF, then request ends with bytes read",
			content: strings.NewReader("hello world"),
			consume: func(t *testing.T, w *wrappedBody) {
				data, err := io.ReadAll(w)
				require.NoError(t, err)
				assert.Equal(t, "hello world", string(data))
			},
			wantRead:   11,
			wantStatus: codes.Unset,
		},
		{
			name:    "given body closed early, then request ends",
			content: strings.NewReader("hello world"),
			consume: func(t *testing.T, w *wrappedBody) {
				buf := make([]byte, 5)
				_, err := io.ReadFull(w, buf)
				require.NoError(t, err)
			},
			wantRead:   5,
			wantStatus: codes.Unset,
		},
		{
			name:    "given read failure, then span records the error",
			content: failingReader{err: io.ErrUnexpectedEOF},
			consume: func(t *testing.T, w *wrappedBody) {
				_, err := io.ReadAll(w)
				require.ErrorIs(t, err, io.ErrUnexpectedEOF)
			},
			wantRead:   0,
			wantStatus: codes.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tp, sr := newRecordingProvider(t)
			_, span := tp.Tracer("test").Start(context.Background(), "logical")

			src := &closeCounter{Reader: tt.content}
			var (
				releases int
				ends     int
				gotRead  int64
			)
			w := newWrappedBody(span, src, func() { releases++ }, func(n int64, _ time.Duration) {
				ends++
				gotRead = n
			})

			tt.consume(t, w)
			require.NoError(t, w.Close())
			require.NoError(t, w.Close())

			assert.Equal(t, 1, ends)
			assert.Equal(t, 1, releases)
			assert.Equal(t, 2, src.closed)
			assert.Equal(t, tt.wantRead, gotRead)

			spans := sr.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, tt.wantStatus, spans[0].Status().Code)
			v, ok := spanAttr(spans[0], "http.response.body.read")
			require.True(t, ok)
			assert.Equal(t, tt.wantRead, v.AsInt64())
		})
	}
}

func TestWrappedBody_NilHooks(t *testing.T) {
	t.Parallel()

	tp, _ := newRecordingProvider(t)
	_, span := tp.Tracer("test").Start(context.Background(), "logical")
	w := newWrappedBody(span, io.NopCloser(strings.NewReader("x")), nil, nil)

	assert.NotPanics(t, func() {
		_, _ = io.ReadAll(w)
		_ = w.Close()
	})
}

func newEncodedResponse(header http.Header, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func TestDecodeContentEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		encoding    string
		body        []byte
		wantDecoded bool
		wantText    string
	}{
		{
			name:        "given gzip encoding, then body is decoded",
			encoding:    "gzip",
			body:        gzipped(t, "compressed payload"),
			wantDecoded: true,
			wantText:    "compressed payload",
		},
		{
			name:        "given mixed case encoding, then body is decoded",
			encoding:    " GZip ",
			body:        gzipped(t, "abc"),
			wantDecoded: true,
			wantText:    "abc",
		},
		{
			name:     "given identity encoding, then body is untouched",
			encoding: "identity",
			body:     []byte("plain"),
			wantText: "plain",
		},
		{
			name:     "given unsupported encoding, then body is untouched",
			encoding: "br",
			body:     []byte("opaque"),
			wantText: "opaque",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			header := http.Header{}
			header.Set("Content-Encoding", tt.encoding)
			resp := newEncodedResponse(header, tt.body)

			decodeContentEncoding(resp)

			assert.Equal(t, tt.wantDecoded, resp.Uncompressed)
			if tt.wantDecoded {
				assert.Empty(t, resp.Header.Get("Content-Encoding"))
				assert.Equal(t, int64(-1), resp.ContentLength)
			}
			data, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, string(data))
		})
	}
}

func TestDecodeContentEncoding_EmptyBody(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set("Content-Encoding", "gzip")
	header.Set("Content-Length", "0")
	resp := newEncodedResponse(header, nil)

	decodeContentEncoding(resp)

	assert.False(t, resp.Uncompressed)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestGzipBody(t *testing.T) {
	t.Parallel()

	t.Run("given corrupt stream, then every read fails", func(t *testing.T) {
		t.Parallel()

		g := &gzipBody{src: io.NopCloser(strings.NewReader("not gzip"))}
		_, err := io.ReadAll(g)
		require.Error(t, err)

		_, again := g.Read(make([]byte, 8))
		assert.Equal(t, err, again)
	})

	t.Run("given unread body, then close skips the decoder", func(t *testing.T) {
		t.Parallel()

		src := &closeCounter{Reader: strings.NewReader("x")}
		g := &gzipBody{src: src}

		require.NoError(t, g.Close())
		assert.Nil(t, g.zr)
		assert.Equal(t, 1, src.closed)
	})
}

func TestGzipBody_ReadErrorIsSticky(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	g := &gzipBody{src: io.NopCloser(failingReader{err: boom})}

	_, err := g.Read(make([]byte, 4))
	require.ErrorIs(t, err, boom)
	_, err = g.Read(make([]byte, 4))
	assert.ErrorIs(t, err, boom)
}
