// Package body provides the payload abstraction shared by requests and
// responses.
//
// A Body is either Buffered, which can be replayed any number of times
// (redirects, retries), or Streamed, which wraps a caller-supplied source and
// can be consumed at most once. Consumption is pull-based: nothing is read
// from a Streamed source until the consumer asks for it.
//
// Example:
//
//	b := body.Buffered([]byte(`{"id":1}`))
//	r1, _ := b.Open() // replay as often as needed
//	r2, _ := b.Open()
//
//	s := body.Streamed(file)
//	r, _ := s.Open()  // first consumption
//	_, err := s.Open() // err == body.ErrAlreadyConsumed
package body

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"sync/atomic"
)

// ErrAlreadyConsumed is returned when a Streamed body is opened a second time.
var ErrAlreadyConsumed = errors.New("body: streamed body already consumed")

// ChunkSize is the maximum size of the chunks yielded by Chunks.
const ChunkSize = 32 * 1024

// Kind identifies how a Body stores its payload.
type Kind int

const (
	// KindEmpty is a body without content.
	KindEmpty Kind = iota
	// KindBuffered holds its content in memory and can be replayed.
	KindBuffered
	// KindStreamed reads from a one-shot source.
	KindStreamed
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindBuffered:
		return "buffered"
	case KindStreamed:
		return "streamed"
	default:
		return "unknown"
	}
}

// Body is a request or response payload.
//
// A Body is safe for concurrent use; at most one consumer ever obtains the
// source of a Streamed body.
type Body struct {
	kind     Kind
	buf      []byte
	src      io.Reader
	length   int64
	consumed atomic.Bool
}

// Empty returns a body without content.
func Empty() *Body {
	return &Body{kind: KindEmpty}
}

// Buffered returns a replayable body holding a copy of b.
func Buffered(b []byte) *Body {
	if len(b) == 0 {
		return Empty()
	}
	return &Body{kind: KindBuffered, buf: bytes.Clone(b), length: int64(len(b))}
}

// String returns a replayable body holding s.
func String(s string) *Body {
	if s == "" {
		return Empty()
	}
	return &Body{kind: KindBuffered, buf: []byte(s), length: int64(len(s))}
}

// Streamed returns a consume-once body reading from r. Its length is unknown.
//
// If r implements io.Closer it is closed once the consumer closes the reader
// returned by Open.
func Streamed(r io.Reader) *Body {
	return StreamedLen(r, -1)
}

// StreamedLen is like Streamed but announces the payload length, letting
// the transport send a Content-Length instead of chunked encoding.
func StreamedLen(r io.Reader, length int64) *Body {
	if r == nil {
		return Empty()
	}
	if length < 0 {
		length = -1
	}
	return &Body{kind: KindStreamed, src: r, length: length}
}

// Kind reports how the body stores its payload.
func (b *Body) Kind() Kind {
	if b == nil {
		return KindEmpty
	}
	return b.kind
}

// Replayable reports whether the body can be consumed more than once.
func (b *Body) Replayable() bool {
	return b.Kind() != KindStreamed
}

// Consumed reports whether a Streamed body has already been opened.
// Buffered and empty bodies are never consumed.
func (b *Body) Consumed() bool {
	if b == nil || b.kind != KindStreamed {
		return false
	}
	return b.consumed.Load()
}

// Len returns the payload length, or -1 when unknown.
func (b *Body) Len() int64 {
	if b == nil || b.kind == KindEmpty {
		return 0
	}
	return b.length
}

// Bytes returns the content of a Buffered or empty body. The returned slice
// must not be modified. ok is false for Streamed bodies.
func (b *Body) Bytes() (data []byte, ok bool) {
	switch b.Kind() {
	case KindEmpty:
		return nil, true
	case KindBuffered:
		return b.buf, true
	default:
		return nil, false
	}
}

// Open returns a reader over the payload.
//
// Buffered bodies return a fresh reader positioned at the start on every
// call. Streamed bodies hand out their source exactly once; later calls fail
// with ErrAlreadyConsumed.
func (b *Body) Open() (io.ReadCloser, error) {
	switch b.Kind() {
	case KindEmpty:
		return io.NopCloser(bytes.NewReader(nil)), nil
	case KindBuffered:
		return io.NopCloser(bytes.NewReader(b.buf)), nil
	}

	if !b.consumed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyConsumed
	}
	if rc, ok := b.src.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(b.src), nil
}

// Chunks returns a pull-based iterator over the payload.
//
// The slice yielded on each step is only valid until the next step. For a
// Streamed body the source is claimed when Chunks is called, not when the
// iteration starts, so a second call fails immediately.
//
// Example:
//
//	chunks, err := b.Chunks()
//	if err != nil {
//	    return err
//	}
//	for chunk, err := range chunks {
//	    if err != nil {
//	        return err
//	    }
//	    process(chunk)
//	}
func (b *Body) Chunks() (iter.Seq2[[]byte, error], error) {
	switch b.Kind() {
	case KindEmpty:
		return func(func([]byte, error) bool) {}, nil
	case KindBuffered:
		data := b.buf
		return func(yield func([]byte, error) bool) {
			for off := 0; off < len(data); off += ChunkSize {
				end := min(off+ChunkSize, len(data))
				if !yield(data[off:end], nil) {
					return
				}
			}
		}, nil
	}

	rc, err := b.Open()
	if err != nil {
		return nil, err
	}
	return readerChunks(rc), nil
}

func readerChunks(rc io.ReadCloser) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer rc.Close()
		buf := make([]byte, ChunkSize)
		for {
			n, err := rc.Read(buf)
			if n > 0 && !yield(buf[:n], nil) {
				return
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// ReadAll drains the body into memory.
func ReadAll(b *Body) ([]byte, error) {
	if data, ok := b.Bytes(); ok {
		return bytes.Clone(data), nil
	}
	rc, err := b.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
