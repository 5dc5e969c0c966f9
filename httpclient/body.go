package httpclient

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// wrappedBody is the body of the final response of a logical request. The
// logical request ends when the body reaches EOF, fails, or is closed:
// the span ends and the request context is released exactly once.
type wrappedBody struct {
	span    trace.Span
	body    io.ReadCloser
	started time.Time
	read    atomic.Int64
	ended   atomic.Bool

	// onEnd receives the bytes read and the time spent reading.
	onEnd func(bytesRead int64, transfer time.Duration)
	// release cancels the logical request context.
	release func()
}

func newWrappedBody(
	span trace.Span,
	body io.ReadCloser,
	release func(),
	onEnd func(bytesRead int64, transfer time.Duration),
) *wrappedBody {
	return &wrappedBody{
		span:    span,
		body:    body,
		started: time.Now(),
		onEnd:   onEnd,
		release: release,
	}
}

func (w *wrappedBody) Read(p []byte) (int, error) {
	n, err := w.body.Read(p)
	w.read.Add(int64(n))

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		w.end(nil)
	default:
		w.end(err)
	}
	return n, err
}

// Close closes the underlying body and ends the logical request.
func (w *wrappedBody) Close() error {
	err := w.body.Close()
	w.end(nil)
	return err
}

func (w *wrappedBody) end(err error) {
	if !w.ended.CompareAndSwap(false, true) {
		return
	}
	read := w.read.Load()
	if err != nil {
		w.span.RecordError(err)
		w.span.SetStatus(codes.Error, err.Error())
	}
	w.span.SetAttributes(attribute.Int64("http.response.body.read", read))
	if w.onEnd != nil {
		w.onEnd(read, time.Since(w.started))
	}
	w.span.End()
	if w.release != nil {
		w.release()
	}
}
