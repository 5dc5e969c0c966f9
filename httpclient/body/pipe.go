package body

import (
	"io"
	"sync"
)

// Pipe returns a Streamed body whose content is written by produce.
//
// The producer runs in its own goroutine, started on the first Read. Each
// Write blocks until the consumer has read the data, so the producer never
// runs ahead of consumption. Closing the consumer side before EOF makes
// pending and future writes fail with io.ErrClosedPipe.
//
// Example:
//
//	b := body.Pipe(func(w io.Writer) error {
//	    enc := json.NewEncoder(w)
//	    for _, row := range rows {
//	        if err := enc.Encode(row); err != nil {
//	            return err
//	        }
//	    }
//	    return nil
//	})
func Pipe(produce func(w io.Writer) error) *Body {
	return Streamed(newLazyPipe(produce))
}

// lazyPipe defers starting the producer goroutine until the first Read so
// that an unconsumed body never leaks a goroutine.
type lazyPipe struct {
	produce func(w io.Writer) error

	pr   *io.PipeReader
	wr   *io.PipeWriter
	once sync.Once
}

func newLazyPipe(produce func(w io.Writer) error) *lazyPipe {
	pr, pw := io.Pipe()
	return &lazyPipe{produce: produce, pr: pr, wr: pw}
}

func (p *lazyPipe) start() {
	go func() {
		p.wr.CloseWithError(p.produce(p.wr))
	}()
}

func (p *lazyPipe) Read(b []byte) (int, error) {
	p.once.Do(p.start)
	return p.pr.Read(b)
}

// Close spends the start so a Read after Close fails with io.ErrClosedPipe
// without running the producer.
func (p *lazyPipe) Close() error {
	p.once.Do(func() {})
	return p.pr.Close()
}
