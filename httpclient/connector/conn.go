package connector

import (
	"bufio"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/kroma-labs/courier-go/httpclient/pool"
)

// probeWindow bounds how long Alive waits for the peer.
const probeWindow = 100 * time.Microsecond

var aLongTimeAgo = time.Unix(1, 0)

// Conn is an established transport connection.
//
// It keeps one buffered reader and writer for its whole life so bytes read
// ahead by one response are never lost to the next. Any I/O failure marks the
// connection broken, which prevents it from returning to the pool.
type Conn struct {
	raw net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer

	protocol  string
	forward   bool
	proxyAuth string

	broken  atomic.Bool
	probing atomic.Bool
}

var _ pool.Conn = (*Conn)(nil)

func newConn(raw net.Conn, readSize, writeSize int) *Conn {
	c := &Conn{raw: raw, protocol: ProtocolHTTP11}
	c.br = bufio.NewReaderSize(connIO{c}, readSize)
	c.bw = bufio.NewWriterSize(connIO{c}, writeSize)
	return c
}

// NetConn returns the underlying transport connection.
func (c *Conn) NetConn() net.Conn { return c.raw }

// Protocol returns the negotiated application protocol.
func (c *Conn) Protocol() string { return c.protocol }

// Reader returns the connection's persistent buffered reader.
func (c *Conn) Reader() *bufio.Reader { return c.br }

// Writer returns the connection's persistent buffered writer.
func (c *Conn) Writer() *bufio.Writer { return c.bw }

// Broken reports whether an I/O error or abort made the connection unusable.
func (c *Conn) Broken() bool { return c.broken.Load() }

// MarkBroken prevents the connection from being pooled again.
func (c *Conn) MarkBroken() { c.broken.Store(true) }

// Abort fails any in-flight and future I/O on the connection.
func (c *Conn) Abort() {
	c.broken.Store(true)
	_ = c.raw.SetDeadline(aLongTimeAgo)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.broken.Store(true)
	return c.raw.Close()
}

// Alive reports whether the connection can carry another request.
//
// An idle HTTP/1 connection must have nothing to read: unread bytes mean the
// peer sent something unsolicited, and EOF means it hung up. The probe waits
// at most probeWindow.
func (c *Conn) Alive() bool {
	if c.broken.Load() {
		return false
	}
	if c.br.Buffered() > 0 {
		c.broken.Store(true)
		return false
	}

	c.probing.Store(true)
	_ = c.raw.SetReadDeadline(time.Now().Add(probeWindow))
	_, err := c.br.Peek(1)
	_ = c.raw.SetReadDeadline(time.Time{})
	c.probing.Store(false)

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	c.broken.Store(true)
	return false
}

// connIO is the raw side of the buffered reader and writer. It records
// failures so the lease can refuse to pool a connection in an unknown state.
type connIO struct{ c *Conn }

func (w connIO) Read(p []byte) (int, error) {
	n, err := w.c.raw.Read(p)
	if err != nil && !w.c.probing.Load() {
		w.c.broken.Store(true)
	}
	return n, err
}

func (w connIO) Write(p []byte) (int, error) {
	n, err := w.c.raw.Write(p)
	if err != nil {
		w.c.broken.Store(true)
	}
	return n, err
}

// Lease is exclusive ownership of one connection for one physical attempt.
//
// Release and Abort are safe to call more than once and from different
// goroutines; only the first call has an effect.
type Lease struct {
	pool   *pool.Pool
	key    pool.Key
	entry  *pool.Entry
	conn   *Conn
	reused bool

	done atomic.Bool
}

// Conn returns the leased connection.
func (l *Lease) Conn() *Conn { return l.conn }

// Key returns the pool key the connection belongs to.
func (l *Lease) Key() pool.Key { return l.key }

// ID returns the pooled connection's handle ID.
func (l *Lease) ID() string { return l.entry.ID }

// Reused reports whether the connection came from the pool.
func (l *Lease) Reused() bool { return l.reused }

// Released reports whether the lease has ended.
func (l *Lease) Released() bool { return l.done.Load() }

// Release ends the lease. The connection returns to the pool only when
// reusable is true and no I/O error was observed; otherwise it is closed.
// It reports whether the connection was pooled.
func (l *Lease) Release(reusable bool) bool {
	if !l.done.CompareAndSwap(false, true) {
		return false
	}
	return l.pool.Release(l.key, l.entry, reusable && !l.conn.Broken())
}

// Abort interrupts in-flight I/O and discards the connection. It does
// nothing once the lease has been released, since the connection may already
// belong to another caller.
func (l *Lease) Abort() {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	l.conn.Abort()
	l.pool.Release(l.key, l.entry, false)
}
