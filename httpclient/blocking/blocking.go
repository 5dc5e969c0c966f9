// Package blocking exposes an httpclient.Client to callers that need a plain
// synchronous call.
//
// Every call is submitted as a task to a background context owned by the
// Client and the caller waits for the outcome. When the wait exceeds the
// bridge timeout the task is canceled: its connection is discarded and any
// late response is closed.
//
// Example:
//
//	c := blocking.New(httpclient.WithBaseURL("https://api.example.com"))
//	defer c.Close()
//
//	resp, err := c.Get("https://api.example.com/health")
//	if err != nil {
//	    return err
//	}
//	defer resp.Close()
//	text, err := resp.Text()
package blocking

import (
	"context"
	"errors"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/kroma-labs/courier-go/httpclient"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("blocking: client closed")

// errBridgeTimeout is the cancellation cause of a task that outlived the
// bridge timeout.
var errBridgeTimeout = errors.New("blocking: bridge timeout")

// Client runs requests of an httpclient.Client on its own background context.
// It is safe for concurrent use.
type Client struct {
	inner *httpclient.Client

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	submit chan *task
	// dispatched is closed when the dispatcher has stopped accepting tasks.
	dispatched chan struct{}
}

type task struct {
	ctx     context.Context
	req     *httpclient.Request
	results chan result
}

type result struct {
	resp *httpclient.Response
	err  error
}

// New creates a Client backed by httpclient.New(opts...). The total timeout
// of the underlying client is also the bridge timeout.
func New(opts ...httpclient.Option) *Client {
	return Wrap(httpclient.New(opts...))
}

// Wrap creates a Client that runs requests through inner.
func Wrap(inner *httpclient.Client) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	c := &Client{
		inner:      inner,
		ctx:        gctx,
		cancel:     cancel,
		group:      g,
		submit:     make(chan *task),
		dispatched: make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Inner returns the wrapped httpclient.Client.
func (c *Client) Inner() *httpclient.Client {
	return c.inner
}

func (c *Client) dispatch() {
	defer close(c.dispatched)
	for {
		select {
		case <-c.ctx.Done():
			return
		case t := <-c.submit:
			c.group.Go(func() error {
				c.run(t)
				return nil
			})
		}
	}
}

// run executes t and hands the outcome to the waiting caller. A response
// nobody waits for anymore is closed. The task context stays alive until
// the caller releases the response, so the body can still be read.
func (c *Client) run(t *task) {
	resp, err := c.inner.Execute(t.ctx, t.req)
	select {
	case t.results <- result{resp: resp, err: err}:
		if err == nil {
			<-t.ctx.Done()
		}
	case <-t.ctx.Done():
		if resp != nil {
			_ = resp.Close()
		}
	}
}

// Do runs req and blocks until the response headers arrive, the request
// fails, or the bridge timeout expires. The per-request timeout, when set,
// replaces the client timeout.
func (c *Client) Do(req *httpclient.Request) (*Response, error) {
	if req == nil {
		return nil, &httpclient.Error{Kind: httpclient.KindBuilder, Err: errors.New("nil request")}
	}
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}

	timeout := c.inner.Timeout()
	if req.Timeout() > 0 {
		timeout = req.Timeout()
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(c.ctx, timeout, errBridgeTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.ctx)
	}

	t := &task{ctx: ctx, req: req, results: make(chan result)}
	select {
	case c.submit <- t:
	case <-c.dispatched:
		cancel()
		return nil, ErrClosed
	}

	select {
	case r := <-t.results:
		if r.err != nil {
			cancel()
			return nil, c.translate(ctx, r.err)
		}
		return &Response{Response: r.resp, release: cancel}, nil
	case <-ctx.Done():
		cancel()
		return nil, c.abandoned(ctx, req)
	}
}

// abandoned builds the error of a task the caller stopped waiting for.
func (c *Client) abandoned(ctx context.Context, req *httpclient.Request) error {
	cause := context.Cause(ctx)
	if !errors.Is(cause, errBridgeTimeout) && c.ctx.Err() != nil {
		return ErrClosed
	}
	return &httpclient.Error{
		Kind:   httpclient.KindTimeout,
		Op:     req.Operation(),
		Method: req.Method(),
		URL:    req.URL().String(),
		Err:    cause,
	}
}

// translate maps failures caused by Close to ErrClosed.
func (c *Client) translate(ctx context.Context, err error) error {
	if c.ctx.Err() != nil && !errors.Is(context.Cause(ctx), errBridgeTimeout) {
		return errors.Join(ErrClosed, err)
	}
	return err
}

// Get runs a GET for rawURL, which must be absolute.
func (c *Client) Get(rawURL string) (*Response, error) {
	req, err := httpclient.NewRequest(http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Request starts a builder for operationName. Builder methods modify it in
// place, so Send can follow a chain of them.
//
// Example:
//
//	rb := c.Request("CreateUser")
//	rb.Method(http.MethodPost).Path("/users").Body(user)
//	resp, err := rb.Send()
func (c *Client) Request(operationName string) *RequestBuilder {
	return &RequestBuilder{RequestBuilder: c.inner.Request(operationName), client: c}
}

// Close stops accepting requests, cancels in-flight ones and waits for
// their tasks to finish. Responses still open become unreadable.
func (c *Client) Close() error {
	c.cancel()
	<-c.dispatched
	return c.group.Wait()
}

// RequestBuilder is an httpclient.RequestBuilder whose Send blocks.
type RequestBuilder struct {
	*httpclient.RequestBuilder
	client *Client
}

// Send builds the request and runs it with Client.Do.
func (rb *RequestBuilder) Send() (*Response, error) {
	req, err := rb.Build()
	if err != nil {
		return nil, err
	}
	return rb.client.Do(req)
}

// Response is an httpclient.Response whose body is read under the task that
// produced it. Close, or reading the body to completion, ends the task.
type Response struct {
	*httpclient.Response
	release context.CancelFunc
}

// Bytes reads the whole body and ends the task.
func (r *Response) Bytes() ([]byte, error) {
	defer r.release()
	return r.Response.Bytes()
}

// Text reads the whole body as a string and ends the task.
func (r *Response) Text() (string, error) {
	defer r.release()
	return r.Response.Text()
}

// Decode reads the whole body into v and ends the task.
func (r *Response) Decode(v any) error {
	defer r.release()
	return r.Response.Decode(v)
}

// CopyTo streams the body into w and ends the task.
func (r *Response) CopyTo(w io.Writer) (int64, error) {
	defer r.release()
	return r.Response.CopyTo(w)
}

// Close releases the body and ends the task.
func (r *Response) Close() error {
	err := r.Response.Close()
	r.release()
	return err
}
