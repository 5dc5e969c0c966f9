package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
)

// Engine sends one request over a leased connection and returns the
// response headers. The response body stays on the connection; the caller
// reads it and decides whether the connection may be reused.
type Engine interface {
	RoundTrip(ctx context.Context, conn *Conn, req *http.Request) (*http.Response, error)
}

// HTTP1 is the default Engine. It speaks HTTP/1.x using net/http's wire
// codec over the connection's persistent buffers.
//
// Context cancellation while waiting for the response headers aborts the
// connection. Once the headers are returned, cancellation during the body
// phase is the caller's responsibility.
type HTTP1 struct{}

// RoundTrip implements Engine.
func (HTTP1) RoundTrip(ctx context.Context, conn *Conn, req *http.Request) (*http.Response, error) {
	trace := httptrace.ContextClientTrace(ctx)

	stop := context.AfterFunc(ctx, conn.Abort)
	defer stop()

	if conn.forward {
		r := *req
		r.Header = req.Header.Clone()
		if conn.proxyAuth != "" {
			r.Header.Set("Proxy-Authorization", conn.proxyAuth)
		}
		req = &r
	}

	err := writeRequest(conn, req)
	if trace != nil && trace.WroteRequest != nil {
		trace.WroteRequest(httptrace.WroteRequestInfo{Err: err})
	}
	if err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("%w: write: %w", ErrNoResponse, err))
	}

	if _, err = conn.br.Peek(1); err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("%w: %w", ErrNoResponse, err))
	}
	if trace != nil && trace.GotFirstResponseByte != nil {
		trace.GotFirstResponseByte()
	}

	for {
		resp, err := http.ReadResponse(conn.br, req)
		if err != nil {
			return nil, ctxErr(ctx, fmt.Errorf("read response: %w", err))
		}
		if resp.StatusCode < 100 || resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			if !stop() {
				_ = resp.Body.Close()
				return nil, ctx.Err()
			}
			return resp, nil
		}
		if trace != nil && trace.Got1xxResponse != nil {
			if err := trace.Got1xxResponse(resp.StatusCode, textproto.MIMEHeader(resp.Header)); err != nil {
				return nil, err
			}
		}
	}
}

func writeRequest(conn *Conn, req *http.Request) error {
	var err error
	if conn.forward {
		err = req.WriteProxy(conn.bw)
	} else {
		err = req.Write(conn.bw)
	}
	if err != nil {
		return err
	}
	return conn.bw.Flush()
}
