package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kroma-labs/courier-go/httpclient/body"
)

// Response is the final response of a logical request.
//
// The body is a Streamed body bound to the connection it arrives on: it can
// be consumed once, through Body, Bytes, Text, Decode or CopyTo. Bytes
// caches what it read, so Text and Decode may follow it. Reading the body
// to EOF returns the connection to the pool; Close discards the rest.
//
// Example:
//
//	var users []User
//	resp, err := client.Request("GetUsers").
//	    Decode(&users).
//	    Get(ctx, "/users")
//	if err != nil {
//	    return err
//	}
//	defer resp.Close()
//
//	if err := resp.ErrorForStatus(); err != nil {
//	    return err
//	}
type Response struct {
	// Response embeds the http.Response of the final attempt.
	//
	// Example: resp.StatusCode, resp.Header.Get("Content-Type")
	*http.Response

	op        string
	url       *url.URL
	redirects []*url.URL
	stream    *body.Body
	codec     Codec

	mu     sync.Mutex
	cached []byte
	read   bool

	result      any
	errorResult any
	curlCommand string
	traceInfo   *TraceInfo
}

func newResponse(resp *http.Response, op string, final *url.URL, chain []*url.URL, codec Codec) *Response {
	length := resp.ContentLength
	if length < 0 {
		length = -1
	}
	return &Response{
		Response:  resp,
		op:        op,
		url:       final,
		redirects: chain,
		stream:    body.StreamedLen(resp.Body, length),
		codec:     codec,
	}
}

// URL returns the URL of the final attempt, after redirects.
func (r *Response) URL() *url.URL {
	u := *r.url
	return &u
}

// Redirects returns the URLs that were redirected, in order.
func (r *Response) Redirects() []*url.URL {
	return slices.Clone(r.redirects)
}

// Body returns the response body as a Streamed body. Consuming it twice
// fails with ErrAlreadyConsumed from the body package.
func (r *Response) Body() *body.Body {
	return r.stream
}

// Bytes reads the whole body and caches it.
func (r *Response) Bytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.read {
		return r.cached, nil
	}

	rc, err := r.stream.Open()
	if err != nil {
		return nil, r.bodyError(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, r.bodyError(err)
	}
	r.cached, r.read = data, true
	return data, nil
}

// Text returns the body as a string.
func (r *Response) Text() (string, error) {
	data, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode decodes the body into v: XML media types with XMLCodec, anything
// else with the client codec. Failures are KindDecode errors.
func (r *Response) Decode(v any) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	return r.decodeInto(data, v)
}

func (r *Response) decodeInto(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := codecFor(r.Header.Get("Content-Type"), r.codec).Unmarshal(data, v); err != nil {
		return &Error{
			Kind:      KindDecode,
			Op:        r.op,
			Method:    r.method(),
			URL:       r.url.String(),
			Redirects: urlStrings(r.redirects),
			Err:       err,
		}
	}
	return nil
}

// CopyTo streams the body into w and returns the bytes written.
//
// Example:
//
//	resp, err := client.Request("Download").Get(ctx, "/archive.tar.gz")
//	if err != nil {
//	    return err
//	}
//	_, err = resp.CopyTo(file)
func (r *Response) CopyTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	if r.read {
		data := r.cached
		r.mu.Unlock()
		n, err := w.Write(data)
		return int64(n), err
	}
	r.mu.Unlock()

	rc, err := r.stream.Open()
	if err != nil {
		return 0, r.bodyError(err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, r.bodyError(err)
	}
	return n, nil
}

// Close releases the body. An unread body discards its connection.
func (r *Response) Close() error {
	if r.Response == nil || r.Response.Body == nil {
		return nil
	}
	return r.Response.Body.Close()
}

// ErrorForStatus returns a KindStatus error for 4xx and 5xx responses and
// nil otherwise. The body is left untouched.
func (r *Response) ErrorForStatus() error {
	if r.StatusCode < http.StatusBadRequest {
		return nil
	}
	return &Error{
		Kind:       KindStatus,
		Op:         r.op,
		Method:     r.method(),
		URL:        r.url.String(),
		Redirects:  urlStrings(r.redirects),
		StatusCode: r.StatusCode,
	}
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsClientError reports a 4xx status.
func (r *Response) IsClientError() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}

// IsServerError reports a 5xx status.
func (r *Response) IsServerError() bool {
	return r.StatusCode >= 500
}

// Result returns the Decode target of the request, filled for 2xx responses.
func (r *Response) Result() any {
	return r.result
}

// ErrorResult returns the DecodeError target, filled for 4xx and 5xx
// responses.
func (r *Response) ErrorResult() any {
	return r.errorResult
}

// CurlCommand returns a cURL command reproducing the final attempt, set with
// WithGenerateCurl.
func (r *Response) CurlCommand() string {
	return r.curlCommand
}

// TraceInfo returns the timings collected with EnableTrace or WithTrace.
func (r *Response) TraceInfo() *TraceInfo {
	return r.traceInfo
}

// decodeTargets fills the Decode or DecodeError target. Other statuses
// leave the body unread.
func (r *Response) decodeTargets(result, errorResult any) error {
	r.result, r.errorResult = result, errorResult
	var target any
	switch {
	case r.IsSuccess():
		target = result
	case r.StatusCode >= http.StatusBadRequest:
		target = errorResult
	}
	if target == nil {
		return nil
	}
	return r.Decode(target)
}

func (r *Response) method() string {
	if r.Request != nil {
		return r.Request.Method
	}
	return ""
}

// bodyError wraps a body failure in an *Error of the matching kind.
func (r *Response) bodyError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	kind := KindRequest
	switch {
	case errors.Is(err, body.ErrAlreadyConsumed):
		kind = KindBodyAlreadyConsumed
	case errors.Is(err, errRequestTimeout):
		kind = KindTimeout
	case r.Request != nil:
		kind = classify(r.Request.Context(), err)
	}
	return &Error{
		Kind:      kind,
		Op:        r.op,
		Method:    r.method(),
		URL:       r.url.String(),
		Redirects: urlStrings(r.redirects),
		Err:       err,
	}
}

// TraceInfo holds the phase timings of a logical request. Connection phases
// describe the final attempt; zero durations mean the phase did not happen,
// such as DNS and dialing on a reused connection.
//
// Example:
//
//	resp, err := client.Request("GetUser").
//	    EnableTrace().
//	    Get(ctx, "/users/1")
//	if err == nil {
//	    fmt.Println(resp.TraceInfo())
//	}
type TraceInfo struct {
	DNSLookup    time.Duration
	ConnTime     time.Duration
	TLSHandshake time.Duration
	// ServerTime runs from the request being written to the first response
	// byte.
	ServerTime time.Duration
	// TotalTime runs from the start of the logical request to the final
	// response headers.
	TotalTime time.Duration

	ConnReused bool
	RemoteAddr string
	Attempts   int
	Redirects  int
}

// String formats the timings one per line.
func (t *TraceInfo) String() string {
	if t == nil {
		return "TraceInfo: not collected"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "DNS Lookup:    %s\n", t.DNSLookup)
	fmt.Fprintf(&b, "TCP Connect:   %s\n", t.ConnTime)
	fmt.Fprintf(&b, "TLS Handshake: %s\n", t.TLSHandshake)
	fmt.Fprintf(&b, "Server Time:   %s\n", t.ServerTime)
	fmt.Fprintf(&b, "Total Time:    %s\n", t.TotalTime)
	fmt.Fprintf(&b, "Conn Reused:   %t\n", t.ConnReused)
	fmt.Fprintf(&b, "Attempts:      %d\n", t.Attempts)
	fmt.Fprintf(&b, "Redirects:     %d", t.Redirects)
	return b.String()
}
