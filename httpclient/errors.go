package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sony/gobreaker/v2"

	"github.com/kroma-labs/courier-go/httpclient/body"
	"github.com/kroma-labs/courier-go/httpclient/connector"
	"github.com/kroma-labs/courier-go/httpclient/redirect"
)

// Kind classifies a failed logical request.
type Kind int

const (
	// KindRequest is an engine failure while sending the request or reading
	// the response headers.
	KindRequest Kind = iota
	// KindBuilder is an invalid request detected before any network activity.
	KindBuilder
	// KindConnect is a resolution, dial, or proxy failure.
	KindConnect
	// KindTLSHandshake is a failed TLS handshake.
	KindTLSHandshake
	// KindTimeout is an exceeded total or per-attempt timeout.
	KindTimeout
	// KindTooManyRedirects is an exhausted redirect hop budget.
	KindTooManyRedirects
	// KindInvalidRedirectLocation is a Location header that is not a usable
	// http or https URL.
	KindInvalidRedirectLocation
	// KindRedirectRequiresReplayableBody is a 307/308 that would resend a
	// streamed body.
	KindRedirectRequiresReplayableBody
	// KindBodyAlreadyConsumed is a second read of a streamed body.
	KindBodyAlreadyConsumed
	// KindDecode is a response body that could not be decoded.
	KindDecode
	// KindRedirectPolicy is a redirect rejected by the policy, such as a loop.
	KindRedirectPolicy
	// KindCanceled is a logical request canceled by its caller.
	KindCanceled
	// KindStatus is a 4xx or 5xx status surfaced by Response.ErrorForStatus.
	KindStatus
	// KindCircuitOpen is an attempt rejected by the circuit breaker.
	KindCircuitOpen
	// KindRateLimited is an attempt rejected by the client rate limiter.
	KindRateLimited
)

var kindNames = map[Kind]string{
	KindRequest:                        "request",
	KindBuilder:                        "builder",
	KindConnect:                        "connect",
	KindTLSHandshake:                   "tls handshake",
	KindTimeout:                        "timeout",
	KindTooManyRedirects:               "too many redirects",
	KindInvalidRedirectLocation:        "invalid redirect location",
	KindRedirectRequiresReplayableBody: "redirect requires replayable body",
	KindBodyAlreadyConsumed:            "body already consumed",
	KindDecode:                         "decode",
	KindRedirectPolicy:                 "redirect policy",
	KindCanceled:                       "canceled",
	KindStatus:                         "status",
	KindCircuitOpen:                    "circuit open",
	KindRateLimited:                    "rate limited",
}

// String returns the kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// kindError is the sentinel type matched by Error.Is.
type kindError Kind

func (k kindError) Error() string { return "httpclient: " + Kind(k).String() }

// Sentinels matching every Error of the corresponding kind with errors.Is.
//
// Example:
//
//	resp, err := client.Request("GetUser").Get(ctx, "/users/1")
//	switch {
//	case errors.Is(err, httpclient.ErrTimeout):
//	    // retry later
//	case errors.Is(err, httpclient.ErrTooManyRedirects):
//	    // misconfigured upstream
//	}
var (
	ErrRequest                        error = kindError(KindRequest)
	ErrBuilder                        error = kindError(KindBuilder)
	ErrConnect                        error = kindError(KindConnect)
	ErrTLSHandshake                   error = kindError(KindTLSHandshake)
	ErrTimeout                        error = kindError(KindTimeout)
	ErrTooManyRedirects               error = kindError(KindTooManyRedirects)
	ErrInvalidRedirectLocation        error = kindError(KindInvalidRedirectLocation)
	ErrRedirectRequiresReplayableBody error = kindError(KindRedirectRequiresReplayableBody)
	ErrBodyAlreadyConsumed            error = kindError(KindBodyAlreadyConsumed)
	ErrDecode                         error = kindError(KindDecode)
	ErrRedirectPolicy                 error = kindError(KindRedirectPolicy)
	ErrCanceled                       error = kindError(KindCanceled)
	ErrStatus                         error = kindError(KindStatus)
	ErrCircuitOpen                    error = kindError(KindCircuitOpen)
	ErrRateLimited                    error = kindError(KindRateLimited)
)

var (
	errRequestTimeout = errors.New("request timeout exceeded")
	errAttemptTimeout = errors.New("attempt timeout exceeded")
)

// Error is the error returned by every operation of the client.
//
// The underlying cause (a *connector.ConnectError, a context error, a
// redirect error, ...) is available through errors.As / errors.Unwrap.
type Error struct {
	Kind Kind

	// Op is the operation name given to Client.Request.
	Op string

	Method string

	// URL is the last URL the logical request targeted.
	URL string

	// Redirects lists the URLs of the attempts that were redirected before
	// the failure, in order.
	Redirects []string

	// StatusCode is set for KindStatus errors.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("httpclient: ")
	b.WriteString(e.Kind.String())
	if e.Method != "" || e.URL != "" {
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(e.Method + " " + e.URL))
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " (%s)", e.Op)
	}
	if n := len(e.Redirects); n > 0 {
		fmt.Fprintf(&b, " after %d redirect(s)", n)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && Kind(k) == e.Kind
}

// Timeout reports whether the error is a timeout, including connect
// timeouts that keep KindConnect.
func (e *Error) Timeout() bool {
	if e.Kind == KindTimeout {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

func builderError(op string, err error) *Error {
	return &Error{Kind: KindBuilder, Op: op, Err: err}
}

// classify maps a failure of the attempt pipeline to its Kind. ctx is the
// logical request context.
func classify(ctx context.Context, err error) Kind {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(ctxErr, context.Canceled):
		return KindCanceled
	}

	var (
		tlsErr  *connector.TLSError
		connErr *connector.ConnectError
	)
	switch {
	case errors.Is(err, errAttemptTimeout):
		return KindTimeout
	case errors.As(err, &tlsErr):
		return KindTLSHandshake
	case errors.As(err, &connErr):
		return KindConnect
	case errors.Is(err, body.ErrAlreadyConsumed):
		return KindBodyAlreadyConsumed
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return KindCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindRequest
	}
}

// redirectKind maps a redirect.Next failure to its Kind.
func redirectKind(err error) Kind {
	switch {
	case errors.Is(err, redirect.ErrTooManyRedirects):
		return KindTooManyRedirects
	case errors.Is(err, redirect.ErrInvalidLocation):
		return KindInvalidRedirectLocation
	case errors.Is(err, redirect.ErrRequiresReplayableBody):
		return KindRedirectRequiresReplayableBody
	default:
		return KindRedirectPolicy
	}
}

func urlStrings(urls []*url.URL) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = u.String()
	}
	return out
}
