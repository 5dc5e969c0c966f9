// Package redirect decides how a logical request proceeds after a response.
//
// The package is pure: Next inspects the current State and a response and
// returns a Decision without performing I/O. The client core owns the loop
// that sends attempts and feeds responses back in.
//
// Example:
//
//	state := redirect.NewState(http.MethodGet, u, header, nil, redirect.Default())
//	for {
//	    resp := send(state)
//	    d := redirect.Next(state, redirect.Response{StatusCode: resp.StatusCode, Header: resp.Header})
//	    switch d.Action {
//	    case redirect.Stop:
//	        return resp, nil
//	    case redirect.Fail:
//	        return nil, d.Err
//	    }
//	    state = d.Next
//	}
package redirect

import (
	"errors"
	"net/http"
	"net/url"
)

// DefaultMax is the hop budget of the default policy.
const DefaultMax = 10

var (
	// ErrTooManyRedirects is returned when the hop budget is exhausted.
	ErrTooManyRedirects = errors.New("redirect: too many redirects")

	// ErrInvalidLocation is returned when a Location header cannot be
	// resolved to an http or https URL.
	ErrInvalidLocation = errors.New("redirect: invalid location")

	// ErrRequiresReplayableBody is returned when a 307 or 308 must resend a
	// body that can only be read once.
	ErrRequiresReplayableBody = errors.New("redirect: body cannot be replayed")

	// ErrLoop is returned when a redirect targets a URL already visited in
	// the same logical request.
	ErrLoop = errors.New("redirect: loop detected")
)

// headers removed when a redirect crosses origins.
var sensitiveHeaders = []string{
	"Authorization",
	"Cookie",
	"Cookie2",
	"Proxy-Authorization",
	"WWW-Authenticate",
}

// headers describing a body, removed when the body is dropped.
var bodyHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
	"Transfer-Encoding",
}

// Attempt describes a redirect about to be followed. Predicates receive it.
type Attempt struct {
	StatusCode int
	Next       *url.URL
	Previous   []*url.URL
}

// Predicate decides whether a redirect may be followed. Returning false stops
// the redirect chain and hands the redirect response to the caller.
type Predicate func(Attempt) bool

// Policy controls redirect following.
type Policy struct {
	max       int
	follow    bool
	predicate Predicate
}

// Default follows up to DefaultMax redirects.
func Default() Policy {
	return Policy{max: DefaultMax, follow: true}
}

// Limited follows up to n redirects.
func Limited(n int) Policy {
	if n < 0 {
		n = 0
	}
	return Policy{max: n, follow: true}
}

// None never follows redirects. Redirect responses are returned as-is.
func None() Policy {
	return Policy{}
}

// Custom follows up to DefaultMax redirects approved by fn.
func Custom(fn Predicate) Policy {
	return Default().WithPredicate(fn)
}

// WithPredicate returns a copy of p that also consults fn. The hop budget is
// checked before fn is called.
func (p Policy) WithPredicate(fn Predicate) Policy {
	p.predicate = fn
	return p
}

// Max returns the hop budget.
func (p Policy) Max() int { return p.max }

// Follows reports whether the policy follows redirects at all.
func (p Policy) Follows() bool { return p.follow }

// IsRedirect reports whether status is a redirect the engine acts on.
func IsRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Response is the part of a response the engine inspects.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Action is the outcome kind of a Decision.
type Action int

const (
	// Stop hands the current response to the caller.
	Stop Action = iota
	// Follow sends the next attempt described by Decision.Next.
	Follow
	// Fail ends the logical request with Decision.Err.
	Fail
)

func (a Action) String() string {
	switch a {
	case Stop:
		return "stop"
	case Follow:
		return "follow"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is the result of Next.
type Decision struct {
	Action Action
	Next   *State
	Err    error
	// Location is the resolved redirect target, set for Follow and for
	// failures that happened after the Location header was parsed.
	Location *url.URL
}
