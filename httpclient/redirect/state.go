package redirect

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/kroma-labs/courier-go/httpclient/body"
)

// State is the redirect-relevant part of one logical request: what the next
// attempt sends and how much budget remains. States are values; Next never
// modifies its input.
type State struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   *body.Body

	// Remaining is the number of redirects that may still be followed.
	Remaining int

	policy  Policy
	chain   []*url.URL
	visited map[string]struct{}
	referer bool
}

// NewState creates the state of a logical request before its first attempt.
func NewState(method string, u *url.URL, header http.Header, b *body.Body, policy Policy) *State {
	if header == nil {
		header = make(http.Header)
	}
	return &State{
		Method:    method,
		URL:       u,
		Header:    header,
		Body:      b,
		Remaining: policy.max,
		policy:    policy,
		visited:   map[string]struct{}{visitKey(u): {}},
	}
}

// WithReferer returns s with Referer propagation enabled or disabled.
func (s *State) WithReferer(enabled bool) *State {
	s.referer = enabled
	return s
}

// Chain returns the URLs of the attempts made before the current one, in
// order.
func (s *State) Chain() []*url.URL {
	return slices.Clone(s.chain)
}

// Followed returns the number of redirects followed so far.
func (s *State) Followed() int {
	return len(s.chain)
}

// Policy returns the policy the state was created with.
func (s *State) Policy() Policy {
	return s.policy
}

// Next decides what happens after the current attempt received r.
//
// Checks run in this order: not a redirect, policy disabled, invalid
// Location, hop budget, loop, predicate, then method and body mapping.
func Next(s *State, r Response) Decision {
	if !IsRedirect(r.StatusCode) {
		return Decision{Action: Stop}
	}
	loc := r.Header.Get("Location")
	if loc == "" || !s.policy.follow {
		return Decision{Action: Stop}
	}

	target, err := s.URL.Parse(loc)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Decision{Action: Fail, Err: ErrInvalidLocation}
	}
	if s.Remaining <= 0 {
		return Decision{Action: Fail, Err: ErrTooManyRedirects, Location: target}
	}
	if _, seen := s.visited[visitKey(target)]; seen {
		return Decision{Action: Fail, Err: ErrLoop, Location: target}
	}

	chain := append(slices.Clone(s.chain), s.URL)
	if s.policy.predicate != nil {
		ok := s.policy.predicate(Attempt{
			StatusCode: r.StatusCode,
			Next:       target,
			Previous:   slices.Clone(chain),
		})
		if !ok {
			return Decision{Action: Stop, Location: target}
		}
	}

	next := &State{
		Method:    s.Method,
		URL:       target,
		Header:    s.Header.Clone(),
		Body:      s.Body,
		Remaining: s.Remaining - 1,
		policy:    s.policy,
		chain:     chain,
		visited:   make(map[string]struct{}, len(s.visited)+1),
		referer:   s.referer,
	}
	for k := range s.visited {
		next.visited[k] = struct{}{}
	}
	next.visited[visitKey(target)] = struct{}{}

	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound:
		if s.Method != http.MethodGet && s.Method != http.MethodHead {
			next.Method = http.MethodGet
			next.dropBody()
		}
	case http.StatusSeeOther:
		if s.Method != http.MethodHead {
			next.Method = http.MethodGet
		}
		next.dropBody()
	default:
		if !s.Body.Replayable() {
			return Decision{Action: Fail, Err: ErrRequiresReplayableBody, Location: target}
		}
	}

	if !sameOrigin(s.URL, target) {
		for _, h := range sensitiveHeaders {
			next.Header.Del(h)
		}
	}

	next.Header.Del("Referer")
	if s.referer {
		if ref := referer(s.URL, target); ref != "" {
			next.Header.Set("Referer", ref)
		}
	}

	return Decision{Action: Follow, Next: next, Location: target}
}

func (s *State) dropBody() {
	s.Body = nil
	for _, h := range bodyHeaders {
		s.Header.Del(h)
	}
}

// visitKey identifies a URL for loop detection. Fragments never reach the
// server and are ignored. An explicit default port names the same URL as
// none.
func visitKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.TrimSuffix(strings.ToLower(c.Host), ":")
	if p := c.Port(); p != "" && p == defaultPort(c.Scheme) {
		c.Host = strings.TrimSuffix(c.Host, ":"+p)
	}
	return c.String()
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

// referer returns the Referer value for a hop from prev to next, or "" when
// none may be sent.
func referer(prev, next *url.URL) string {
	if strings.EqualFold(prev.Scheme, "https") && strings.EqualFold(next.Scheme, "http") {
		return ""
	}
	r := *prev
	r.User = nil
	r.Fragment = ""
	r.RawFragment = ""
	return r.String()
}
