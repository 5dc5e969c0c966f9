package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
)

// MockTransport answers attempts from stubs instead of the network. It
// replaces the connector and engine, so redirects, cookies, retries and
// decoding still run against the stubbed responses.
//
// Example:
//
//	mock := httpclient.NewMockTransport().
//	    StubRedirect("/old", http.StatusFound, "/new").
//	    StubPath("/new", http.StatusOK, `{"id":1}`)
//	client := httpclient.New(
//	    httpclient.WithBaseURL("https://api.test"),
//	    httpclient.WithMockTransport(mock),
//	)
type MockTransport struct {
	mu       sync.RWMutex
	stubs    []stub
	fallback *stub
	requests []RecordedRequest
	hook     func(*http.Request)
}

// MockResponse describes a stubbed response.
type MockResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RecordedRequest is an attempt seen by a MockTransport. Body holds what
// the client sent.
type RecordedRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

type stub struct {
	match func(*http.Request) bool
	resp  MockResponse
	err   error
	times int // remaining uses, 0 for unlimited
}

// NewMockTransport creates a MockTransport without stubs.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// WithMockTransport sends every attempt to mock.
func WithMockTransport(mock *MockTransport) Option {
	return func(cfg *internalConfig) {
		cfg.MockTransport = mock
	}
}

// StubResponse answers every unmatched attempt with statusCode and body.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &stub{resp: MockResponse{StatusCode: statusCode, Body: []byte(body)}}
	return m
}

// StubError fails every unmatched attempt with err.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &stub{err: err}
	return m
}

// StubPath answers attempts for path.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.StubFunc(pathMatcher(path), statusCode, body)
}

// StubPathRegex answers attempts whose path matches pattern.
func (m *MockTransport) StubPathRegex(pattern string, statusCode int, body string) *MockTransport {
	re := regexp.MustCompile(pattern)
	return m.StubFunc(func(req *http.Request) bool {
		return re.MatchString(req.URL.Path)
	}, statusCode, body)
}

// StubHost answers attempts for host, such as "b.test" or "b.test:8080".
func (m *MockTransport) StubHost(host string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.URL.Host == host
	}, statusCode, body)
}

// StubMethod answers attempts with method.
func (m *MockTransport) StubMethod(method string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.Method == method
	}, statusCode, body)
}

// StubRedirect answers attempts for path with a redirect to location.
func (m *MockTransport) StubRedirect(path string, statusCode int, location string) *MockTransport {
	return m.Stub(pathMatcher(path), MockResponse{
		StatusCode: statusCode,
		Header:     http.Header{"Location": {location}},
	})
}

// StubFunc answers attempts matching fn.
func (m *MockTransport) StubFunc(fn func(*http.Request) bool, statusCode int, body string) *MockTransport {
	return m.Stub(fn, MockResponse{StatusCode: statusCode, Body: []byte(body)})
}

// StubFuncError fails attempts matching fn with err.
func (m *MockTransport) StubFuncError(fn func(*http.Request) bool, err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{match: fn, err: err})
	return m
}

// Stub answers attempts matching fn with resp.
func (m *MockTransport) Stub(fn func(*http.Request) bool, resp MockResponse) *MockTransport {
	return m.StubTimes(fn, 0, resp)
}

// StubTimes answers the next n attempts matching fn with resp. Later
// attempts fall through to the next stub.
func (m *MockTransport) StubTimes(fn func(*http.Request) bool, n int, resp MockResponse) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{match: fn, resp: resp, times: n})
	return m
}

// OnRequest calls fn with every attempt before it is answered.
func (m *MockTransport) OnRequest(fn func(*http.Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
	return m
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := RecordedRequest{Method: req.Method, URL: req.URL, Header: req.Header.Clone()}
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		rec.Body = b
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	hook := m.hook
	s, ok := m.match(req)
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("mock transport: no stub for %s %s", req.Method, req.URL)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp.build(req), nil
}

// match returns the first usable stub. m.mu must be held.
func (m *MockTransport) match(req *http.Request) (stub, bool) {
	for i := range m.stubs {
		s := &m.stubs[i]
		if s.times < 0 || !s.match(req) {
			continue
		}
		if s.times > 0 {
			s.times--
			if s.times == 0 {
				s.times = -1
			}
		}
		return *s, true
	}
	if m.fallback != nil {
		return *m.fallback, true
	}
	return stub{}, false
}

func (r MockResponse) build(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	return &http.Response{
		Status:        strconv.Itoa(r.StatusCode) + " " + http.StatusText(r.StatusCode),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Requests returns the recorded attempts in order.
func (m *MockTransport) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of attempts seen.
func (m *MockTransport) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// LastRequest returns the latest attempt.
func (m *MockTransport) LastRequest() (RecordedRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return RecordedRequest{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// Reset drops stubs, hooks and recorded attempts.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = nil
	m.fallback = nil
	m.requests = nil
	m.hook = nil
}

func pathMatcher(path string) func(*http.Request) bool {
	return func(req *http.Request) bool { return req.URL.Path == path }
}
