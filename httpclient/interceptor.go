package httpclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// RequestInterceptor edits the request of a logical request before its first
// attempt. It runs once: redirect hops and retries reuse the result, and the
// redirect engine may still strip credentials it added when the origin
// changes.
//
// Common uses:
//   - credentials (Bearer tokens, API keys)
//   - correlation IDs
//   - headers derived from the request context
type RequestInterceptor func(req *http.Request) error

// ResponseInterceptor inspects the final response of a logical request.
// Redirect responses that were followed are not seen. A returned error fails
// the logical request and closes the response.
type ResponseInterceptor func(resp *http.Response, req *http.Request) error

// InterceptorChain runs interceptors in the order they were added.
type InterceptorChain struct {
	request  []RequestInterceptor
	response []ResponseInterceptor
}

// NewInterceptorChain creates an empty chain.
func NewInterceptorChain() *InterceptorChain {
	return &InterceptorChain{}
}

// AddRequestInterceptor appends i.
func (c *InterceptorChain) AddRequestInterceptor(i RequestInterceptor) {
	c.request = append(c.request, i)
}

// AddResponseInterceptor appends i.
func (c *InterceptorChain) AddResponseInterceptor(i ResponseInterceptor) {
	c.response = append(c.response, i)
}

// Len returns the number of request and response interceptors.
func (c *InterceptorChain) Len() (request, response int) {
	return len(c.request), len(c.response)
}

// ApplyRequestInterceptors runs the request interceptors and stops at the
// first error.
func (c *InterceptorChain) ApplyRequestInterceptors(req *http.Request) error {
	for i, fn := range c.request {
		if err := fn(req); err != nil {
			return fmt.Errorf("request interceptor %d: %w", i, err)
		}
	}
	return nil
}

// ApplyResponseInterceptors runs the response interceptors and stops at the
// first error.
func (c *InterceptorChain) ApplyResponseInterceptors(resp *http.Response, req *http.Request) error {
	for i, fn := range c.response {
		if err := fn(resp, req); err != nil {
			return fmt.Errorf("response interceptor %d: %w", i, err)
		}
	}
	return nil
}

// HeaderInterceptor sets key to value.
func HeaderInterceptor(key, value string) RequestInterceptor {
	return func(req *http.Request) error {
		req.Header.Set(key, value)
		return nil
	}
}

// BearerTokenInterceptor sets a Bearer Authorization header from token,
// called with the request context for every logical request.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithRequestInterceptor(httpclient.BearerTokenInterceptor(
//	        func(ctx context.Context) (string, error) { return tokens.Get(ctx) },
//	    )),
//	)
func BearerTokenInterceptor(token func(ctx context.Context) (string, error)) RequestInterceptor {
	return func(req *http.Request) error {
		t, err := token(req.Context())
		if err != nil {
			return fmt.Errorf("bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+t)
		return nil
	}
}

// BasicAuthInterceptor sets Basic credentials.
func BasicAuthInterceptor(username, password string) RequestInterceptor {
	return func(req *http.Request) error {
		req.SetBasicAuth(username, password)
		return nil
	}
}

// RequestIDInterceptor sets header to a random UUID unless the request
// already carries one. Clients install it for DefaultRequestIDHeader unless
// WithRequestIDHeader("") is given.
func RequestIDInterceptor(header string) RequestInterceptor {
	return func(req *http.Request) error {
		if req.Header.Get(header) == "" {
			req.Header.Set(header, uuid.NewString())
		}
		return nil
	}
}

// StatusInterceptor fails the logical request when the final status is
// rejected by accept. The error is a KindStatus *Error.
func StatusInterceptor(accept func(status int) bool) ResponseInterceptor {
	return func(resp *http.Response, req *http.Request) error {
		if accept(resp.StatusCode) {
			return nil
		}
		return &Error{
			Kind:       KindStatus,
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
		}
	}
}
