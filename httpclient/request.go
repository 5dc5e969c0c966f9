package httpclient

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/net/http/httpguts"

	"github.com/kroma-labs/courier-go/httpclient/body"
)

// Protocol version hints accepted by RequestBuilder.Version.
const (
	HTTP10 = "HTTP/1.0"
	HTTP11 = "HTTP/1.1"
)

var (
	errInvalidURL    = errors.New("invalid url")
	errInvalidHeader = errors.New("invalid header")
	errInvalidMethod = errors.New("invalid method")
)

// Request is an immutable description of a logical request. Build one with
// Client.Request(...).Build() or NewRequest, and execute it with
// Client.Execute.
type Request struct {
	operation string
	method    string
	url       *url.URL
	header    http.Header
	body      *body.Body
	timeout   time.Duration
	version   string

	result      any
	errorResult any
	trace       bool
}

// NewRequest creates a request for an absolute http or https URL.
//
// Example:
//
//	req, err := httpclient.NewRequest(http.MethodGet, "https://example.com/")
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Execute(ctx, req)
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, builderError("", err)
	}
	if !validMethod(method) {
		return nil, builderError("", fmt.Errorf("%w %q", errInvalidMethod, method))
	}
	return &Request{
		method:  method,
		url:     u,
		header:  make(http.Header),
		body:    body.Empty(),
		version: HTTP11,
	}, nil
}

// Operation returns the operation name.
func (r *Request) Operation() string { return r.operation }

// Method returns the request method.
func (r *Request) Method() string { return r.method }

// URL returns a copy of the target URL.
func (r *Request) URL() *url.URL {
	u := *r.url
	return &u
}

// Header returns a copy of the request headers.
func (r *Request) Header() http.Header { return r.header.Clone() }

// Body returns the request body.
func (r *Request) Body() *body.Body { return r.body }

// Timeout returns the per-request total timeout, zero for the client default.
func (r *Request) Timeout() time.Duration { return r.timeout }

// Version returns the protocol version hint.
func (r *Request) Version() string { return r.version }

// TryClone returns a copy of r, or false when the body is streamed and so
// cannot be sent twice.
func (r *Request) TryClone() (*Request, bool) {
	if !r.body.Replayable() {
		return nil, false
	}
	c := *r
	c.url = r.URL()
	c.header = r.header.Clone()
	return &c, true
}

// RequestBuilder provides a fluent API for constructing HTTP requests.
//
// Invalid input (a malformed URL, an illegal header) does not panic or fail
// immediately: the first error is kept and returned by Build or Send,
// before any network activity.
//
// Create a RequestBuilder using Client.Request():
//
//	resp, err := client.Request("CreateUser").
//	    Path("/users").
//	    BodyJSON(user).
//	    Post(ctx)
type RequestBuilder struct {
	client        *Client
	operationName string
	method        string
	rawURL        string
	path          string
	pathParams    map[string]string
	queryParams   url.Values
	headers       http.Header
	body          *body.Body
	contentType   string
	timeout       time.Duration
	version       string
	result        any
	errorResult   any
	enableTrace   bool
	err           error

	// Multipart upload fields
	fileUploads []FileUpload
	formFields  [][2]string
}

func (rb *RequestBuilder) fail(err error) *RequestBuilder {
	if rb.err == nil {
		rb.err = err
	}
	return rb
}

// Method sets the request method. Default: GET.
func (rb *RequestBuilder) Method(method string) *RequestBuilder {
	if !validMethod(method) {
		return rb.fail(fmt.Errorf("%w %q", errInvalidMethod, method))
	}
	rb.method = method
	return rb
}

// URL sets an absolute target URL, bypassing the client base URL.
//
// Example:
//
//	client.Request("Download").
//	    URL("https://cdn.example.com/file.tar.gz").
//	    Get(ctx)
func (rb *RequestBuilder) URL(rawURL string) *RequestBuilder {
	rb.rawURL = rawURL
	return rb
}

// Path sets the request path.
//
// The path is appended to the client's base URL. Path parameters
// can be specified using {name} syntax and filled with PathParam().
//
// Example:
//
//	client.Request("GetUser").
//	    Path("/users/{id}").
//	    PathParam("id", userID).
//	    Get(ctx)
func (rb *RequestBuilder) Path(path string) *RequestBuilder {
	rb.path = path
	return rb
}

// PathParam sets a path parameter value. Values are path-escaped.
func (rb *RequestBuilder) PathParam(key, value string) *RequestBuilder {
	rb.pathParams[key] = value
	return rb
}

// Query adds a single query parameter.
//
// Example:
//
//	client.Request("SearchUsers").
//	    Path("/users").
//	    Query("search", "john").
//	    Query("limit", "10").
//	    Get(ctx)
func (rb *RequestBuilder) Query(key, value string) *RequestBuilder {
	if rb.queryParams == nil {
		rb.queryParams = make(url.Values)
	}
	rb.queryParams.Add(key, value)
	return rb
}

// Queries adds multiple query parameters.
func (rb *RequestBuilder) Queries(params map[string]string) *RequestBuilder {
	for k, v := range params {
		rb.Query(k, v)
	}
	return rb
}

// Header sets a single request header, replacing default headers of the
// same name.
//
// Example:
//
//	client.Request("CreateUser").
//	    Header("Idempotency-Key", key).
//	    Post(ctx, "/users")
func (rb *RequestBuilder) Header(key, value string) *RequestBuilder {
	if !httpguts.ValidHeaderFieldName(key) {
		return rb.fail(fmt.Errorf("%w name %q", errInvalidHeader, key))
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return rb.fail(fmt.Errorf("%w value for %q", errInvalidHeader, key))
	}
	rb.headers.Set(key, value)
	return rb
}

// AddHeader appends a value to a request header.
func (rb *RequestBuilder) AddHeader(key, value string) *RequestBuilder {
	if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
		return rb.fail(fmt.Errorf("%w %q", errInvalidHeader, key))
	}
	rb.headers.Add(key, value)
	return rb
}

// Headers sets multiple request headers.
func (rb *RequestBuilder) Headers(headers map[string]string) *RequestBuilder {
	for k, v := range headers {
		rb.Header(k, v)
	}
	return rb
}

// BasicAuth sets HTTP Basic credentials. The header is removed on
// cross-origin redirects.
func (rb *RequestBuilder) BasicAuth(username, password string) *RequestBuilder {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return rb.Header("Authorization", "Basic "+token)
}

// BearerToken sets a Bearer Authorization header.
func (rb *RequestBuilder) BearerToken(token string) *RequestBuilder {
	return rb.Header("Authorization", "Bearer "+token)
}

// Body sets the request body with automatic content type detection.
//
// Encoding rules:
//   - *body.Body: used as is
//   - string: raw text (Content-Type: text/plain)
//   - []byte: raw bytes (Content-Type: application/octet-stream)
//   - io.Reader: streamed, sent at most once
//   - url.Values: form encoded (Content-Type: application/x-www-form-urlencoded)
//   - anything else: encoded by the client Codec, JSON by default
//
// Example:
//
//	client.Request("CreateUser").
//	    Body(user).  // struct -> JSON
//	    Post(ctx, "/users")
func (rb *RequestBuilder) Body(v any) *RequestBuilder {
	switch b := v.(type) {
	case nil:
		rb.body = nil
	case *body.Body:
		rb.body = b
	case string:
		rb.body = body.String(b)
		rb.contentType = "text/plain; charset=utf-8"
	case []byte:
		return rb.BodyBytes(b)
	case io.Reader:
		return rb.BodyReader(b)
	case url.Values:
		rb.body = body.String(b.Encode())
		rb.contentType = "application/x-www-form-urlencoded"
	default:
		return rb.bodyCodec(v)
	}
	return rb
}

// bodyCodec encodes v with the client codec.
func (rb *RequestBuilder) bodyCodec(v any) *RequestBuilder {
	var c Codec = JSONCodec{}
	if rb.client != nil && rb.client.config.Codec != nil {
		c = rb.client.config.Codec
	}
	data, err := c.Marshal(v)
	if err != nil {
		return rb.fail(fmt.Errorf("encode body: %w", err))
	}
	rb.body = body.Buffered(data)
	rb.contentType = c.ContentType()
	return rb
}

// BodyBytes sets a buffered body, replayable across redirects and retries.
func (rb *RequestBuilder) BodyBytes(b []byte) *RequestBuilder {
	rb.body = body.Buffered(b)
	rb.contentType = "application/octet-stream"
	return rb
}

// BodyReader sets a streamed body read at most once. A 307 or 308 redirect
// that would resend it fails with ErrRedirectRequiresReplayableBody.
func (rb *RequestBuilder) BodyReader(r io.Reader) *RequestBuilder {
	rb.body = body.Streamed(r)
	return rb
}

// BodyJSON explicitly encodes the body as JSON.
func (rb *RequestBuilder) BodyJSON(v any) *RequestBuilder {
	data, err := json.Marshal(v)
	if err != nil {
		return rb.fail(fmt.Errorf("encode json body: %w", err))
	}
	rb.body = body.Buffered(data)
	rb.contentType = "application/json"
	return rb
}

// BodyXML explicitly encodes the body as XML.
func (rb *RequestBuilder) BodyXML(v any) *RequestBuilder {
	data, err := xml.Marshal(v)
	if err != nil {
		return rb.fail(fmt.Errorf("encode xml body: %w", err))
	}
	rb.body = body.Buffered(data)
	rb.contentType = "application/xml"
	return rb
}

// BodyForm sets form data as the request body.
//
// Example:
//
//	client.Request("Login").
//	    BodyForm(map[string]string{
//	        "username": "john",
//	        "password": "secret",
//	    }).
//	    Post(ctx, "/login")
func (rb *RequestBuilder) BodyForm(data map[string]string) *RequestBuilder {
	values := make(url.Values, len(data))
	for k, v := range data {
		values.Set(k, v)
	}
	return rb.Body(values)
}

// Timeout overrides the client total timeout for this request.
func (rb *RequestBuilder) Timeout(d time.Duration) *RequestBuilder {
	rb.timeout = d
	return rb
}

// Version sets the protocol version hint. HTTP/1.0 disables connection
// reuse for the request.
func (rb *RequestBuilder) Version(v string) *RequestBuilder {
	if v != HTTP10 && v != HTTP11 {
		return rb.fail(fmt.Errorf("unsupported protocol version %q", v))
	}
	rb.version = v
	return rb
}

// Decode sets the target for automatic decoding of 2xx response bodies.
//
// Example:
//
//	var users []User
//	resp, err := client.Request("GetUsers").
//	    Decode(&users).
//	    Get(ctx, "/users")
func (rb *RequestBuilder) Decode(v any) *RequestBuilder {
	rb.result = v
	return rb
}

// DecodeError sets the target for automatic decoding of 4xx/5xx bodies.
func (rb *RequestBuilder) DecodeError(v any) *RequestBuilder {
	rb.errorResult = v
	return rb
}

// EnableTrace collects TraceInfo timings for this request.
//
// Example:
//
//	resp, err := client.Request("SlowAPI").
//	    EnableTrace().
//	    Get(ctx, "/slow")
//	fmt.Println(resp.TraceInfo())
func (rb *RequestBuilder) EnableTrace() *RequestBuilder {
	rb.enableTrace = true
	return rb
}

// Build validates the builder and returns the immutable Request. Errors are
// *Error values of KindBuilder.
func (rb *RequestBuilder) Build() (*Request, error) {
	if rb.err != nil {
		return nil, builderError(rb.operationName, rb.err)
	}

	u, err := rb.buildURL()
	if err != nil {
		return nil, builderError(rb.operationName, err)
	}

	b := rb.body
	contentType := rb.contentType
	if len(rb.fileUploads) > 0 || len(rb.formFields) > 0 {
		b, contentType = rb.buildMultipart()
	}
	if b == nil {
		b = body.Empty()
	}

	header := rb.headers.Clone()
	if contentType != "" && header.Get("Content-Type") == "" {
		header.Set("Content-Type", contentType)
	}

	method := rb.method
	if method == "" {
		method = http.MethodGet
	}
	version := rb.version
	if version == "" {
		version = HTTP11
	}
	if version == HTTP10 {
		header.Set("Connection", "close")
	}

	return &Request{
		operation:   rb.operationName,
		method:      method,
		url:         u,
		header:      header,
		body:        b,
		timeout:     rb.timeout,
		version:     version,
		result:      rb.result,
		errorResult: rb.errorResult,
		trace:       rb.enableTrace,
	}, nil
}

// Send builds and executes the request with the configured method.
func (rb *RequestBuilder) Send(ctx context.Context) (*Response, error) {
	req, err := rb.Build()
	if err != nil {
		return nil, err
	}
	return rb.client.Execute(ctx, req)
}

func (rb *RequestBuilder) send(ctx context.Context, method string, path []string) (*Response, error) {
	if len(path) > 0 {
		rb.path = path[0]
	}
	rb.method = method
	return rb.Send(ctx)
}

// Get executes a GET request.
//
// Example:
//
//	resp, err := client.Request("GetUsers").Get(ctx, "/users")
func (rb *RequestBuilder) Get(ctx context.Context, path ...string) (*Response, error) {
	return rb.send(ctx, http.MethodGet, path)
}

// Head executes a HEAD request.
func (rb *RequestBuilder) Head(ctx context.Context, path ...string) (*Response, error) {
	return rb.send(ctx, http.MethodHead, path)
}

// Post executes a POST request.
//
// Example:
//
//	resp, err := client.Request("CreateUser").
//	    Body(user).
//	    Post(ctx, "/users")
func (rb *RequestBuilder) Post(ctx context.Context, path ...string) (*Response, error) {
	return rb.send(ctx, http.MethodPost, path)
}

// Put executes a PUT request.
func (rb *RequestBuilder) Put(ctx context.Context, path ...string) (*Response, error) {
	return rb.send(ctx, http.MethodPut, path)
}

// Patch executes a PATCH request.
func (rb *RequestBuilder) Patch(ctx context.Context, path ...string) (*Response, error) {
	return rb.send(ctx, http.MethodPatch, path)
}

// Delete executes a DELETE request.
func (rb *RequestBuilder) Delete(ctx context.Context, path ...string) (*Response, error) {
	return rb.send(ctx, http.MethodDelete, path)
}

// buildURL constructs the full URL from base URL, path, and query params.
func (rb *RequestBuilder) buildURL() (*url.URL, error) {
	path := rb.path
	for k, v := range rb.pathParams {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
	}

	var raw string
	switch {
	case rb.rawURL != "":
		raw = rb.rawURL
		if path != "" {
			raw = strings.TrimSuffix(raw, "/") + "/" + strings.TrimPrefix(path, "/")
		}
	case strings.Contains(path, "://"):
		raw = path
	case rb.client != nil && rb.client.config.BaseURL != "":
		raw = strings.TrimSuffix(rb.client.config.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	default:
		raw = path
	}

	u, err := parseURL(raw)
	if err != nil {
		return nil, err
	}

	if len(rb.queryParams) > 0 {
		q := u.Query()
		for k, v := range rb.queryParams {
			for _, vv := range v {
				q.Add(k, vv)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w %q: scheme must be http or https", errInvalidURL, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w %q: missing host", errInvalidURL, raw)
	}
	return u, nil
}

func validMethod(method string) bool {
	return method != "" && strings.IndexFunc(method, func(r rune) bool {
		return !httpguts.IsTokenRune(r)
	}) == -1
}
