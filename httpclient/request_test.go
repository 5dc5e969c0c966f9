package httpclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/courier-go/httpclient/body"
)

func TestRequestBuilder_URL(t *testing.T) {
	t.Parallel()

	type args struct {
		baseURL string
		build   func(rb *RequestBuilder) *RequestBuilder
	}
	tests := []struct {
		name    string
		args    args
		wantURL string
	}{
		{
			name: "given simple path, then it is joined to the base url",
			args: args{
				baseURL: "https://api.example.com",
				build:   func(rb *RequestBuilder) *RequestBuilder { return rb.Path("/users") },
			},
			wantURL: "https://api.example.com/users",
		},
		{
			name: "given base url with trailing slash, then a single slash is kept",
			args: args{
				baseURL: "https://api.example.com/v1/",
				build:   func(rb *RequestBuilder) *RequestBuilder { return rb.Path("/users") },
			},
			wantURL: "https://api.example.com/v1/users",
		},
		{
			name: "given path params, then every placeholder is replaced",
			args: args{
				baseURL: "https://api.example.com",
				build: func(rb *RequestBuilder) *RequestBuilder {
					return rb.Path("/users/{userId}/posts/{postId}").
						PathParam("userId", "123").
						PathParam("postId", "456")
				},
			},
			wantURL: "https://api.example.com/users/123/posts/456",
		},
		{
			name: "given path param with special characters, then it is escaped",
			args: args{
				baseURL: "https://api.example.com",
				build: func(rb *RequestBuilder) *RequestBuilder {
					return rb.Path("/search/{query}").PathParam("query", "hello world")
				},
			},
			wantURL: "https://api.example.com/search/hello%20world",
		},
		{
			name: "given query params, then they are encoded in order",
			args: args{
				baseURL: "https://api.example.com",
				build: func(rb *RequestBuilder) *RequestBuilder {
					return rb.Path("/users").Query("page", "1").Query("limit", "10")
				},
			},
			wantURL: "https://api.example.com/users?limit=10&page=1",
		},
		{
			name: "given absolute url, then base url is ignored",
			args: args{
				baseURL: "https://api.example.com",
				build: func(rb *RequestBuilder) *RequestBuilder {
					return rb.URL("https://cdn.example.com/file.tar.gz")
				},
			},
			wantURL: "https://cdn.example.com/file.tar.gz",
		},
		{
			name: "given absolute url in path, then it is used as is",
			args: args{
				build: func(rb *RequestBuilder) *RequestBuilder {
					return rb.Path("http://other.test/x")
				},
			},
			wantURL: "http://other.test/x",
		},
		{
			name: "given url with existing query, then params are merged",
			args: args{
				build: func(rb *RequestBuilder) *RequestBuilder {
					return rb.URL("https://a.test/search?q=go").Queries(map[string]string{"page": "2"})
				},
			},
			wantURL: "https://a.test/search?page=2&q=go",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := New(WithBaseURL(tt.args.baseURL))
			req, err := tt.args.build(client.Request("test")).Build()
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, req.URL().String())
		})
	}
}

func TestRequestBuilder_BuildErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		build func(rb *RequestBuilder) *RequestBuilder
	}{
		{
			name:  "given relative url without base url, then build fails",
			build: func(rb *RequestBuilder) *RequestBuilder { return rb.Path("/users") },
		},
		{
			name:  "given ftp url, then build fails",
			build: func(rb *RequestBuilder) *RequestBuilder { return rb.URL("ftp://a.test/file") },
		},
		{
			name:  "given url without host, then build fails",
			build: func(rb *RequestBuilder) *RequestBuilder { return rb.URL("https:///path") },
		},
		{
			name:  "given invalid header name, then build fails",
			build: func(rb *RequestBuilder) *RequestBuilder { return rb.URL("https://a.test").Header("Bad Name", "v") },
		},
		{
			name: "given header value with newline, then build fails",
			build: func(rb *RequestBuilder) *RequestBuilder {
				return rb.URL("https://a.test").Header("X-Injected", "a\r\nEvil: 1")
			},
		},
		{
			name:  "given method with spaces, then build fails",
			build: func(rb *RequestBuilder) *RequestBuilder { return rb.URL("https://a.test").Method("GET ME") },
		},
		{
			name:  "given unsupported version, then build fails",
			build: func(rb *RequestBuilder) *RequestBuilder { return rb.URL("https://a.test").Version("HTTP/3") },
		},
		{
			name: "given unencodable body, then build fails",
			build: func(rb *RequestBuilder) *RequestBuilder {
				return rb.URL("https://a.test").Body(map[string]any{"ch": make(chan int)})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req, err := tt.build(New().Request("Op")).Build()
			require.Error(t, err)
			assert.Nil(t, req)
			assert.ErrorIs(t, err, ErrBuilder)

			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, "Op", e.Op)
		})
	}
}

func TestRequestBuilder_FirstErrorWins(t *testing.T) {
	t.Parallel()

	_, err := New().Request("Op").
		URL("https://a.test").
		Method("BAD METHOD").
		Header("Bad Name", "v").
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid method")
}

func TestRequestBuilder_Body(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name string `json:"name" xml:"name"`
	}
	tests := []struct {
		name            string
		build           func(rb *RequestBuilder) *RequestBuilder
		wantKind        body.Kind
		wantContentType string
		wantBody        string
	}{
		{
			name:            "given struct, then it is encoded as json",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.Body(payload{Name: "John"}) },
			wantKind:        body.KindBuffered,
			wantContentType: "application/json",
			wantBody:        `{"name":"John"}`,
		},
		{
			name:            "given string, then it is sent as text",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.Body("hello") },
			wantKind:        body.KindBuffered,
			wantContentType: "text/plain; charset=utf-8",
			wantBody:        "hello",
		},
		{
			name:            "given bytes, then they are sent as octet stream",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.Body([]byte{1, 2}) },
			wantKind:        body.KindBuffered,
			wantContentType: "application/octet-stream",
			wantBody:        "\x01\x02",
		},
		{
			name:            "given url values, then they are form encoded",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.Body(url.Values{"a": {"1"}}) },
			wantKind:        body.KindBuffered,
			wantContentType: "application/x-www-form-urlencoded",
			wantBody:        "a=1",
		},
		{
			name: "given form map, then it is form encoded",
			build: func(rb *RequestBuilder) *RequestBuilder {
				return rb.BodyForm(map[string]string{"user": "john"})
			},
			wantKind:        body.KindBuffered,
			wantContentType: "application/x-www-form-urlencoded",
			wantBody:        "user=john",
		},
		{
			name:            "given reader, then body is streamed",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.Body(strings.NewReader("stream")) },
			wantKind:        body.KindStreamed,
			wantContentType: "",
			wantBody:        "stream",
		},
		{
			name:            "given xml body, then it is encoded as xml",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.BodyXML(payload{Name: "John"}) },
			wantKind:        body.KindBuffered,
			wantContentType: "application/xml",
			wantBody:        "<payload><name>John</name></payload>",
		},
		{
			name: "given explicit content type header, then it is kept",
			build: func(rb *RequestBuilder) *RequestBuilder {
				return rb.Header("Content-Type", "application/vnd.api+json").Body(payload{Name: "x"})
			},
			wantKind:        body.KindBuffered,
			wantContentType: "application/vnd.api+json",
			wantBody:        `{"name":"x"}`,
		},
		{
			name:     "given no body, then body is empty",
			build:    func(rb *RequestBuilder) *RequestBuilder { return rb },
			wantKind: body.KindEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req, err := tt.build(New().Request("test").URL("https://a.test")).Build()
			require.NoError(t, err)

			assert.Equal(t, tt.wantKind, req.Body().Kind())
			assert.Equal(t, tt.wantContentType, req.Header().Get("Content-Type"))
			data, err := body.ReadAll(req.Body())
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(data))
		})
	}
}

func TestRequestBuilder_Headers(t *testing.T) {
	t.Parallel()

	req, err := New().Request("test").
		URL("https://a.test").
		Header("X-One", "1").
		Headers(map[string]string{"X-Two": "2"}).
		AddHeader("X-Multi", "a").
		AddHeader("X-Multi", "b").
		BasicAuth("user", "pass").
		Build()
	require.NoError(t, err)

	h := req.Header()
	assert.Equal(t, "1", h.Get("X-One"))
	assert.Equal(t, "2", h.Get("X-Two"))
	assert.Equal(t, []string{"a", "b"}, h.Values("X-Multi"))
	assert.Equal(t, "Basic dXNlcjpwYXNz", h.Get("Authorization"))

	h.Set("X-One", "changed")
	assert.Equal(t, "1", req.Header().Get("X-One"))
}

func TestRequestBuilder_Defaults(t *testing.T) {
	t.Parallel()

	req, err := New().Request("test").URL("https://a.test").Timeout(3 * time.Second).Build()
	require.NoError(t, err)

	assert.Equal(t, "test", req.Operation())
	assert.Equal(t, http.MethodGet, req.Method())
	assert.Equal(t, HTTP11, req.Version())
	assert.Equal(t, 3*time.Second, req.Timeout())
	assert.Equal(t, body.KindEmpty, req.Body().Kind())
}

func TestRequestBuilder_HTTP10(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport().StubResponse(http.StatusOK, "ok")
	client := newMockClient(mock)

	resp, err := client.Request("Legacy").Version(HTTP10).Get(context.Background(), "/")
	require.NoError(t, err)
	defer resp.Close()

	last, ok := mock.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "close", last.Header.Get("Connection"))
}

func TestRequest_TryClone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   any
		wantOK bool
	}{
		{name: "given buffered body, then clone succeeds", body: "buffered", wantOK: true},
		{name: "given empty body, then clone succeeds", body: nil, wantOK: true},
		{name: "given streamed body, then clone fails", body: strings.NewReader("stream"), wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req, err := New().Request("test").URL("https://a.test/x").Body(tt.body).Build()
			require.NoError(t, err)

			clone, ok := req.TryClone()
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				assert.Nil(t, clone)
				return
			}
			assert.Equal(t, req.URL(), clone.URL())
			clone.header.Set("X-Clone", "1")
			assert.Empty(t, req.Header().Get("X-Clone"))
		})
	}
}

func TestNewRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		method  string
		rawURL  string
		wantErr bool
	}{
		{name: "given get and absolute url, then request is created", method: http.MethodGet, rawURL: "https://a.test/x"},
		{name: "given custom token method, then request is created", method: "PURGE", rawURL: "http://a.test/x"},
		{name: "given relative url, then builder error is returned", method: http.MethodGet, rawURL: "/x", wantErr: true},
		{name: "given empty method, then builder error is returned", method: "", rawURL: "https://a.test/x", wantErr: true},
		{name: "given mailto url, then builder error is returned", method: http.MethodGet, rawURL: "mailto:a@b.test", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req, err := NewRequest(tt.method, tt.rawURL)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBuilder)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.method, req.Method())
			assert.Equal(t, tt.rawURL, req.URL().String())
		})
	}
}

func TestRequestBuilder_Verbs(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport().StubResponse(http.StatusOK, "")
	client := newMockClient(mock)
	ctx := context.Background()

	calls := []struct {
		method string
		send   func(rb *RequestBuilder) (*Response, error)
	}{
		{http.MethodGet, func(rb *RequestBuilder) (*Response, error) { return rb.Get(ctx, "/r") }},
		{http.MethodHead, func(rb *RequestBuilder) (*Response, error) { return rb.Head(ctx, "/r") }},
		{http.MethodPost, func(rb *RequestBuilder) (*Response, error) { return rb.Post(ctx, "/r") }},
		{http.MethodPut, func(rb *RequestBuilder) (*Response, error) { return rb.Put(ctx, "/r") }},
		{http.MethodPatch, func(rb *RequestBuilder) (*Response, error) { return rb.Patch(ctx, "/r") }},
		{http.MethodDelete, func(rb *RequestBuilder) (*Response, error) { return rb.Delete(ctx, "/r") }},
	}
	for _, c := range calls {
		resp, err := c.send(client.Request(c.method))
		require.NoError(t, err)
		require.NoError(t, resp.Close())

		last, _ := mock.LastRequest()
		assert.Equal(t, c.method, last.Method)
		assert.Equal(t, "/r", last.URL.Path)
	}
}
