package httpclient

import (
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroma-labs/courier-go/httpclient/body"
)

// newDebugLogger is the logger WithDebug falls back to without WithLogger.
func newDebugLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Str("component", "httpclient").Logger()
}

// redactedHeaders are masked in generated cURL commands.
var redactedHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie"}

// generateCurlCommand returns a cURL command reproducing req. Credentials are
// masked. A streamed body cannot be reproduced and is read from stdin.
//
// Example output:
//
//	curl -X POST 'https://api.example.com/users' -H 'Authorization: ***' -H 'Content-Type: application/json' -d '{"name":"John"}'
func generateCurlCommand(req *http.Request, b *body.Body) string {
	parts := []string{"curl"}
	if req.Method != http.MethodGet {
		parts = append(parts, "-X", req.Method)
	}
	parts = append(parts, shellQuote(req.URL.String()))

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range req.Header[k] {
			if slices.Contains(redactedHeaders, http.CanonicalHeaderKey(k)) {
				v = "***"
			}
			parts = append(parts, "-H", shellQuote(k+": "+v))
		}
	}

	switch data, ok := b.Bytes(); {
	case !ok:
		parts = append(parts, "--data-binary", "@-")
	case len(data) > 0:
		parts = append(parts, "-d", shellQuote(string(data)))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// requestTracer collects TraceInfo timings over a logical request. Its
// hooks compose with the per-attempt tracing of the otel transport.
type requestTracer struct {
	mu sync.Mutex

	start     time.Time
	dnsStart  time.Time
	dnsDone   time.Time
	connStart time.Time
	connDone  time.Time
	tlsStart  time.Time
	tlsDone   time.Time
	wrote     time.Time
	firstByte time.Time
	headers   time.Time

	reused     bool
	remoteAddr string
	attempts   int
}

func newRequestTracer() *requestTracer {
	return &requestTracer{start: time.Now()}
}

func (t *requestTracer) stamp(field *time.Time) {
	t.mu.Lock()
	*field = time.Now()
	t.mu.Unlock()
}

func (t *requestTracer) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(string) {
			t.mu.Lock()
			t.attempts++
			// Phases of earlier attempts do not describe the final one.
			t.dnsStart, t.dnsDone = time.Time{}, time.Time{}
			t.connStart, t.connDone = time.Time{}, time.Time{}
			t.tlsStart, t.tlsDone = time.Time{}, time.Time{}
			t.mu.Unlock()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			t.mu.Lock()
			t.reused = info.Reused
			if info.Conn != nil {
				t.remoteAddr = info.Conn.RemoteAddr().String()
			}
			t.mu.Unlock()
		},
		DNSStart:             func(httptrace.DNSStartInfo) { t.stamp(&t.dnsStart) },
		DNSDone:              func(httptrace.DNSDoneInfo) { t.stamp(&t.dnsDone) },
		ConnectStart:         func(_, _ string) { t.stamp(&t.connStart) },
		ConnectDone:          func(_, _ string, _ error) { t.stamp(&t.connDone) },
		TLSHandshakeStart:    func() { t.stamp(&t.tlsStart) },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { t.stamp(&t.tlsDone) },
		WroteRequest:         func(httptrace.WroteRequestInfo) { t.stamp(&t.wrote) },
		GotFirstResponseByte: func() { t.stamp(&t.firstByte) },
	}
}

// done marks the final response headers.
func (t *requestTracer) done() {
	t.stamp(&t.headers)
}

func (t *requestTracer) info(redirects int) *TraceInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	end := t.headers
	if end.IsZero() {
		end = time.Now()
	}
	return &TraceInfo{
		DNSLookup:    between(t.dnsStart, t.dnsDone),
		ConnTime:     between(t.connStart, t.connDone),
		TLSHandshake: between(t.tlsStart, t.tlsDone),
		ServerTime:   between(t.wrote, t.firstByte),
		TotalTime:    end.Sub(t.start),
		ConnReused:   t.reused,
		RemoteAddr:   t.remoteAddr,
		Attempts:     t.attempts,
		Redirects:    redirects,
	}
}

func between(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

// logAttempt logs an outgoing attempt at debug level.
func logAttempt(logger zerolog.Logger, op string, req *http.Request, hop int) {
	logger.Debug().
		Str("operation", op).
		Str("method", req.Method).
		Str("url", req.URL.Redacted()).
		Int("hop", hop).
		Msg("HTTP request")
}

// logResponse logs a received response at debug level.
func logResponse(logger zerolog.Logger, op string, resp *http.Response, elapsed time.Duration) {
	logger.Debug().
		Str("operation", op).
		Int("status", resp.StatusCode).
		Str("proto", resp.Proto).
		Int64("content_length", resp.ContentLength).
		Dur("elapsed", elapsed).
		Msg("HTTP response")
}

// logRedirect logs a followed redirect at debug level.
func logRedirect(logger zerolog.Logger, op string, status int, from, to string) {
	logger.Debug().
		Str("operation", op).
		Int("status", status).
		Str("from", from).
		Str("to", to).
		Msg("following redirect")
}
