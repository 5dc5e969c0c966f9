package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http/httptrace"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/courier-go/httpclient/connector"
)

// Error type classifications for the error.type attribute.
const (
	ErrorTypeTimeout           = "timeout"
	ErrorTypeConnectionRefused = "connection_refused"
	ErrorTypeDNSError          = "dns_error"
	ErrorTypeProxyError        = "proxy_error"
	ErrorTypeTLSError          = "tls_error"
	ErrorTypeCancelled         = "cancelled"
	ErrorTypeConnectionReset   = "connection_reset"
	ErrorTypeEOF               = "eof"
	ErrorTypeCircuitOpen       = "circuit_open"
	ErrorTypeRateLimited       = "rate_limited"
	ErrorTypeUnknown           = "unknown"
)

// networkTrace collects the connection timeline of one attempt from the
// connector's httptrace hooks.
type networkTrace struct {
	dnsStart, dnsDone         time.Time
	connectStart, connectDone time.Time
	tlsStart, tlsDone         time.Time

	gotConnTime       time.Time
	wroteRequestTime  time.Time
	firstResponseTime time.Time

	connReused bool
	connIdle   bool
	idleTime   time.Duration
	connRemote string
	tlsVersion uint16
	alpn       string
	dnsAddrs   []string
}

// clientTrace returns hooks filling nt. Attached with
// httptrace.WithClientTrace, they run alongside any trace already present.
func (nt *networkTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			nt.gotConnTime = time.Now()
			nt.connReused = info.Reused
			nt.connIdle = info.WasIdle
			nt.idleTime = info.IdleTime
			if info.Conn != nil && info.Conn.RemoteAddr() != nil {
				nt.connRemote = info.Conn.RemoteAddr().String()
			}
		},
		DNSStart: func(httptrace.DNSStartInfo) { nt.dnsStart = time.Now() },
		DNSDone: func(info httptrace.DNSDoneInfo) {
			nt.dnsDone = time.Now()
			nt.dnsAddrs = nt.dnsAddrs[:0]
			for _, addr := range info.Addrs {
				nt.dnsAddrs = append(nt.dnsAddrs, addr.String())
			}
		},
		ConnectStart: func(_, _ string) { nt.connectStart = time.Now() },
		ConnectDone:  func(_, _ string, _ error) { nt.connectDone = time.Now() },
		TLSHandshakeStart: func() {
			nt.tlsStart = time.Now()
		},
		TLSHandshakeDone: func(state tls.ConnectionState, _ error) {
			nt.tlsDone = time.Now()
			nt.tlsVersion = state.Version
			nt.alpn = state.NegotiatedProtocol
		},
		WroteRequest:         func(httptrace.WroteRequestInfo) { nt.wroteRequestTime = time.Now() },
		GotFirstResponseByte: func() { nt.firstResponseTime = time.Now() },
	}
}

// ttfb returns the server time of the attempt, zero when unknown.
func (nt *networkTrace) ttfb() time.Duration {
	if nt.wroteRequestTime.IsZero() || nt.firstResponseTime.IsZero() {
		return 0
	}
	return nt.firstResponseTime.Sub(nt.wroteRequestTime)
}

// addTraceEvents adds span events for the connection timeline.
func (nt *networkTrace) addTraceEvents(span trace.Span) {
	if !nt.dnsStart.IsZero() && !nt.dnsDone.IsZero() {
		span.AddEvent("dns.start", trace.WithTimestamp(nt.dnsStart))
		span.AddEvent("dns.done", trace.WithTimestamp(nt.dnsDone),
			trace.WithAttributes(
				attribute.Int64("dns.duration_ms", nt.dnsDone.Sub(nt.dnsStart).Milliseconds()),
				attribute.StringSlice("dns.addresses", nt.dnsAddrs),
			))
	}

	if !nt.connectStart.IsZero() && !nt.connectDone.IsZero() {
		span.AddEvent("connect.start", trace.WithTimestamp(nt.connectStart))
		span.AddEvent("connect.done", trace.WithTimestamp(nt.connectDone),
			trace.WithAttributes(
				attribute.Int64("connect.duration_ms", nt.connectDone.Sub(nt.connectStart).Milliseconds()),
			))
	}

	if !nt.tlsStart.IsZero() && !nt.tlsDone.IsZero() {
		span.AddEvent("tls.start", trace.WithTimestamp(nt.tlsStart))
		span.AddEvent("tls.done", trace.WithTimestamp(nt.tlsDone),
			trace.WithAttributes(
				attribute.Int64("tls.duration_ms", nt.tlsDone.Sub(nt.tlsStart).Milliseconds()),
				attribute.String("tls.protocol.version", tls.VersionName(nt.tlsVersion)),
				attribute.String("tls.alpn", nt.alpn),
			))
	}

	if !nt.gotConnTime.IsZero() {
		attrs := []attribute.KeyValue{
			attribute.Bool("connection.reused", nt.connReused),
			attribute.Bool("connection.was_idle", nt.connIdle),
			attribute.String("network.peer.address", nt.connRemote),
		}
		if nt.connIdle {
			attrs = append(attrs, attribute.Int64("connection.idle_ms", nt.idleTime.Milliseconds()))
		}
		span.AddEvent("got_conn", trace.WithTimestamp(nt.gotConnTime), trace.WithAttributes(attrs...))
	}

	if !nt.wroteRequestTime.IsZero() {
		span.AddEvent("wrote_request", trace.WithTimestamp(nt.wroteRequestTime))
	}

	if !nt.firstResponseTime.IsZero() {
		span.AddEvent("got_first_response_byte", trace.WithTimestamp(nt.firstResponseTime),
			trace.WithAttributes(attribute.Int64("ttfb_ms", nt.ttfb().Milliseconds())))
	}
}

// classifyError returns an error.type classification for the given error.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	var connErr *connector.ConnectError
	if errors.As(err, &connErr) {
		switch {
		case connErr.Timeout():
			return ErrorTypeTimeout
		case connErr.Phase == connector.PhaseResolve:
			return ErrorTypeDNSError
		case connErr.Phase == connector.PhaseProxy:
			return ErrorTypeProxyError
		}
	}

	var tlsErr *connector.TLSError
	switch {
	case errors.As(err, &tlsErr):
		if tlsErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeTLSError
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrorTypeCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return ErrorTypeRateLimited
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errAttemptTimeout):
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorTypeDNSError
	}

	var (
		recordErr *tls.RecordHeaderError
		certErr   *tls.CertificateVerificationError
	)
	if errors.As(err, &recordErr) || errors.As(err, &certErr) {
		return ErrorTypeTLSError
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrorTypeConnectionRefused
	case errors.Is(err, syscall.ECONNRESET):
		return ErrorTypeConnectionReset
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, connector.ErrNoResponse):
		return ErrorTypeEOF
	}

	// Wrapped errors that lost their type.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "connection refused"):
		return ErrorTypeConnectionRefused
	case strings.Contains(msg, "connection reset"):
		return ErrorTypeConnectionReset
	case strings.Contains(msg, "no such host"):
		return ErrorTypeDNSError
	case strings.Contains(msg, "x509"), strings.Contains(msg, "certificate"):
		return ErrorTypeTLSError
	}
	return ErrorTypeUnknown
}

// errorTypeFromStatusCode returns error.type for 4xx and 5xx statuses.
func errorTypeFromStatusCode(statusCode int) string {
	if statusCode >= 400 {
		return strconv.Itoa(statusCode)
	}
	return ""
}

// setSpanError records an error on the span with proper status and attributes.
func setSpanError(span trace.Span, err error, errorType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errorType != "" {
		span.SetAttributes(attribute.String("error.type", errorType))
	}
}
