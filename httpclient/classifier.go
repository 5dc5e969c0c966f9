package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/sony/gobreaker/v2"

	"github.com/kroma-labs/courier-go/httpclient/connector"
)

// RetryClassifier reports whether an attempt should be retried. Exactly one
// of resp and err is non-nil.
//
// Example - also retry 500:
//
//	client := httpclient.New(
//	    httpclient.WithRetryConfig(httpclient.DefaultRetryConfig()),
//	    httpclient.WithRetryClassifier(func(resp *http.Response, err error) bool {
//	        if resp != nil && resp.StatusCode == http.StatusInternalServerError {
//	            return true
//	        }
//	        return httpclient.DefaultClassifier(resp, err)
//	    }),
//	)
type RetryClassifier func(resp *http.Response, err error) bool

// DefaultClassifier retries transient failures:
//   - connect failures and attempt timeouts
//   - connections closed before a response arrived
//   - 429, 502, 503 and 504 responses
//
// It never retries TLS failures, unknown hosts, an open circuit,
// cancellation of the logical request, or any other status.
func DefaultClassifier(resp *http.Response, err error) bool {
	if err == nil {
		return resp != nil && isRetryableStatusCode(resp.StatusCode)
	}

	if errors.Is(err, errAttemptTimeout) {
		return true
	}
	if isPermanentError(err) {
		return false
	}

	// Connect timeouts are the connector's own deadline.
	var connErr *connector.ConnectError
	if errors.As(err, &connErr) || errors.Is(err, connector.ErrNoResponse) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return isRetryableNetworkError(err)
}

func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableNetworkError reports transient network failures.
func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.ETIMEDOUT,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return containsAny(err, "connection refused", "connection reset", "broken pipe",
		"i/o timeout", "temporary failure", "server closed")
}

// isPermanentError reports failures a retry cannot fix.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var tlsErr *connector.TLSError
	if errors.As(err, &tlsErr) && !tlsErr.Timeout() {
		return true
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EHOSTDOWN) {
		return true
	}
	return containsAny(err, "x509:", "certificate", "no route to host", "permission denied")
}

func containsAny(err error, patterns ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// AlwaysRetryClassifier retries every error and every 4xx or 5xx response.
func AlwaysRetryClassifier() RetryClassifier {
	return func(resp *http.Response, err error) bool {
		return err != nil || (resp != nil && resp.StatusCode >= 400)
	}
}

// NeverRetryClassifier never retries.
func NeverRetryClassifier() RetryClassifier {
	return func(*http.Response, error) bool { return false }
}

// StatusCodeClassifier retries the given statuses and the errors
// DefaultClassifier retries.
//
// Example:
//
//	classifier := httpclient.StatusCodeClassifier(500, 502, 503, 504)
func StatusCodeClassifier(codes ...int) RetryClassifier {
	set := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return func(resp *http.Response, err error) bool {
		if err != nil {
			return DefaultClassifier(nil, err)
		}
		_, ok := set[resp.StatusCode]
		return ok
	}
}
