package connector

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpproxy"
)

// ErrProxyBufferedData is returned when a proxy sends bytes after its CONNECT
// response, before the tunnel carries any traffic.
var ErrProxyBufferedData = errors.New("proxy sent data after CONNECT response")

// ProxyURL returns a ProxyFunc that always selects fixed.
func ProxyURL(fixed *url.URL) ProxyFunc {
	return func(*url.URL) (*url.URL, error) {
		return fixed, nil
	}
}

// ProxyFromEnvironment selects proxies from HTTP_PROXY, HTTPS_PROXY and
// NO_PROXY (or their lowercase forms), read once when called.
func ProxyFromEnvironment() ProxyFunc {
	fn := httpproxy.FromEnvironment().ProxyFunc()
	return func(u *url.URL) (*url.URL, error) {
		return fn(u)
	}
}

func proxyAuthorization(proxy *url.URL) string {
	if proxy == nil || proxy.User == nil {
		return ""
	}
	pass, _ := proxy.User.Password()
	cred := proxy.User.Username() + ":" + pass
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
}

// tunnel issues CONNECT target over conn and waits for the proxy to accept.
func tunnel(ctx context.Context, conn net.Conn, target string, proxy *url.URL) error {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if auth := proxyAuthorization(proxy); auth != "" {
		req.Header.Set("Proxy-Authorization", auth)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	if err := req.Write(conn); err != nil {
		return ctxErr(ctx, fmt.Errorf("write CONNECT: %w", err))
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return ctxErr(ctx, fmt.Errorf("read CONNECT response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return fmt.Errorf("proxy refused CONNECT: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		return ErrProxyBufferedData
	}
	if !stop() {
		return ctx.Err()
	}
	return nil
}

// ctxErr prefers the context error over the I/O error it caused.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}
