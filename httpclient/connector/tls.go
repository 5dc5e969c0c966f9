package connector

import (
	"context"
	"crypto/tls"
	"net"
)

// StdTLS is the default TLSProvider, backed by crypto/tls.
//
// Certificate verification follows Config; a nil Config verifies against the
// system roots. ALPN is pinned to http/1.1 because the default engine speaks
// nothing else.
type StdTLS struct {
	Config *tls.Config
}

// Handshake implements TLSProvider.
func (s *StdTLS) Handshake(ctx context.Context, conn net.Conn, serverName string) (net.Conn, string, error) {
	var cfg *tls.Config
	if s != nil && s.Config != nil {
		cfg = s.Config.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	cfg.NextProtos = []string{ProtocolHTTP11}

	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, "", err
	}
	return tc, tc.ConnectionState().NegotiatedProtocol, nil
}
