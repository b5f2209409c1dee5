package transport

import (
	"crypto/tls"
	"fmt"
)

// NewTLSServer performs a server-side TLS handshake over conn's underlying
// net.Conn and returns a Transport of KindTLS. Go's crypto/tls already
// resolves OpenSSL's WANT_READ/WANT_WRITE/WANT_X509_LOOKUP/WANT_ASYNC*
// family internally during Handshake and Read/Write — there is no
// equivalent retryable state to surface to the caller, so the retry policy
// is best described as "data, not control flow" and collapses here to
// Go's ordinary blocking I/O plus the Status classification Read already
// performs for ZERO_RETURN-equivalent timeouts.
func NewTLSServer(raw *tls.Conn) (*Transport, error) {
	if err := raw.Handshake(); err != nil {
		return nil, fmt.Errorf("transport: TLS server handshake: %w", err)
	}
	return New(raw, KindTLS), nil
}

// NewTLSClient performs a client-side TLS handshake and returns a Transport
// of KindTLS.
func NewTLSClient(raw *tls.Conn) (*Transport, error) {
	if err := raw.Handshake(); err != nil {
		return nil, fmt.Errorf("transport: TLS client handshake: %w", err)
	}
	return New(raw, KindTLS), nil
}
