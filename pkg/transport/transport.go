package transport

import (
	"context"
	"crypto/x509"
	"net"
	"strconv"
	"strings"
)

// Kind identifies the transport implementation.
type Kind int

const (
	KindUnknown Kind = iota
	KindHTTP
	KindHTTPS
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindHTTPS:
		return "https"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognised names give KindUnknown.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return KindHTTP
	case "https":
		return KindHTTPS
	case "mem":
		return KindMem
	default:
		return KindUnknown
	}
}

// PeerID is the stable identity key of a peer: "ip:port" in origin mode,
// "<issuer CN>:<serial>" in certificate mode.
type PeerID string

// Endpoint is where a peer listens.
type Endpoint struct {
	Address string
	Port    int
}

// HostPort renders the endpoint for net.Dial.
func (e Endpoint) HostPort() string { return net.JoinHostPort(e.Address, strconv.Itoa(e.Port)) }

func (e Endpoint) String() string { return e.HostPort() }

// Origin describes where an inbound message came from.
type Origin struct {
	Kind Kind
	// RemoteAddr is the "host:port" of the connection.
	RemoteAddr string
	// ServerPort is the listening port the sender advertised, 0 if it did not.
	ServerPort int
	// Certificate is the verified leaf certificate of the sender, TLS only.
	Certificate *x509.Certificate
	// ContentType is the media type the sender declared, if any.
	ContentType string
}

// Handler is implemented by the pool.
type Handler interface {
	// Authorize decides whether a sender may talk to us at all. Transports
	// call it before reading the body; under TLS it also runs during the
	// handshake.
	Authorize(o Origin) error
	// Handle consumes one inbound message body. Errors are reported back to
	// the sender where the transport can (an HTTP status, for example).
	Handle(ctx context.Context, o Origin, body []byte) error
}

// Listener is a running inbound endpoint.
type Listener interface {
	// Addr returns the bound address; useful after listening on port 0.
	Addr() net.Addr
	// Close stops accepting new messages and waits for in-flight handlers
	// until ctx is done.
	Close(ctx context.Context) error
}

// Transport delivers request bodies between pools.
type Transport interface {
	Kind() Kind
	// Listen starts serving on ep and dispatches inbound bodies to h.
	Listen(ctx context.Context, ep Endpoint, h Handler) (Listener, error)
	// Post sends one body to ep and returns once the remote side has
	// accepted or rejected it. No retries.
	Post(ctx context.Context, ep Endpoint, body []byte) error
	// Close releases idle connections.
	Close() error
}
