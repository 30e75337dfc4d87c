// Package mem is an in-process transport. Pools attached to the same Network
// reach each other without sockets, which keeps pool tests deterministic.
package mem

import (
	"context"
	"crypto/x509"
	"net"
	"strconv"
	"sync"

	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/transport"
)

// firstPort is where automatically assigned ports start.
const firstPort = 40000

// Network connects in-process transports by endpoint.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*listener
	nextPort  int
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*listener), nextPort: firstPort}
}

// Transport returns a transport whose connections originate from host. A
// non-nil cert is presented as the sender's verified certificate.
func (n *Network) Transport(host string, cert *x509.Certificate) *Transport {
	return &Transport{net: n, host: host, cert: cert}
}

func (n *Network) allocPort() int {
	n.nextPort++
	return n.nextPort
}

// Transport is one node's view of a Network.
type Transport struct {
	net  *Network
	host string
	cert *x509.Certificate

	mu         sync.Mutex
	serverPort int
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(_ context.Context, ep transport.Endpoint, h transport.Handler) (transport.Listener, error) {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep.Port == 0 {
		ep.Port = n.allocPort()
	}
	key := ep.HostPort()
	if _, ok := n.listeners[key]; ok {
		return nil, errs.From(errs.ErrTransport).Op("listen").Detail("mem: %s already in use", key).Build()
	}
	l := &listener{net: n, key: key, h: h}
	n.listeners[key] = l
	t.mu.Lock()
	t.serverPort = ep.Port
	t.mu.Unlock()
	return l, nil
}

// Post hands body to the listener at ep and returns the handler's verdict.
func (t *Transport) Post(ctx context.Context, ep transport.Endpoint, body []byte) error {
	t.net.mu.Lock()
	l := t.net.listeners[ep.HostPort()]
	srcPort := t.net.allocPort()
	t.net.mu.Unlock()
	if l == nil {
		return errs.From(errs.ErrTransport).Op("post").Detail("mem: connection refused by %s", ep.HostPort()).Build()
	}
	t.mu.Lock()
	origin := transport.Origin{
		Kind:        transport.KindMem,
		RemoteAddr:  net.JoinHostPort(t.host, strconv.Itoa(srcPort)),
		ServerPort:  t.serverPort,
		Certificate: t.cert,
	}
	t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return errs.From(errs.ErrTransport).Op("post").Cause(err).Build()
	}
	return l.deliver(ctx, origin, append([]byte(nil), body...))
}

func (t *Transport) Close() error { return nil }

type listener struct {
	net *Network
	key string
	h   transport.Handler

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (l *listener) deliver(ctx context.Context, o transport.Origin, body []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errs.From(errs.ErrTransport).Op("post").Detail("mem: %s closed", l.key).Build()
	}
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	if err := l.h.Authorize(o); err != nil {
		return err
	}
	return l.h.Handle(ctx, o, body)
}

func (l *listener) Addr() net.Addr { return memAddr(l.key) }

func (l *listener) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.net.mu.Lock()
	delete(l.net.listeners, l.key)
	l.net.mu.Unlock()

	done := make(chan struct{})
	go func() { l.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
