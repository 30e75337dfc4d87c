// Package pool is the application-facing side of the message exchange. A Pool
// serves inbound messages from registered peers and sends values to them;
// receives are matched by (peer, message id) or, without an id, in arrival
// order per peer.
//
// A minimal two-party exchange:
//
//	p, _ := pool.New()
//	_ = p.AddClient(ctx, "bob", "10.0.0.2", 8081, nil)
//	_ = p.StartServer(ctx, "0.0.0.0", 8080)
//	_, _ = p.Send(ctx, "bob", big.NewInt(42), pool.MessageID("greet"))
//	v, _ := p.Receive(ctx, "bob", pool.MessageID("greet"))
package pool

import (
	"context"
	"crypto/x509"
	"net"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/core/peering"
	"github.com/TNO-MPC/communication/pkg/correlation"
	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/identity"
	"github.com/TNO-MPC/communication/pkg/memkv"
	"github.com/TNO-MPC/communication/pkg/peers"
	"github.com/TNO-MPC/communication/pkg/pipeline"
	"github.com/TNO-MPC/communication/pkg/protocol/codec"
	"github.com/TNO-MPC/communication/pkg/serialization"
	"github.com/TNO-MPC/communication/pkg/serialization/plugins"
	"github.com/TNO-MPC/communication/pkg/transport"
	"github.com/TNO-MPC/communication/pkg/transport/httpx"
)

// State is the lifecycle stage of a Pool.
type State int32

const (
	StateStopped State = iota
	StateListening
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Pool is safe for concurrent use.
type Pool struct {
	opts   options
	log    *zap.Logger
	reg    *serialization.Registry
	codec  codec.Codec
	codecs *codec.Registry // envelope decoders by declared content type
	tr     transport.Transport
	ids    *identity.Resolver
	peers  *peers.Store
	store  *correlation.Store
	pipe   *pipeline.Pipeline

	mu       sync.RWMutex
	state    State
	sessions map[string]*peering.Session
	listener transport.Listener
}

// New builds a stopped pool. Peers can be added and messages sent before
// StartServer; inbound messages arrive only after it.
func New(opts ...Option) (*Pool, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	log := o.log.Named("pool")

	if o.registry == nil {
		o.registry = serialization.NewRegistry()
		if err := plugins.Install(o.registry); err != nil {
			return nil, err
		}
	}
	if o.codec == nil {
		c, err := codec.CBOR()
		if err != nil {
			return nil, errs.From(errs.ErrInvalidConfig).Op("new pool").Cause(err).Build()
		}
		o.codec = c
	}
	if o.transport == nil {
		tr, err := httpx.New(httpx.Options{
			ServerTLS:    o.serverTLS,
			ClientTLS:    o.clientTLS,
			ContentType:  o.codec.ContentType(),
			MaxBodyBytes: o.maxBodyBytes,
			Logger:       o.log,
		})
		if err != nil {
			return nil, err
		}
		o.transport = tr
	}
	if o.mode == identity.ModeCertificate && o.transport.Kind() == transport.KindHTTP {
		return nil, errs.From(errs.ErrInvalidConfig).Op("new pool").Detail("certificate identity mode requires TLS").Build()
	}

	p := &Pool{
		opts:     o,
		log:      log,
		reg:      o.registry,
		codec:    o.codec,
		codecs:   codec.NewRegistry(o.codec),
		tr:       o.transport,
		ids:      identity.NewResolver(o.mode, o.log),
		peers:    peers.NewStore(memkv.New(memkv.Options{Shards: 16}), o.log),
		store:    correlation.New(o.log),
		sessions: make(map[string]*peering.Session),
	}
	p.pipe = pipeline.New(pipeline.Options{
		Workers: o.workers,
		Timeout: o.sendTimeout,
		Logger:  o.log,
		OnError: o.onError,
	})
	log.Debug("pool created",
		zap.String("node", o.nodeName),
		zap.Stringer("mode", o.mode),
		zap.Stringer("transport", p.tr.Kind()),
		zap.String("prefix", o.prefix))
	return p, nil
}

// State reports the lifecycle stage.
func (p *Pool) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Registry exposes the serialization registry so types can be registered
// before StartServer.
func (p *Pool) Registry() *serialization.Registry { return p.reg }

// IdentityMode is fixed at construction.
func (p *Pool) IdentityMode() identity.Mode { return p.ids.Mode() }

func (p *Pool) closedErr(op string) error {
	return errs.From(errs.ErrPoolClosed).Op(op).Build()
}

// usable fails once Shutdown has begun.
func (p *Pool) usableLocked(op string) error {
	if p.state == StateShuttingDown || p.state == StateClosed {
		return p.closedErr(op)
	}
	return nil
}

// AddClient registers a peer. In certificate mode cert is required and its
// issuer and serial become the identity key; in origin mode the key is the
// resolved address and port, and cert is ignored.
func (p *Pool) AddClient(ctx context.Context, name, address string, port int, cert *x509.Certificate) error {
	const op = "add client"
	if name == "" || address == "" || port <= 0 || port > 65535 {
		return errs.From(errs.ErrInvalidConfig).Op(op).Peer(name).Detail("name, address and port %d are required", port).Build()
	}
	var key transport.PeerID
	switch p.ids.Mode() {
	case identity.ModeCertificate:
		if cert == nil {
			return errs.From(errs.ErrInvalidCertificate).Op(op).Peer(name).Detail("certificate mode needs the peer certificate").Build()
		}
		key = transport.CertificateKey(cert)
	default:
		host, err := transport.ResolveHost(ctx, address)
		if err != nil {
			return err
		}
		key = transport.OriginKey(host, port)
	}
	peer := peers.Peer{Name: name, Address: address, Port: port, IdentityKey: key}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked(op); err != nil {
		return err
	}
	if err := p.peers.Add(peer); err != nil {
		return err
	}
	if err := p.ids.Register(key, name); err != nil {
		p.peers.Remove(name)
		return err
	}
	if _, ok := p.sessions[name]; !ok {
		p.sessions[name] = peering.NewSession(peering.Config{
			Peer:      peer,
			Transport: p.tr,
			Codec:     p.codec,
			Registry:  p.reg,
			Stats:     p.peers,
			Sender:    p.opts.nodeName,
			Prefix:    p.opts.prefix,
			Logger:    p.opts.log,
		})
	}
	p.log.Info("client added", zap.String("peer", name), zap.String("addr", peer.Endpoint().HostPort()), zap.String("key", string(key)))
	return nil
}

// AddClientCertFile is AddClient with the certificate read from a PEM file.
func (p *Pool) AddClientCertFile(ctx context.Context, name, address string, port int, certPath string) error {
	var cert *x509.Certificate
	if certPath != "" {
		c, err := identity.LoadCertificate(certPath)
		if err != nil {
			return err
		}
		cert = c
	}
	return p.AddClient(ctx, name, address, port, cert)
}

// StartServer freezes the registry and starts accepting messages on
// address:port. Port 0 picks a free port; see Addr.
func (p *Pool) StartServer(ctx context.Context, address string, port int) error {
	const op = "start server"
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked(op); err != nil {
		return err
	}
	if p.state == StateListening {
		return errs.From(errs.ErrInvalidConfig).Op(op).Detail("already listening on %s", p.listener.Addr()).Build()
	}
	p.reg.Freeze()
	l, err := p.tr.Listen(ctx, transport.Endpoint{Address: address, Port: port}, inbound{p: p})
	if err != nil {
		return err
	}
	p.listener = l
	p.state = StateListening
	p.log.Info("serving", zap.Stringer("addr", l.Addr()), zap.Stringer("transport", p.tr.Kind()), zap.Stringer("mode", p.ids.Mode()))
	return nil
}

// Addr is the bound listening address.
func (p *Pool) Addr() (net.Addr, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listener == nil {
		return nil, errs.From(errs.ErrServerNotStarted).Op("addr").Build()
	}
	return p.listener.Addr(), nil
}

func (p *Pool) session(op, name string) (*peering.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.usableLocked(op); err != nil {
		return nil, err
	}
	s, ok := p.sessions[name]
	if !ok {
		return nil, errs.From(errs.ErrUnknownPeer).Op(op).Peer(name).Build()
	}
	return s, nil
}

func (p *Pool) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.sendTimeout > 0 {
		return context.WithTimeout(ctx, p.opts.sendTimeout)
	}
	return ctx, func() {}
}

// Send delivers v to peer and returns the message id used. It blocks until
// the remote transport accepted the message, not until it was received.
func (p *Pool) Send(ctx context.Context, peer string, v any, opts ...MessageOption) (string, error) {
	s, err := p.session("send", peer)
	if err != nil {
		return "", err
	}
	ctx, cancel := p.sendContext(ctx)
	defer cancel()
	return s.Send(ctx, v, applyMessage(opts).id)
}

// ASend encodes v synchronously and schedules the transmission. Encoding
// errors are returned; transport failures go to the error handler.
func (p *Pool) ASend(peer string, v any, opts ...MessageOption) (string, error) {
	s, err := p.session("asend", peer)
	if err != nil {
		return "", err
	}
	out, err := s.Prepare(v, s.MessageID(applyMessage(opts).id))
	if err != nil {
		return "", err
	}
	err = p.pipe.Enqueue(pipeline.Job{
		Peer:      peer,
		MessageID: out.ID,
		Size:      len(out.Body),
		Run:       func(ctx context.Context) error { return s.Post(ctx, out) },
	})
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// AReceive registers interest in a message from peer and returns at once.
// With MessageID the handle resolves with that message; otherwise with the
// next unread one.
func (p *Pool) AReceive(peer string, opts ...MessageOption) (*correlation.Pending, error) {
	if _, err := p.session("receive", peer); err != nil {
		return nil, err
	}
	if id := applyMessage(opts).id; id != "" {
		return p.store.RequestReceive(peer, p.opts.prefix+id)
	}
	return p.store.RequestNext(peer)
}

// Receive waits for a message from peer. Cancelling ctx withdraws the
// request; a message arriving later stays buffered for the next Receive.
func (p *Pool) Receive(ctx context.Context, peer string, opts ...MessageOption) (any, error) {
	pending, err := p.AReceive(peer, opts...)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// ResolveIdentity maps a transport origin to a registered peer name.
func (p *Pool) ResolveIdentity(o transport.Origin) (string, error) {
	name, _, err := p.ids.Resolve(o)
	return name, err
}

// Peers lists the registered peers with their traffic counters.
func (p *Pool) Peers() []peers.Record { return p.peers.Records() }

// PeerNames lists the registered peer names, sorted.
func (p *Pool) PeerNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.sessions))
	for n := range p.sessions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Stats sums the traffic counters of all peers.
func (p *Pool) Stats() peers.Stats { return p.peers.Totals() }

// Pending reports outstanding receives and buffered, unclaimed messages.
func (p *Pool) Pending() (waiting, buffered int) { return p.store.Len() }

// Buffered lists the ids of unclaimed messages from peer in arrival order.
func (p *Pool) Buffered(peer string) []string { return p.store.Buffered(peer) }

// Shutdown stops the listener, lets scheduled sends finish until ctx ends,
// closes every session and fails outstanding receives with ErrPoolClosed.
// Errors are collected rather than aborting the remaining steps. A second
// call is a no-op.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateShuttingDown || p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateShuttingDown
	l := p.listener
	sessions := make([]*peering.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	p.log.Info("shutting down", zap.Int("peers", len(sessions)), zap.Int("queued", p.pipe.Pending()))
	var err error
	if l != nil {
		err = multierr.Append(err, l.Close(ctx))
	}
	err = multierr.Append(err, p.pipe.Close(ctx))
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	p.store.Close()
	err = multierr.Append(err, p.tr.Close())
	p.peers.LogTotals()

	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()
	if err != nil {
		p.log.Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	p.log.Info("closed")
	return nil
}
