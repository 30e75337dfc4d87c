// Package identity maps transport origins to peer names.
//
// A Resolver runs in one of two modes, fixed at construction. In origin mode
// the identity key is the sender's "ip:port"; this is fragile behind proxies
// and NAT and is meant for local deployments only. In certificate mode the key
// is "<issuer CN>:<serial>" of the client certificate verified during the TLS
// handshake, and a certificate must be registered before its owner can send.
package identity

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/transport"
)

// Mode selects how identity keys are derived.
type Mode int

const (
	ModeOrigin Mode = iota
	ModeCertificate
)

func (m Mode) String() string {
	switch m {
	case ModeCertificate:
		return "certificate"
	default:
		return "origin"
	}
}

// ParseMode accepts "origin" and "certificate" (or "cert").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "origin":
		return ModeOrigin, nil
	case "certificate", "cert":
		return ModeCertificate, nil
	}
	return 0, errs.From(errs.ErrInvalidConfig).Op("identity").Detail("unknown identity mode %q", s).Build()
}

// Resolver holds the registered identity keys. Safe for concurrent use.
type Resolver struct {
	mode Mode
	log  *zap.Logger

	mu    sync.RWMutex
	names map[transport.PeerID]string
}

func NewResolver(mode Mode, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{mode: mode, log: log.Named("identity"), names: make(map[transport.PeerID]string)}
}

func (r *Resolver) Mode() Mode { return r.mode }

// Register associates key with a peer name. Registering the same pair twice
// is a no-op; a key already bound to another name fails with
// ErrConflictingPeer.
func (r *Resolver) Register(key transport.PeerID, name string) error {
	if key == "" || name == "" {
		return errs.From(errs.ErrInvalidConfig).Op("register").Peer(name).Detail("empty identity key or name").Build()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.names[key]; ok {
		if cur == name {
			return nil
		}
		return errs.From(errs.ErrConflictingPeer).Op("register").Peer(name).Detail("identity %s already belongs to %q", key, cur).Build()
	}
	r.names[key] = name
	r.log.Debug("identity registered", zap.String("peer", name), zap.String("key", string(key)), zap.Stringer("mode", r.mode))
	return nil
}

// Unregister forgets key.
func (r *Resolver) Unregister(key transport.PeerID) {
	r.mu.Lock()
	delete(r.names, key)
	r.mu.Unlock()
}

// KeyFor derives the identity key of an origin according to the mode.
func (r *Resolver) KeyFor(o transport.Origin) (transport.PeerID, error) {
	if r.mode == ModeOrigin {
		return o.AddressKey()
	}
	if o.Certificate == nil {
		return "", errs.From(errs.ErrUnknownOrigin).Op("identity").Detail("%s presented no certificate", o.RemoteAddr).Build()
	}
	return transport.CertificateKey(o.Certificate), nil
}

// Resolve returns the peer name behind o, or ErrUnknownOrigin.
func (r *Resolver) Resolve(o transport.Origin) (string, transport.PeerID, error) {
	key, err := r.KeyFor(o)
	if err != nil {
		return "", "", err
	}
	r.mu.RLock()
	name, ok := r.names[key]
	r.mu.RUnlock()
	if !ok {
		return "", key, errs.From(errs.ErrUnknownOrigin).Op("identity").Detail("no peer registered for %s", key).Build()
	}
	return name, key, nil
}

// Authorize is the transport-side gate. In certificate mode an unregistered
// certificate is refused before any message body is read. In origin mode the
// advertised port is only known per request, so attribution is left to
// Resolve.
func (r *Resolver) Authorize(o transport.Origin) error {
	if r.mode != ModeCertificate {
		return nil
	}
	if _, key, err := r.Resolve(o); err != nil {
		r.log.Warn("rejected certificate", zap.String("remote", o.RemoteAddr), zap.String("key", string(key)))
		return err
	}
	return nil
}

// Keys lists the registered identities as "key=name", sorted.
func (r *Resolver) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for k, n := range r.names {
		out = append(out, fmt.Sprintf("%s=%s", k, n))
	}
	sort.Strings(out)
	return out
}
