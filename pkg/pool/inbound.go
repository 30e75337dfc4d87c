package pool

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/protocol"
	"github.com/TNO-MPC/communication/pkg/serialization"
	"github.com/TNO-MPC/communication/pkg/transport"
)

// inbound is the transport.Handler of a Pool: authorize, attribute, decode,
// deserialize, deliver. Every error is returned to the transport, which
// answers the sender with it.
type inbound struct{ p *Pool }

var _ transport.Handler = inbound{}

func (h inbound) accepting() error {
	h.p.mu.RLock()
	defer h.p.mu.RUnlock()
	if h.p.state != StateListening {
		return h.p.closedErr("receive")
	}
	return nil
}

// Authorize runs before the body is read; over TLS it runs in the handshake.
func (h inbound) Authorize(o transport.Origin) error {
	if err := h.accepting(); err != nil {
		return err
	}
	return h.p.ids.Authorize(o)
}

func (h inbound) Handle(_ context.Context, o transport.Origin, body []byte) error {
	p := h.p
	if err := h.accepting(); err != nil {
		return err
	}
	name, key, err := p.ids.Resolve(o)
	if err != nil {
		p.log.Warn("message from unknown origin", zap.String("remote", o.RemoteAddr), zap.String("key", string(key)))
		return err
	}
	c := p.codec
	// Only the wire codec keeps big integers and byte strings exact.
	if o.ContentType != "" {
		if c = p.codecs.Get(o.ContentType); c == nil {
			return errs.From(errs.ErrMalformedEnvelope).Op("receive").Peer(name).Detail("unsupported content type %q", o.ContentType).Build()
		}
	}
	env, err := protocol.Decode(c, body)
	if err != nil {
		p.log.Warn("malformed envelope", zap.String("peer", name), zap.Error(err))
		return withPeer(err, name, "")
	}
	v, err := p.reg.Deserialize(env.Payload, serialization.Options{serialization.OptionOrigin: name})
	if err != nil {
		p.log.Warn("payload rejected", zap.String("peer", name), zap.String("id", env.MessageID), zap.Error(err))
		return withPeer(err, name, env.MessageID)
	}
	if err := p.store.Deliver(name, env.MessageID, v); err != nil {
		return withPeer(err, name, env.MessageID)
	}
	p.peers.RecordReceived(name, len(body))
	p.log.Debug("received", zap.String("peer", name), zap.String("id", env.MessageID), zap.String("sender", env.Sender), zap.Int("bytes", len(body)))
	return nil
}

// withPeer fills in peer and message id on structured errors that lack them.
func withPeer(err error, peer, id string) error {
	var e *errs.Error
	if !errors.As(err, &e) {
		return err
	}
	c := *e
	if c.Peer == "" {
		c.Peer = peer
	}
	if c.MessageID == "" {
		c.MessageID = id
	}
	return &c
}
