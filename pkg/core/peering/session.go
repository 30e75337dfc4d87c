// Package peering holds the outbound side of one remote party: its address,
// the default message-id counter and the encode path from a Go value to the
// bytes posted to the transport.
package peering

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/peers"
	"github.com/TNO-MPC/communication/pkg/protocol"
	"github.com/TNO-MPC/communication/pkg/protocol/codec"
	"github.com/TNO-MPC/communication/pkg/serialization"
	"github.com/TNO-MPC/communication/pkg/transport"
)

// Config collects the collaborators of a Session.
type Config struct {
	Peer      peers.Peer
	Transport transport.Transport
	Codec     codec.Codec
	Registry  *serialization.Registry
	// Stats receives the traffic counters; optional.
	Stats *peers.Store
	// Sender is the local node name written into envelopes.
	Sender string
	// Prefix is prepended to every message id, explicit or generated.
	Prefix string
	Logger *zap.Logger
}

// Session is safe for concurrent use.
type Session struct {
	cfg     Config
	log     *zap.Logger
	counter atomic.Uint64
	closed  atomic.Bool
}

func NewSession(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{cfg: cfg, log: log.With(zap.String("peer", cfg.Peer.Name))}
}

func (s *Session) Peer() peers.Peer { return s.cfg.Peer }

// NextID allocates the next default id: 0, 1, 2, ... per destination.
func (s *Session) NextID() string {
	return strconv.FormatUint(s.counter.Add(1)-1, 10)
}

// MessageID applies the prefix to id, allocating one when id is empty.
func (s *Session) MessageID(id string) string {
	if id == "" {
		id = s.NextID()
	}
	return s.cfg.Prefix + id
}

// Outbound is a message encoded for one destination.
type Outbound struct {
	ID   string
	Body []byte
}

// Prepare serializes and encodes v. The id must already carry the prefix
// (see MessageID).
func (s *Session) Prepare(v any, id string) (Outbound, error) {
	if s.closed.Load() {
		return Outbound{}, errs.From(errs.ErrPoolClosed).Op("send").Peer(s.cfg.Peer.Name).MessageID(id).Build()
	}
	node, err := s.cfg.Registry.Serialize(v, serialization.Options{serialization.OptionDestination: s.cfg.Peer.Name})
	if err != nil {
		return Outbound{}, withPeer(err, s.cfg.Peer.Name, id)
	}
	body, err := protocol.Encode(s.cfg.Codec, protocol.Envelope{Sender: s.cfg.Sender, MessageID: id, Payload: node})
	if err != nil {
		return Outbound{}, withPeer(err, s.cfg.Peer.Name, id)
	}
	return Outbound{ID: id, Body: body}, nil
}

// Post transmits a prepared message. It returns when the remote transport
// accepted or refused it; nothing is retried.
func (s *Session) Post(ctx context.Context, out Outbound) error {
	if s.closed.Load() {
		return errs.From(errs.ErrPoolClosed).Op("send").Peer(s.cfg.Peer.Name).MessageID(out.ID).Build()
	}
	if err := s.cfg.Transport.Post(ctx, s.cfg.Peer.Endpoint(), out.Body); err != nil {
		s.log.Debug("send failed", zap.String("id", out.ID), zap.Error(err))
		return withPeer(err, s.cfg.Peer.Name, out.ID)
	}
	if s.cfg.Stats != nil {
		s.cfg.Stats.RecordSent(s.cfg.Peer.Name, len(out.Body))
	}
	s.log.Debug("sent", zap.String("id", out.ID), zap.Int("bytes", len(out.Body)))
	return nil
}

// Send is Prepare followed by Post. It returns the id used.
func (s *Session) Send(ctx context.Context, v any, id string) (string, error) {
	out, err := s.Prepare(v, s.MessageID(id))
	if err != nil {
		return "", err
	}
	return out.ID, s.Post(ctx, out)
}

// Close makes further sends fail with ErrPoolClosed.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// withPeer fills in peer and message id on structured errors that lack them.
func withPeer(err error, peer, id string) error {
	var e *errs.Error
	if !errors.As(err, &e) {
		return errs.From(errs.ErrTransport).Op("send").Peer(peer).MessageID(id).Cause(err).Build()
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
