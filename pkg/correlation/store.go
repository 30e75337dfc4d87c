// Package correlation matches inbound messages to receive requests.
//
// A slot is keyed by (peer, message id) and is either awaiting arrival (a
// receive is parked on a Pending) or awaiting consumption (a message is
// buffered). Receives without an id take the oldest unread message of the
// peer, in arrival order. One mutex guards all state, so every transition is
// atomic with respect to concurrent receives and deliveries.
package correlation

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/errs"
)

type key struct{ peer, id string }

type message struct {
	id    string
	value any
}

// Store is the correlation table of one pool.
type Store struct {
	log *zap.Logger

	mu      sync.Mutex
	waiting map[key]*Pending
	// buffered messages, indexed by key and queued per peer in arrival order
	buffered map[key]*list.Element
	arrivals map[string]*list.List
	// next-unread receives, per peer in request order
	next   map[string]*list.List
	closed bool
}

func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:      log.Named("correlation"),
		waiting:  make(map[key]*Pending),
		buffered: make(map[key]*list.Element),
		arrivals: make(map[string]*list.List),
		next:     make(map[string]*list.List),
	}
}

// RequestReceive asks for message id from peer. A buffered message resolves
// the returned handle immediately. A second outstanding request for the same
// key fails with ErrDuplicateReceiveRequest.
func (s *Store) RequestReceive(peer, id string) (*Pending, error) {
	k := key{peer, id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.From(errs.ErrPoolClosed).Op("receive").Peer(peer).MessageID(id).Build()
	}
	if el, ok := s.buffered[k]; ok {
		msg := s.unbufferLocked(peer, el)
		return resolved(peer, msg), nil
	}
	if _, ok := s.waiting[k]; ok {
		return nil, errs.From(errs.ErrDuplicateReceiveRequest).Op("receive").Peer(peer).MessageID(id).Build()
	}
	p := newPending(s, peer, id)
	s.waiting[k] = p
	return p, nil
}

// RequestNext asks for the oldest unread message of peer, whatever its id.
// Concurrent requests are served in the order they were made.
func (s *Store) RequestNext(peer string) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.From(errs.ErrPoolClosed).Op("receive").Peer(peer).Build()
	}
	if q := s.arrivals[peer]; q != nil && q.Len() > 0 {
		msg := s.unbufferLocked(peer, q.Front())
		return resolved(peer, msg), nil
	}
	p := newPending(s, peer, "")
	q := s.next[peer]
	if q == nil {
		q = list.New()
		s.next[peer] = q
	}
	p.elem = q.PushBack(p)
	return p, nil
}

// Deliver hands an inbound message to the store. It completes the receive
// waiting for exactly this id, else the oldest next-unread receive of the
// peer, else buffers the message. If a message with the same id is already
// buffered the new one is rejected with ErrDuplicateMessageID and the first
// stays retrievable.
func (s *Store) Deliver(peer, id string, value any) error {
	k := key{peer, id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.From(errs.ErrPoolClosed).Op("deliver").Peer(peer).MessageID(id).Build()
	}
	if p, ok := s.waiting[k]; ok {
		delete(s.waiting, k)
		p.resolve(id, value, nil)
		return nil
	}
	if _, ok := s.buffered[k]; ok {
		s.log.Warn("duplicate message id, keeping first payload", zap.String("peer", peer), zap.String("id", id))
		return errs.From(errs.ErrDuplicateMessageID).Op("deliver").Peer(peer).MessageID(id).Build()
	}
	if q := s.next[peer]; q != nil && q.Len() > 0 {
		p := q.Remove(q.Front()).(*Pending)
		p.elem = nil
		p.resolve(id, value, nil)
		return nil
	}
	q := s.arrivals[peer]
	if q == nil {
		q = list.New()
		s.arrivals[peer] = q
	}
	s.buffered[k] = q.PushBack(message{id: id, value: value})
	s.log.Debug("buffered", zap.String("peer", peer), zap.String("id", id), zap.Int("queued", q.Len()))
	return nil
}

func (s *Store) unbufferLocked(peer string, el *list.Element) message {
	q := s.arrivals[peer]
	msg := q.Remove(el).(message)
	delete(s.buffered, key{peer, msg.id})
	if q.Len() == 0 {
		delete(s.arrivals, peer)
	}
	return msg
}

// cancel withdraws p if it is still registered. It reports false when a
// delivery already resolved p.
func (s *Store) cancel(p *Pending, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.isDone() {
		return false
	}
	s.removeLocked(p)
	p.resolve(p.id, nil, cause)
	return true
}

func (s *Store) removeLocked(p *Pending) {
	if p.elem != nil {
		if q := s.next[p.peer]; q != nil {
			q.Remove(p.elem)
			if q.Len() == 0 {
				delete(s.next, p.peer)
			}
		}
		p.elem = nil
		return
	}
	k := key{p.peer, p.id}
	if s.waiting[k] == p {
		delete(s.waiting, k)
	}
}

// Buffered lists the unread message ids of peer in arrival order.
func (s *Store) Buffered(peer string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.arrivals[peer]
	if q == nil {
		return nil
	}
	out := make([]string, 0, q.Len())
	for el := q.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(message).id)
	}
	return out
}

// Len reports the number of parked receives and buffered messages.
func (s *Store) Len() (waiting, buffered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiting = len(s.waiting)
	for _, q := range s.next {
		waiting += q.Len()
	}
	return waiting, len(s.buffered)
}

// Drop discards everything held for peer. Parked receives fail with err.
func (s *Store) Drop(peer string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(peer, err)
}

func (s *Store) dropLocked(peer string, err error) {
	for k, p := range s.waiting {
		if k.peer == peer {
			delete(s.waiting, k)
			p.resolve(k.id, nil, err)
		}
	}
	if q := s.next[peer]; q != nil {
		for el := q.Front(); el != nil; el = el.Next() {
			p := el.Value.(*Pending)
			p.elem = nil
			p.resolve("", nil, err)
		}
		delete(s.next, peer)
	}
	if q := s.arrivals[peer]; q != nil {
		if n := q.Len(); n > 0 {
			s.log.Info("discarding unread messages", zap.String("peer", peer), zap.Int("count", n))
		}
		for el := q.Front(); el != nil; el = el.Next() {
			delete(s.buffered, key{peer, el.Value.(message).id})
		}
		delete(s.arrivals, peer)
	}
}

// Close fails every parked receive with ErrPoolClosed and rejects further
// use. Buffered messages are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	peers := make(map[string]struct{})
	for k := range s.waiting {
		peers[k.peer] = struct{}{}
	}
	for p := range s.next {
		peers[p] = struct{}{}
	}
	for p := range s.arrivals {
		peers[p] = struct{}{}
	}
	for p := range peers {
		s.dropLocked(p, errs.From(errs.ErrPoolClosed).Op("receive").Peer(p).Build())
	}
}

// Pending is a receive that may not have completed yet. It resolves exactly
// once.
type Pending struct {
	s    *Store
	peer string
	id   string
	elem *list.Element // position among next-unread receives

	done  chan struct{}
	msgID string
	value any
	err   error
}

func newPending(s *Store, peer, id string) *Pending {
	return &Pending{s: s, peer: peer, id: id, done: make(chan struct{})}
}

func resolved(peer string, msg message) *Pending {
	p := &Pending{peer: peer, id: msg.id, done: make(chan struct{})}
	p.resolve(msg.id, msg.value, nil)
	return p
}

// resolve is called with the store lock held, or before p is shared.
func (p *Pending) resolve(id string, v any, err error) {
	p.msgID, p.value, p.err = id, v, err
	close(p.done)
}

func (p *Pending) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Peer is the peer the receive is addressed to.
func (p *Pending) Peer() string { return p.peer }

// Done is closed once the receive has a result.
func (p *Pending) Done() <-chan struct{} { return p.done }

// MessageID is the id of the message that completed the receive. For
// next-unread receives it is known only after Done.
func (p *Pending) MessageID() string {
	select {
	case <-p.done:
		return p.msgID
	default:
		return p.id
	}
}

// Wait blocks until the message arrives or ctx ends. On cancellation the slot
// is removed, so a later delivery is buffered for the next receive instead of
// being lost; if the delivery won the race its value is returned.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
	}
	if p.s != nil && p.s.cancel(p, ctx.Err()) {
		return nil, ctx.Err()
	}
	<-p.done
	return p.value, p.err
}

// Cancel withdraws the receive. It is a no-op once the receive completed.
func (p *Pending) Cancel() {
	if p.s != nil {
		p.s.cancel(p, context.Canceled)
	}
}
