package pool

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// targets defaults to every registered peer.
func (p *Pool) targets(names []string) []string {
	if len(names) > 0 {
		return names
	}
	return p.PeerNames()
}

// Broadcast sends v to each of the named peers, or to all of them, in
// parallel. It returns the id used per peer; failures are combined and do
// not stop the other sends.
func (p *Pool) Broadcast(ctx context.Context, v any, id string, names ...string) (map[string]string, error) {
	ids := make(map[string]string)
	var (
		mu     sync.Mutex
		failed error
		g      errgroup.Group
	)
	g.SetLimit(max(p.opts.workers, 1))
	for _, name := range p.targets(names) {
		g.Go(func() error {
			got, err := p.Send(ctx, name, v, MessageID(id))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = multierr.Append(failed, err)
				return nil
			}
			ids[name] = got
			return nil
		})
	}
	_ = g.Wait()
	return ids, failed
}

// ABroadcast schedules v for each of the named peers, or all of them.
func (p *Pool) ABroadcast(v any, id string, names ...string) (map[string]string, error) {
	ids := make(map[string]string)
	var err error
	for _, name := range p.targets(names) {
		got, e := p.ASend(name, v, MessageID(id))
		if e != nil {
			err = multierr.Append(err, e)
			continue
		}
		ids[name] = got
	}
	return ids, err
}

// ReceiveAll waits for one message from each of the named peers, or all of
// them. With an empty id it takes each peer's next unread message. The first
// failure cancels the remaining receives.
func (p *Pool) ReceiveAll(ctx context.Context, id string, names ...string) (map[string]any, error) {
	var opts []MessageOption
	if id != "" {
		opts = append(opts, MessageID(id))
	}
	var mu sync.Mutex
	out := make(map[string]any)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range p.targets(names) {
		g.Go(func() error {
			v, err := p.Receive(gctx, name, opts...)
			if err != nil {
				return err
			}
			mu.Lock()
			out[name] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
