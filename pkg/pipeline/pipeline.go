// Package pipeline runs fire-and-forget sends on a fixed pool of workers.
// Jobs are queued in a priocq.MultiLevelQueue, so a large transfer to one
// peer does not hold back small messages to others. Failures never reach the
// caller that scheduled the job; they go to the error sink and the log.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/core/priocq"
	"github.com/TNO-MPC/communication/pkg/errs"
)

// Job is one scheduled operation.
type Job struct {
	Peer      string
	MessageID string
	Size      int
	Run       func(ctx context.Context) error
}

// AsyncError reports a failed job.
type AsyncError struct {
	Peer      string
	MessageID string
	Err       error
	At        time.Time
}

func (e AsyncError) Error() string { return e.Err.Error() }
func (e AsyncError) Unwrap() error { return e.Err }

type Options struct {
	Workers int           // 2 when zero
	Timeout time.Duration // per job, none when zero
	Logger  *zap.Logger
	OnError func(AsyncError)
}

// Pipeline wires the queue to the workers.
type Pipeline struct {
	q    *priocq.MultiLevelQueue
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{q: priocq.New(), opts: opts, log: log.Named("pipeline"), ctx: ctx, cancel: cancel}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue schedules j. It fails with ErrPoolClosed after Close.
func (p *Pipeline) Enqueue(j Job) error {
	it := priocq.Item{Dest: j.Peer, Size: j.Size, Class: priocq.Classify(j.Size), Value: j}
	if !p.q.Enqueue(it) {
		return errs.From(errs.ErrPoolClosed).Op("asend").Peer(j.Peer).MessageID(j.MessageID).Build()
	}
	return nil
}

// Pending is the number of jobs not yet picked up by a worker.
func (p *Pipeline) Pending() int { return p.q.Len() }

// Close stops intake and waits for queued and running jobs. If ctx ends
// first, running jobs are cancelled and the remaining ones fail.
func (p *Pipeline) Close(ctx context.Context) error {
	p.q.Close()
	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		it, ok := p.q.Dequeue()
		if !ok {
			return
		}
		p.run(it.Value.(Job), time.Since(it.Arrived))
	}
}

func (p *Pipeline) run(j Job, queued time.Duration) {
	ctx := p.ctx
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}
	err := j.Run(ctx)
	if err == nil {
		p.log.Debug("job done", zap.String("peer", j.Peer), zap.String("id", j.MessageID), zap.Duration("queued", queued))
		return
	}
	p.log.Warn("async send failed", zap.String("peer", j.Peer), zap.String("id", j.MessageID), zap.Error(err))
	if p.opts.OnError != nil {
		p.opts.OnError(AsyncError{Peer: j.Peer, MessageID: j.MessageID, Err: err, At: time.Now()})
	}
}
