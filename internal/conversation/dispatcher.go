package conversation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	redisclient "github.com/hackgods/barbershop-chat-scheduling/internal/redis"
)

type handler interface {
	Handle(ctx context.Context, msg Message) (Reply, error)
}

type result struct {
	reply Reply
	err   error
}

type job struct {
	ctx  context.Context
	msg  Message
	done chan result
}

// Dispatcher runs messages of the same customer one at a time, in arrival
// order, while different customers proceed in parallel. Each customer with
// pending messages has one worker goroutine that exits once its queue is
// empty. With a Locker the same guarantee holds across replicas.
type Dispatcher struct {
	handler handler
	locker  redisclient.Locker
	logger  *zap.Logger

	mu     sync.Mutex
	queues map[string][]job
	wg     sync.WaitGroup
}

func NewDispatcher(h handler, locker redisclient.Locker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handler: h,
		locker:  locker,
		logger:  logger,
		queues:  make(map[string][]job),
	}
}

// Submit enqueues msg behind earlier messages of the same sender and waits
// for its reply.
func (d *Dispatcher) Submit(ctx context.Context, msg Message) (Reply, error) {
	j := job{ctx: ctx, msg: msg, done: make(chan result, 1)}
	key := msg.SenderID

	d.mu.Lock()
	pending, running := d.queues[key]
	d.queues[key] = append(pending, j)
	if !running {
		d.wg.Add(1)
		go d.run(key)
	}
	d.mu.Unlock()

	select {
	case r := <-j.done:
		return r.reply, r.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Wait blocks until every queued message has been processed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		pending := d.queues[key]
		if len(pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		j := pending[0]
		d.queues[key] = pending[1:]
		d.mu.Unlock()

		j.done <- d.process(j)
	}
}

func (d *Dispatcher) process(j job) result {
	// The caller gave up before its turn; the transport will redeliver.
	if err := j.ctx.Err(); err != nil {
		d.logger.Warn("dropping abandoned message",
			zap.String("customer_id", j.msg.SenderID),
			zap.Error(err),
		)
		return result{err: err}
	}

	if d.locker == nil {
		reply, err := d.handler.Handle(j.ctx, j.msg)
		return result{reply: reply, err: err}
	}

	var r result
	err := d.locker.WithKeyLock(j.ctx, redisclient.CustomerLockKey(j.msg.SenderID), func(ctx context.Context) error {
		r.reply, r.err = d.handler.Handle(ctx, j.msg)
		return r.err
	})
	if err != nil && r.err == nil {
		// lease not acquired or released with an error
		r.err = err
	}
	return r
}
