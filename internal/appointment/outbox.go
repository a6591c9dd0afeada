package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrUndecodableRecord means a parked payload could not be read back. It
// was moved to the dead-letter list for a human to look at.
var ErrUndecodableRecord = errors.New("undecodable outbox record")

// Outbox holds ledger records whose calendar event was created but whose
// append failed, until the reconcile worker writes them. A record stays in
// Redis until it is acknowledged.
type Outbox interface {
	Push(ctx context.Context, rec Record) error
	// Claim moves the oldest record to the in-flight list. It returns nil
	// when the outbox is empty.
	Claim(ctx context.Context) (*Parked, error)
	// Ack drops a claimed record once it was handled.
	Ack(ctx context.Context, p *Parked) error
	// Release puts a claimed record back at the front of the queue.
	Release(ctx context.Context, p *Parked) error
	// Recover returns records left in flight by a worker that died.
	Recover(ctx context.Context) (int, error)
}

// Parked is a claimed outbox entry.
type Parked struct {
	Record Record
	raw    string
}

// RedisOutbox keeps records in three lists: the queue (LPush in, oldest on
// the right), the in-flight list and the dead-letter list.
type RedisOutbox struct {
	client     *redis.Client
	key        string
	processing string
	dead       string
}

func NewRedisOutbox(client *redis.Client, tenantID string) *RedisOutbox {
	key := fmt.Sprintf("outbox:appointments:%s", tenantID)
	return &RedisOutbox{
		client:     client,
		key:        key,
		processing: key + ":processing",
		dead:       key + ":dead",
	}
}

func (o *RedisOutbox) Push(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode outbox record: %w", err)
	}
	if err := o.client.LPush(ctx, o.key, data).Err(); err != nil {
		return fmt.Errorf("push outbox record: %w", err)
	}
	return nil
}

func (o *RedisOutbox) Claim(ctx context.Context) (*Parked, error) {
	raw, err := o.client.LMove(ctx, o.key, o.processing, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim outbox record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		_, perr := o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, o.processing, 1, raw)
			pipe.LPush(ctx, o.dead, raw)
			return nil
		})
		if perr != nil {
			return nil, fmt.Errorf("dead-letter outbox record: %w", perr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUndecodableRecord, err)
	}
	return &Parked{Record: rec, raw: raw}, nil
}

func (o *RedisOutbox) Ack(ctx context.Context, p *Parked) error {
	if err := o.client.LRem(ctx, o.processing, 1, p.raw).Err(); err != nil {
		return fmt.Errorf("ack outbox record: %w", err)
	}
	return nil
}

func (o *RedisOutbox) Release(ctx context.Context, p *Parked) error {
	_, err := o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, o.processing, 1, p.raw)
		pipe.RPush(ctx, o.key, p.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release outbox record: %w", err)
	}
	return nil
}

// Recover assumes a single reconcile worker: anything in flight when it
// starts was abandoned. Appends are idempotent, so a record recovered twice
// is still written once.
func (o *RedisOutbox) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := o.client.LMove(ctx, o.processing, o.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover outbox records: %w", err)
		}
		n++
	}
}

func (o *RedisOutbox) Len(ctx context.Context) (int64, error) {
	return o.client.LLen(ctx, o.key).Result()
}

func (o *RedisOutbox) InFlight(ctx context.Context) (int64, error) {
	return o.client.LLen(ctx, o.processing).Result()
}

func (o *RedisOutbox) DeadLetters(ctx context.Context) (int64, error) {
	return o.client.LLen(ctx, o.dead).Result()
}
