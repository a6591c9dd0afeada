package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/barbershop-chat-scheduling/internal/redis"
)

// recordingHandler tracks the order and overlap of handled messages.
type recordingHandler struct {
	mu       sync.Mutex
	order    map[string][]string
	inFlight map[string]int
	overlap  bool
	delay    time.Duration
}

func newRecordingHandler(delay time.Duration) *recordingHandler {
	return &recordingHandler{
		order:    map[string][]string{},
		inFlight: map[string]int{},
		delay:    delay,
	}
}

func (r *recordingHandler) Handle(_ context.Context, msg Message) (Reply, error) {
	r.mu.Lock()
	r.inFlight[msg.SenderID]++
	if r.inFlight[msg.SenderID] > 1 {
		r.overlap = true
	}
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	r.inFlight[msg.SenderID]--
	r.order[msg.SenderID] = append(r.order[msg.SenderID], msg.Text)
	r.mu.Unlock()
	return Reply{To: msg.SenderID, Text: "ok " + msg.Text}, nil
}

func TestDispatcherSerializesPerCustomer(t *testing.T) {
	h := newRecordingHandler(2 * time.Millisecond)
	d := NewDispatcher(h, nil, nil)

	var wg sync.WaitGroup
	for _, sender := range []string{"a", "b", "c"} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(sender, text string) {
				defer wg.Done()
				reply, err := d.Submit(context.Background(), Message{SenderID: sender, Text: text})
				assert.NoError(t, err)
				assert.Equal(t, "ok "+text, reply.Text)
			}(sender, fmt.Sprintf("%d", i))
		}
	}
	wg.Wait()
	d.Wait()

	assert.False(t, h.overlap, "two messages of one customer ran at once")
	for _, sender := range []string{"a", "b", "c"} {
		assert.Len(t, h.order[sender], 10)
	}
	assert.Empty(t, d.queues, "idle workers exit")
}

func TestDispatcherKeepsArrivalOrder(t *testing.T) {
	release := make(chan struct{})
	first := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	d := NewDispatcher(handlerFunc(func(_ context.Context, msg Message) (Reply, error) {
		if msg.Text == "0" {
			close(first)
			<-release
		}
		mu.Lock()
		order = append(order, msg.Text)
		mu.Unlock()
		return Reply{}, nil
	}), nil, nil)

	queued := func() int {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.queues["a"])
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			_, err := d.Submit(context.Background(), Message{SenderID: "a", Text: text})
			assert.NoError(t, err)
		}(fmt.Sprintf("%d", i))
		// Wait until this message is queued before sending the next one.
		if i == 0 {
			<-first
			continue
		}
		want := i
		require.Eventually(t, func() bool { return queued() == want }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, order)
}

func TestDispatcherRunsCustomersInParallel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	h := handlerFunc(func(_ context.Context, msg Message) (Reply, error) {
		started <- msg.SenderID
		<-release
		return Reply{Text: msg.SenderID}, nil
	})
	d := NewDispatcher(h, nil, nil)

	var wg sync.WaitGroup
	for _, sender := range []string{"a", "b"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			_, err := d.Submit(context.Background(), Message{SenderID: sender})
			assert.NoError(t, err)
		}(sender)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("customers did not run in parallel")
		}
	}
	close(release)
	wg.Wait()
}

func TestDispatcherPropagatesHandlerError(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher(handlerFunc(func(context.Context, Message) (Reply, error) {
		return Reply{}, boom
	}), nil, nil)

	_, err := d.Submit(context.Background(), Message{SenderID: "a"})
	assert.ErrorIs(t, err, boom)
}

func TestDispatcherSkipsAbandonedMessages(t *testing.T) {
	calls := 0
	d := NewDispatcher(handlerFunc(func(context.Context, Message) (Reply, error) {
		calls++
		return Reply{}, nil
	}), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Submit(ctx, Message{SenderID: "a"})
	assert.ErrorIs(t, err, context.Canceled)
	d.Wait()
	assert.Zero(t, calls)
}

func TestDispatcherHoldsRedisLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redisclient.NewRedisKeyLocker(client, 5*time.Second)

	key := redisclient.CustomerLockKey(customer)
	d := NewDispatcher(handlerFunc(func(ctx context.Context, msg Message) (Reply, error) {
		assert.True(t, mr.Exists(key), "handler runs under the customer lease")
		return Reply{Text: "ok"}, nil
	}), locker, nil)

	reply, err := d.Submit(context.Background(), Message{SenderID: customer})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Text)
	assert.False(t, mr.Exists(key))
}

func TestDispatcherLeaseHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, mr.Set(redisclient.CustomerLockKey(customer), "other-replica"))

	d := NewDispatcher(handlerFunc(func(context.Context, Message) (Reply, error) {
		t.Error("handler must not run without the lease")
		return Reply{}, nil
	}), redisclient.NewRedisKeyLocker(client, 5*time.Second), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := d.Submit(ctx, Message{SenderID: customer})
	assert.Error(t, err)
	d.Wait()
}

type handlerFunc func(ctx context.Context, msg Message) (Reply, error)

func (f handlerFunc) Handle(ctx context.Context, msg Message) (Reply, error) { return f(ctx, msg) }
