package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// MemoryBroker is an in-process Broker for single-node deployments and
// tests. Each queue keeps an ordered backlog; a dispatcher goroutine claims
// the oldest envelope and hands it to one subscriber (round-robin when
// several compete). Claimed envelopes are processed concurrently.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue

	maxRetries int
	retryDelay time.Duration
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type memoryQueue struct {
	cond        *sync.Cond
	backlog     []Envelope
	handlers    []Handler
	next        int
	dispatching bool
}

type MemoryOption func(*MemoryBroker)

// WithRetryDelay sets the base backoff between handler redeliveries.
func WithRetryDelay(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) { b.retryDelay = d }
}

// WithMaxRetries sets how many redeliveries a failing handler gets.
func WithMaxRetries(n int) MemoryOption {
	return func(b *MemoryBroker) { b.maxRetries = n }
}

func NewMemoryBroker(log zerolog.Logger, opts ...MemoryOption) *MemoryBroker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBroker{
		queues:     make(map[string]*memoryQueue),
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{cond: sync.NewCond(&sync.Mutex{})}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Enqueue(ctx context.Context, queueName string, payload any) (string, error) {
	env, err := NewEnvelope(queueName, payload)
	if err != nil {
		return "", err
	}
	q := b.queue(queueName)
	q.cond.L.Lock()
	q.backlog = append(q.backlog, env)
	q.cond.L.Unlock()
	q.cond.Broadcast()
	return env.ID, nil
}

func (b *MemoryBroker) Subscribe(queueName string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for queue %s", queueName)
	}
	q := b.queue(queueName)
	q.cond.L.Lock()
	q.handlers = append(q.handlers, handler)
	start := !q.dispatching
	q.dispatching = true
	q.cond.L.Unlock()
	if start {
		go b.dispatch(q)
	}
	// Wake the dispatcher in case a backlog predates the subscription.
	q.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) dispatch(q *memoryQueue) {
	for {
		q.cond.L.Lock()
		for len(q.backlog) == 0 && b.ctx.Err() == nil {
			q.cond.Wait()
		}
		if b.ctx.Err() != nil {
			q.cond.L.Unlock()
			return
		}
		env := q.backlog[0]
		q.backlog = q.backlog[1:]
		h := q.handlers[q.next%len(q.handlers)]
		q.next++
		q.cond.L.Unlock()

		go runHandler(b.ctx, b.log, h, env, b.maxRetries, b.retryDelay)
	}
}

func (b *MemoryBroker) DrainOldest(ctx context.Context, queueName string) (*Envelope, error) {
	q := b.queue(queueName)
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if len(q.backlog) == 0 {
		return nil, nil
	}
	env := q.backlog[0]
	q.backlog = q.backlog[1:]
	return &env, nil
}

func (b *MemoryBroker) Close() error {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		q.cond.Broadcast()
	}
	return nil
}
