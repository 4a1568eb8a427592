package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const blpopTimeout = 5 * time.Second

// RedisBroker backs each queue with a Redis list. RPUSH appends to the
// backlog, BLPOP claims the oldest entry atomically, so any number of worker
// processes can compete for the same queue.
type RedisBroker struct {
	rdb *redis.Client
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisBroker(addr string, log zerolog.Logger) *RedisBroker {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBroker{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *RedisBroker) Enqueue(ctx context.Context, queueName string, payload any) (string, error) {
	env, err := NewEnvelope(queueName, payload)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if err := b.rdb.RPush(ctx, queueName, body).Err(); err != nil {
		return "", err
	}
	return env.ID, nil
}

func (b *RedisBroker) Subscribe(queueName string, handler Handler) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for b.ctx.Err() == nil {
			res, err := b.rdb.BLPop(b.ctx, blpopTimeout, queueName).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || b.ctx.Err() != nil {
					continue
				}
				b.log.Error().Err(err).Str("queue", queueName).Msg("claim failed")
				select {
				case <-b.ctx.Done():
				case <-time.After(time.Second):
				}
				continue
			}
			// res[0] is the key, res[1] the value.
			var env Envelope
			if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
				b.log.Error().Err(err).Str("queue", queueName).Msg("malformed envelope discarded")
				continue
			}
			go runHandler(b.ctx, b.log, handler, env, defaultMaxRetries, defaultRetryDelay)
		}
	}()
	return nil
}

func (b *RedisBroker) DrainOldest(ctx context.Context, queueName string) (*Envelope, error) {
	body, err := b.rdb.LPop(ctx, queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (b *RedisBroker) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.rdb.Close()
}
