package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// AMQPBroker maps each queue onto a durable RabbitMQ queue. Consumers use
// manual acknowledgement; a failed handler is redelivered via Nack/requeue
// with a header-counted attempt budget.
type AMQPBroker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  zerolog.Logger

	mu       sync.Mutex
	declared map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewAMQPBroker(url string, log zerolog.Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPBroker{
		conn:     conn,
		ch:       ch,
		log:      log,
		declared: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// declare is idempotent; the channel is not goroutine-safe so callers hold mu.
func (b *AMQPBroker) declare(queueName string) error {
	if b.declared[queueName] {
		return nil
	}
	_, err := b.ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	b.declared[queueName] = true
	return nil
}

func (b *AMQPBroker) Enqueue(ctx context.Context, queueName string, payload any) (string, error) {
	env, err := NewEnvelope(queueName, payload)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.declare(queueName); err != nil {
		return "", err
	}
	err = b.ch.Publish(
		"",        // default exchange
		queueName, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", queueName, err)
	}
	return env.ID, nil
}

func (b *AMQPBroker) Subscribe(queueName string, handler Handler) error {
	b.mu.Lock()
	if err := b.declare(queueName); err != nil {
		b.mu.Unlock()
		return err
	}
	msgs, err := b.ch.Consume(
		queueName,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	go func() {
		for d := range msgs {
			var env Envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				b.log.Error().Err(err).Str("queue", queueName).Msg("malformed envelope discarded")
				d.Ack(false)
				continue
			}
			if err := handler(b.ctx, env); err != nil {
				retries := headerRetryCount(d.Headers)
				if retries < defaultMaxRetries {
					b.requeue(queueName, d, env, retries+1)
					d.Ack(false)
					continue
				}
				b.log.Error().Err(err).
					Str("queue", queueName).
					Str("envelope", env.ID).
					Int("attempts", retries+1).
					Msg("handler permanently failed, dropping envelope")
			}
			d.Ack(false)
		}
	}()
	return nil
}

// requeue republishes a failed delivery with an incremented retry header.
// Nack(requeue) would reset the delivery without a counter, so redelivery
// could loop forever.
func (b *AMQPBroker) requeue(queueName string, d amqp.Delivery, env Envelope, retries int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"x-retry-count": int32(retries)},
		Body:         d.Body,
	})
	if err != nil {
		b.log.Error().Err(err).Str("envelope", env.ID).Msg("requeue failed, envelope lost")
	}
}

func headerRetryCount(headers amqp.Table) int {
	switch v := headers["x-retry-count"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (b *AMQPBroker) DrainOldest(ctx context.Context, queueName string) (*Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.declare(queueName); err != nil {
		return nil, err
	}
	d, ok, err := b.ch.Get(queueName, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (b *AMQPBroker) Close() error {
	b.cancel()
	if err := b.ch.Close(); err != nil {
		b.conn.Close()
		return err
	}
	return b.conn.Close()
}
