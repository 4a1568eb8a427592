package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pipeline queue names.
const (
	QueueCampaignDelivery  = "campaign-delivery"
	QueueMessageDelivery   = "message-delivery"
	QueueDeliveryReceipt   = "delivery-receipt"
	QueueReceiptDeadLetter = "delivery-receipt-dlq"
)

// Envelope is the transport wrapper carrying a stage payload through a queue.
type Envelope struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Handler consumes one claimed envelope. A non-nil error triggers the
// broker's bounded redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Broker moves envelopes between pipeline stages. The backlog behind each
// queue is the canonical work queue: a claimed envelope is removed
// atomically and processed by exactly one subscriber, so subscribers compete
// for work instead of each receiving every message. Enqueue order is
// preserved per queue; no ordering holds across queues.
type Broker interface {
	// Enqueue appends the payload to the queue's backlog and returns the
	// envelope id. It never blocks on handler processing.
	Enqueue(ctx context.Context, queueName string, payload any) (string, error)
	// Subscribe registers a competing consumer for the queue, for the
	// lifetime of the broker.
	Subscribe(queueName string, handler Handler) error
	// DrainOldest claims the oldest backlog entry without dispatching it.
	// Returns (nil, nil) when the queue is empty.
	DrainOldest(ctx context.Context, queueName string) (*Envelope, error)
	Close() error
}

// NewEnvelope wraps a payload for transport. Envelope ids are unique per
// enqueue call; they identify the envelope, not the business entity inside.
func NewEnvelope(queueName string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload for %s: %w", queueName, err)
	}
	return Envelope{
		ID:         fmt.Sprintf("%s-%d-%s", queueName, time.Now().UnixNano(), uuid.NewString()[:8]),
		Queue:      queueName,
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// runHandler invokes the handler with bounded retries and linear backoff.
// An envelope that still fails after maxRetries redeliveries is dropped;
// stages that cannot afford to lose work route it to a dead-letter queue
// themselves before returning nil.
func runHandler(ctx context.Context, log zerolog.Logger, h Handler, env Envelope, maxRetries int, delay time.Duration) {
	for attempt := 0; ; attempt++ {
		err := h(ctx, env)
		if err == nil {
			return
		}
		if attempt >= maxRetries {
			log.Error().Err(err).
				Str("queue", env.Queue).
				Str("envelope", env.ID).
				Int("attempts", attempt+1).
				Msg("handler permanently failed, dropping envelope")
			return
		}
		log.Warn().Err(err).
			Str("queue", env.Queue).
			Str("envelope", env.ID).
			Int("attempt", attempt+1).
			Msg("handler failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * delay):
		}
	}
}
