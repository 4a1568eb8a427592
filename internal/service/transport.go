package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrDeliveryFailed is the business outcome of a send the transport could
// not complete. It becomes a failed receipt, never a pipeline error.
var ErrDeliveryFailed = errors.New("delivery failed")

// Sender delivers one rendered message to one customer.
type Sender interface {
	Send(ctx context.Context, customerID int64, message string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, customerID int64, message string) error

func (f SenderFunc) Send(ctx context.Context, customerID int64, message string) error {
	return f(ctx, customerID, message)
}

// SimulatedSender stands in for a real messaging transport: a configurable
// fraction of sends succeed.
type SimulatedSender struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	successRate float64
}

func NewSimulatedSender(successRate float64) *SimulatedSender {
	if successRate < 0 {
		successRate = 0
	}
	if successRate > 1 {
		successRate = 1
	}
	return &SimulatedSender{
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: successRate,
	}
}

func (s *SimulatedSender) Send(ctx context.Context, customerID int64, message string) error {
	s.mu.Lock()
	r := s.rnd.Float64()
	s.mu.Unlock()
	if r < s.successRate {
		return nil
	}
	return ErrDeliveryFailed
}
