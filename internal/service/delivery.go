package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/karibucrm/campaign-engine/internal/errors"
	"github.com/karibucrm/campaign-engine/internal/model"
	"github.com/karibucrm/campaign-engine/internal/queue"
	"github.com/karibucrm/campaign-engine/internal/repository"
	"github.com/karibucrm/campaign-engine/internal/segment"
)

const (
	// DefaultChunkSize bounds how many delivery tasks audience resolution
	// enqueues between cancellation checkpoints.
	DefaultChunkSize = 100

	defaultReceiptRetries    = 3
	defaultReceiptRetryDelay = 100 * time.Millisecond
)

// CampaignTask is the audience-resolution payload on campaign-delivery.
type CampaignTask struct {
	CampaignID int64  `json:"campaignId"`
	SegmentID  int64  `json:"segmentId"`
	Message    string `json:"message"`
}

// MessageTask is the per-customer payload on message-delivery.
type MessageTask struct {
	CampaignID int64  `json:"campaignId"`
	CustomerID int64  `json:"customerId"`
	Message    string `json:"message"`
}

// DeliveryService runs the three-stage campaign delivery pipeline:
// audience resolution fans one delivery task out per qualified customer,
// delivery emits exactly one receipt per task, and receipt aggregation
// folds receipts into campaign counters and the terminal state.
type DeliveryService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	CustomerRepo repository.CustomerRepositoryInterface
	SegmentRepo  repository.SegmentRepositoryInterface
	Broker       queue.Broker
	Sender       Sender
	Log          zerolog.Logger

	// ChunkSize overrides DefaultChunkSize when positive.
	ChunkSize int
	// ReceiptRetries bounds stage-C persistence attempts before a receipt
	// is dead-lettered.
	ReceiptRetries    int
	ReceiptRetryDelay time.Duration

	canceled sync.Map // campaign id -> struct{}
}

// Register subscribes the stage handlers. Call once, before StartCampaign.
func (s *DeliveryService) Register() error {
	subs := []struct {
		queueName string
		handler   queue.Handler
	}{
		{queue.QueueCampaignDelivery, s.handleAudienceResolution},
		{queue.QueueMessageDelivery, s.handleMessageDelivery},
		{queue.QueueDeliveryReceipt, s.handleDeliveryReceipt},
	}
	for _, sub := range subs {
		if err := s.Broker.Subscribe(sub.queueName, sub.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.queueName, err)
		}
	}
	return nil
}

// StartCampaign transitions a draft (or scheduled) campaign to running and
// enqueues its audience-resolution task. A campaign that cannot be found
// leaves no state behind; the error propagates to the caller.
func (s *DeliveryService) StartCampaign(ctx context.Context, campaignID int64) error {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != model.StatusDraft && c.Status != model.StatusScheduled {
		return fmt.Errorf("campaign %d cannot start from status %q: %w",
			campaignID, c.Status, appErrors.ErrInvalidTransition)
	}
	if err := s.CampaignRepo.SetStatus(ctx, campaignID, model.StatusRunning); err != nil {
		return fmt.Errorf("transition campaign %d to running: %w", campaignID, err)
	}
	task := CampaignTask{CampaignID: campaignID, SegmentID: c.SegmentID, Message: c.Message}
	if _, err := s.Broker.Enqueue(ctx, queue.QueueCampaignDelivery, task); err != nil {
		return fmt.Errorf("enqueue audience resolution for campaign %d: %w", campaignID, err)
	}
	s.Log.Info().Int64("campaign", campaignID).Msg("campaign started")
	return nil
}

// CancelCampaign aborts a running campaign: the campaign lands in failed and
// every stage stops working on it at its next checkpoint.
func (s *DeliveryService) CancelCampaign(ctx context.Context, campaignID int64) error {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return err
	}
	s.canceled.Store(campaignID, struct{}{})
	if err := s.CampaignRepo.MarkFailed(ctx, campaignID); err != nil {
		return fmt.Errorf("cancel campaign %d: %w", campaignID, err)
	}
	s.Log.Warn().Int64("campaign", campaignID).Msg("campaign canceled")
	return nil
}

func (s *DeliveryService) isCanceled(campaignID int64) bool {
	_, ok := s.canceled.Load(campaignID)
	return ok
}

// handleAudienceResolution is stage A. Errors here are fatal to the
// campaign: it is marked failed, nothing is fanned out, nothing is retried.
func (s *DeliveryService) handleAudienceResolution(ctx context.Context, env queue.Envelope) error {
	var task CampaignTask
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		s.Log.Error().Err(err).Str("envelope", env.ID).Msg("malformed audience resolution task")
		return nil
	}
	log := s.Log.With().Int64("campaign", task.CampaignID).Logger()

	seg, err := s.SegmentRepo.GetByID(ctx, task.SegmentID)
	if err != nil {
		log.Error().Err(err).Int64("segment", task.SegmentID).Msg("audience resolution failed")
		s.failCampaign(ctx, task.CampaignID)
		return nil
	}
	customers, err := s.CustomerRepo.ListAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("customer fetch failed")
		s.failCampaign(ctx, task.CampaignID)
		return nil
	}

	var qualified []model.Customer
	for _, c := range customers {
		if segment.Matches(c, seg.Rules) {
			qualified = append(qualified, c)
		}
	}

	// Audience size must be on record before the first delivery task exists,
	// otherwise an early receipt could observe a zero denominator.
	if err := s.CampaignRepo.SetAudienceSize(ctx, task.CampaignID, len(qualified)); err != nil {
		log.Error().Err(err).Msg("recording audience size failed")
		s.failCampaign(ctx, task.CampaignID)
		return nil
	}

	if len(qualified) == 0 {
		// No receipts will ever arrive, so the completion trigger fires here.
		if _, err := s.CampaignRepo.MarkCompleted(ctx, task.CampaignID, time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("completing empty campaign failed")
			return nil
		}
		log.Info().Msg("no qualified customers, campaign completed")
		return nil
	}

	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	for start := 0; start < len(qualified); start += chunk {
		if ctx.Err() != nil || s.isCanceled(task.CampaignID) {
			log.Warn().Int("enqueued", start).Msg("fan-out aborted")
			return nil
		}
		for _, c := range qualified[start:min(start+chunk, len(qualified))] {
			msg := MessageTask{
				CampaignID: task.CampaignID,
				CustomerID: c.ID,
				Message:    RenderMessage(task.Message, c),
			}
			if _, err := s.Broker.Enqueue(ctx, queue.QueueMessageDelivery, msg); err != nil {
				log.Error().Err(err).Int64("customer", c.ID).Msg("fan-out enqueue failed")
				s.failCampaign(ctx, task.CampaignID)
				return nil
			}
		}
	}

	log.Info().Int("audience", len(qualified)).Msg("audience resolved")
	return nil
}

// handleMessageDelivery is stage B. A transport failure is a business
// outcome: either way exactly one receipt goes out.
func (s *DeliveryService) handleMessageDelivery(ctx context.Context, env queue.Envelope) error {
	var task MessageTask
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		s.Log.Error().Err(err).Str("envelope", env.ID).Msg("malformed delivery task")
		return nil
	}
	if s.isCanceled(task.CampaignID) {
		return nil
	}

	receipt := model.DeliveryResult{
		CampaignID: task.CampaignID,
		CustomerID: task.CustomerID,
		Status:     model.DeliveryDelivered,
	}
	if err := s.Sender.Send(ctx, task.CustomerID, task.Message); err != nil {
		receipt.Status = model.DeliveryFailed
		receipt.Error = err.Error()
	}

	if _, err := s.Broker.Enqueue(ctx, queue.QueueDeliveryReceipt, receipt); err != nil {
		// Returning the error hands the envelope back to the broker's
		// bounded redelivery; the receipt has not been recorded yet.
		return fmt.Errorf("enqueue receipt for campaign %d customer %d: %w",
			task.CampaignID, task.CustomerID, err)
	}
	return nil
}

// handleDeliveryReceipt is stage C. Many receipts for one campaign run
// concurrently; the conditional atomic increment in the repository keeps the
// counters exact, and MarkCompleted guarantees a single completion.
func (s *DeliveryService) handleDeliveryReceipt(ctx context.Context, env queue.Envelope) error {
	var receipt model.DeliveryResult
	if err := json.Unmarshal(env.Payload, &receipt); err != nil {
		s.Log.Error().Err(err).Str("envelope", env.ID).Msg("malformed receipt")
		return nil
	}
	log := s.Log.With().
		Int64("campaign", receipt.CampaignID).
		Int64("customer", receipt.CustomerID).
		Logger()

	field := model.StatDelivered
	if receipt.Status == model.DeliveryFailed {
		field = model.StatFailed
	}

	retries := s.ReceiptRetries
	if retries <= 0 {
		retries = defaultReceiptRetries
	}
	delay := s.ReceiptRetryDelay
	if delay <= 0 {
		delay = defaultReceiptRetryDelay
	}

	var stats model.CampaignStats
	var err error
	for attempt := 1; ; attempt++ {
		stats, err = s.CampaignRepo.IncrementStat(ctx, receipt.CampaignID, field)
		if err == nil {
			break
		}
		if errors.Is(err, appErrors.ErrCampaignNotRunning) {
			// Late or duplicate receipt; the campaign already reached a
			// terminal state and its counters stay untouched.
			log.Warn().Str("status", string(receipt.Status)).Msg("receipt for non-running campaign dropped")
			return nil
		}
		if attempt >= retries {
			s.deadLetterReceipt(ctx, env, err)
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("receipt persistence failed, retrying")
		select {
		case <-ctx.Done():
			s.deadLetterReceipt(ctx, env, ctx.Err())
			return nil
		case <-time.After(time.Duration(attempt) * delay):
		}
	}

	if stats.Delivered+stats.Failed >= stats.AudienceSize {
		completed, err := s.CampaignRepo.MarkCompleted(ctx, receipt.CampaignID, time.Now().UTC())
		if err != nil {
			// The increment already happened; re-running the handler would
			// double-count, so this is logged rather than returned.
			log.Error().Err(err).Msg("completion transition failed")
			return nil
		}
		if completed {
			log.Info().
				Int("delivered", stats.Delivered).
				Int("failed", stats.Failed).
				Int("audience", stats.AudienceSize).
				Msg("campaign completed")
		}
	}
	return nil
}

// deadLetterReceipt routes a receipt that exhausted its persistence retries
// to the dead-letter queue for manual reconciliation. Dropping it instead
// would strand the campaign in running forever.
func (s *DeliveryService) deadLetterReceipt(ctx context.Context, env queue.Envelope, cause error) {
	s.Log.Error().Err(cause).
		Str("envelope", env.ID).
		Msg("receipt retries exhausted, dead-lettering")
	if _, err := s.Broker.Enqueue(ctx, queue.QueueReceiptDeadLetter, json.RawMessage(env.Payload)); err != nil {
		s.Log.Error().Err(err).Str("envelope", env.ID).Msg("dead-letter enqueue failed, receipt lost")
	}
}

func (s *DeliveryService) failCampaign(ctx context.Context, campaignID int64) {
	if err := s.CampaignRepo.MarkFailed(ctx, campaignID); err != nil {
		s.Log.Error().Err(err).Int64("campaign", campaignID).Msg("could not mark campaign failed")
	}
}
