package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/karibucrm/campaign-engine/internal/errors"
	"github.com/karibucrm/campaign-engine/internal/model"
	"github.com/karibucrm/campaign-engine/internal/queue"
)

// mockCampaignRepo mirrors the conditional-update semantics of the Postgres
// repository in memory.
type mockCampaignRepo struct {
	mu          sync.Mutex
	campaigns   map[int64]*model.Campaign
	incErr      error // forced IncrementStat failure
	completions int   // how many MarkCompleted calls won the transition
}

func newMockCampaignRepo(campaigns ...*model.Campaign) *mockCampaignRepo {
	m := &mockCampaignRepo{campaigns: map[int64]*model.Campaign{}}
	for _, c := range campaigns {
		m.campaigns[c.ID] = c
	}
	return m
}

func (m *mockCampaignRepo) Create(ctx context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = int64(len(m.campaigns) + 1)
	m.campaigns[c.ID] = c
	return nil
}

func (m *mockCampaignRepo) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *mockCampaignRepo) SetStatus(ctx context.Context, id int64, status model.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok {
		c.Status = status
	}
	return nil
}

func (m *mockCampaignRepo) MarkFailed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok && !c.Status.Terminal() {
		c.Status = model.StatusFailed
	}
	return nil
}

func (m *mockCampaignRepo) MarkCompleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != model.StatusRunning {
		return false, nil
	}
	c.Status = model.StatusCompleted
	c.CompletedAt = &at
	m.completions++
	return true, nil
}

func (m *mockCampaignRepo) SetAudienceSize(ctx context.Context, id int64, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok {
		c.Stats.AudienceSize = size
	}
	return nil
}

func (m *mockCampaignRepo) IncrementStat(ctx context.Context, id int64, field model.StatField) (model.CampaignStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incErr != nil {
		return model.CampaignStats{}, m.incErr
	}
	c, ok := m.campaigns[id]
	if !ok || c.Status != model.StatusRunning {
		return model.CampaignStats{}, appErrors.ErrCampaignNotRunning
	}
	switch field {
	case model.StatDelivered:
		c.Stats.Delivered++
	case model.StatFailed:
		c.Stats.Failed++
	case model.StatSent:
		c.Stats.Sent++
	}
	return c.Stats, nil
}

func (m *mockCampaignRepo) snapshot(id int64) model.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.campaigns[id]
}

func (m *mockCampaignRepo) completionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completions
}

type mockCustomerRepo struct {
	customers []model.Customer
	err       error
}

func (m *mockCustomerRepo) GetByID(ctx context.Context, id int64) (*model.Customer, error) {
	for _, c := range m.customers {
		if c.ID == id {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockCustomerRepo) ListAll(ctx context.Context) ([]model.Customer, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.customers, nil
}

type mockSegmentRepo struct {
	segments map[int64]*model.Segment
}

func (m *mockSegmentRepo) GetByID(ctx context.Context, id int64) (*model.Segment, error) {
	s, ok := m.segments[id]
	if !ok {
		return nil, appErrors.NewSegmentNotFound(id)
	}
	return s, nil
}

// recordingSender captures every delivery attempt and fails the customer ids
// listed in failFor.
type recordingSender struct {
	mu       sync.Mutex
	calls    map[int64]string // customer id -> rendered message
	failFor  map[int64]bool
	dupCalls int
}

func newRecordingSender(failFor ...int64) *recordingSender {
	s := &recordingSender{calls: map[int64]string{}, failFor: map[int64]bool{}}
	for _, id := range failFor {
		s.failFor[id] = true
	}
	return s
}

func (s *recordingSender) Send(ctx context.Context, customerID int64, message string) error {
	s.mu.Lock()
	if _, seen := s.calls[customerID]; seen {
		s.dupCalls++
	}
	s.calls[customerID] = message
	fail := s.failFor[customerID]
	s.mu.Unlock()
	if fail {
		return ErrDeliveryFailed
	}
	return nil
}

func (s *recordingSender) sent() map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string, len(s.calls))
	for k, v := range s.calls {
		out[k] = v
	}
	return out
}

func testCustomers() []model.Customer {
	return []model.Customer{
		{ID: 1, FirstName: "Ana", CustomerSegment: "vip", TotalSpent: 900, TotalOrders: 9},
		{ID: 2, FirstName: "Bob", CustomerSegment: "regular", TotalSpent: 600, TotalOrders: 4},
		{ID: 3, FirstName: "Cleo", CustomerSegment: "new", TotalSpent: 500, TotalOrders: 1},
		{ID: 4, FirstName: "Dan", CustomerSegment: "inactive", TotalSpent: 120, TotalOrders: 2},
		{ID: 5, FirstName: "Eve", CustomerSegment: "vip", TotalSpent: 5000, TotalOrders: 31},
	}
}

// bigSpenders matches customers 1, 2 and 5 of testCustomers.
func bigSpenders() *model.Segment {
	return &model.Segment{
		ID:   7,
		Name: "big spenders",
		Rules: []model.Rule{
			{Field: model.FieldTotalSpent, Operator: model.OpGreater, Value: 500},
		},
	}
}

func newTestService(repo *mockCampaignRepo, sender Sender, customers *mockCustomerRepo, segments *mockSegmentRepo) (*DeliveryService, *queue.MemoryBroker) {
	broker := queue.NewMemoryBroker(zerolog.Nop(), queue.WithRetryDelay(time.Millisecond))
	svc := &DeliveryService{
		CampaignRepo:      repo,
		CustomerRepo:      customers,
		SegmentRepo:       segments,
		Broker:            broker,
		Sender:            sender,
		Log:               zerolog.Nop(),
		ReceiptRetryDelay: time.Millisecond,
	}
	return svc, broker
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func draftCampaign(id, segmentID int64, message string) *model.Campaign {
	return &model.Campaign{
		ID:        id,
		Name:      "spring promo",
		SegmentID: segmentID,
		Message:   message,
		Status:    model.StatusDraft,
		CreatedAt: time.Now(),
	}
}

func mustEnvelope(t *testing.T, queueName string, payload any) queue.Envelope {
	t.Helper()
	env, err := queue.NewEnvelope(queueName, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestStartCampaignNotFound(t *testing.T) {
	t.Parallel()
	repo := newMockCampaignRepo()
	svc, broker := newTestService(repo, newRecordingSender(), &mockCustomerRepo{}, &mockSegmentRepo{})
	defer broker.Close()

	err := svc.StartCampaign(context.Background(), 42)
	var notFound *appErrors.ErrCampaignNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
	env, _ := broker.DrainOldest(context.Background(), queue.QueueCampaignDelivery)
	if env != nil {
		t.Fatal("no task should be enqueued for a missing campaign")
	}
}

func TestStartCampaignInvalidStatus(t *testing.T) {
	t.Parallel()
	c := draftCampaign(1, 7, "hi")
	c.Status = model.StatusCompleted
	repo := newMockCampaignRepo(c)
	svc, broker := newTestService(repo, newRecordingSender(), &mockCustomerRepo{}, &mockSegmentRepo{})
	defer broker.Close()

	err := svc.StartCampaign(context.Background(), 1)
	if !errors.Is(err, appErrors.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := repo.snapshot(1).Status; got != model.StatusCompleted {
		t.Fatalf("status changed to %q", got)
	}
}

func TestCampaignRunsToCompletion(t *testing.T) {
	t.Parallel()
	repo := newMockCampaignRepo(draftCampaign(1, 7, "Hi {firstName}, offer inside"))
	sender := newRecordingSender(2) // Bob's delivery fails
	customers := &mockCustomerRepo{customers: testCustomers()}
	segments := &mockSegmentRepo{segments: map[int64]*model.Segment{7: bigSpenders()}}
	svc, broker := newTestService(repo, sender, customers, segments)
	defer broker.Close()

	if err := svc.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.StartCampaign(context.Background(), 1); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return repo.snapshot(1).Status == model.StatusCompleted
	})

	c := repo.snapshot(1)
	if c.Stats.AudienceSize != 3 {
		t.Fatalf("audience size = %d, want 3", c.Stats.AudienceSize)
	}
	if c.Stats.Delivered != 2 || c.Stats.Failed != 1 {
		t.Fatalf("stats = %+v, want delivered 2 failed 1", c.Stats)
	}
	if c.Stats.Delivered+c.Stats.Failed != c.Stats.AudienceSize {
		t.Fatalf("delivered+failed = %d, audience = %d", c.Stats.Delivered+c.Stats.Failed, c.Stats.AudienceSize)
	}
	if c.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}
	if repo.completionCount() != 1 {
		t.Fatalf("completion fired %d times", repo.completionCount())
	}

	// One delivery task per qualified customer, no duplicates, no omissions,
	// each personalized.
	sent := sender.sent()
	want := map[int64]string{
		1: "Hi Ana, offer inside",
		2: "Hi Bob, offer inside",
		5: "Hi Eve, offer inside",
	}
	if len(sent) != len(want) {
		t.Fatalf("deliveries attempted for %d customers, want %d (%v)", len(sent), len(want), sent)
	}
	for id, msg := range want {
		if sent[id] != msg {
			t.Fatalf("customer %d got %q, want %q", id, sent[id], msg)
		}
	}
	if sender.dupCalls != 0 {
		t.Fatalf("%d duplicate delivery tasks", sender.dupCalls)
	}
}

func TestMissingSegmentFailsCampaign(t *testing.T) {
	t.Parallel()
	repo := newMockCampaignRepo(draftCampaign(1, 99, "hi"))
	sender := newRecordingSender()
	customers := &mockCustomerRepo{customers: testCustomers()}
	segments := &mockSegmentRepo{segments: map[int64]*model.Segment{}}
	svc, broker := newTestService(repo, sender, customers, segments)
	defer broker.Close()

	if err := svc.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.StartCampaign(context.Background(), 1); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return repo.snapshot(1).Status == model.StatusFailed
	})

	if len(sender.sent()) != 0 {
		t.Fatal("no delivery task may be enqueued when the segment is missing")
	}
	env, _ := broker.DrainOldest(context.Background(), queue.QueueMessageDelivery)
	if env != nil {
		t.Fatal("message-delivery backlog should be empty")
	}
}

func TestCustomerFetchFailureFailsCampaign(t *testing.T) {
	t.Parallel()
	repo := newMockCampaignRepo(draftCampaign(1, 7, "hi"))
	customers := &mockCustomerRepo{err: errors.New("store unavailable")}
	segments := &mockSegmentRepo{segments: map[int64]*model.Segment{7: bigSpenders()}}
	svc, broker := newTestService(repo, newRecordingSender(), customers, segments)
	defer broker.Close()

	task := CampaignTask{CampaignID: 1, SegmentID: 7, Message: "hi"}
	if err := svc.handleAudienceResolution(context.Background(), mustEnvelope(t, queue.QueueCampaignDelivery, task)); err != nil {
		t.Fatalf("handler returned %v, fatal errors must not be retried", err)
	}
	if got := repo.snapshot(1).Status; got != model.StatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}
}

func TestEmptyAudienceCompletesImmediately(t *testing.T) {
	t.Parallel()
	repo := newMockCampaignRepo(draftCampaign(1, 7, "hi"))
	repo.campaigns[1].Status = model.StatusRunning
	customers := &mockCustomerRepo{customers: []model.Customer{
		{ID: 4, FirstName: "Dan", TotalSpent: 10},
	}}
	segments := &mockSegmentRepo{segments: map[int64]*model.Segment{7: bigSpenders()}}
	svc, broker := newTestService(repo, newRecordingSender(), customers, segments)
	defer broker.Close()

	task := CampaignTask{CampaignID: 1, SegmentID: 7, Message: "hi"}
	if err := svc.handleAudienceResolution(context.Background(), mustEnvelope(t, queue.QueueCampaignDelivery, task)); err != nil {
		t.Fatalf("handleAudienceResolution: %v", err)
	}
	c := repo.snapshot(1)
	if c.Status != model.StatusCompleted {
		t.Fatalf("status = %q, want completed", c.Status)
	}
	if c.Stats.AudienceSize != 0 || c.Stats.Delivered != 0 || c.Stats.Failed != 0 {
		t.Fatalf("stats = %+v, want all zero", c.Stats)
	}
}

func TestConcurrentReceipts(t *testing.T) {
	t.Parallel()
	campaign := draftCampaign(1, 7, "hi")
	campaign.Status = model.StatusRunning
	campaign.Stats.AudienceSize = 100
	repo := newMockCampaignRepo(campaign)
	svc, broker := newTestService(repo, newRecordingSender(), &mockCustomerRepo{}, &mockSegmentRepo{})
	defer broker.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		status := model.DeliveryDelivered
		var errMsg string
		if i < 10 {
			status = model.DeliveryFailed
			errMsg = "delivery failed"
		}
		receipt := model.DeliveryResult{
			CampaignID: 1,
			CustomerID: int64(i + 1),
			Status:     status,
			Error:      errMsg,
		}
		env := mustEnvelope(t, queue.QueueDeliveryReceipt, receipt)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.handleDeliveryReceipt(context.Background(), env); err != nil {
				t.Errorf("handleDeliveryReceipt: %v", err)
			}
		}()
	}
	wg.Wait()

	c := repo.snapshot(1)
	if c.Status != model.StatusCompleted {
		t.Fatalf("status = %q, want completed", c.Status)
	}
	if c.Stats.Delivered != 90 || c.Stats.Failed != 10 {
		t.Fatalf("stats = %+v, want delivered 90 failed 10", c.Stats)
	}
	if repo.completionCount() != 1 {
		t.Fatalf("completion fired %d times, want exactly once", repo.completionCount())
	}
}

func TestLateReceiptAfterCompletionIsDropped(t *testing.T) {
	t.Parallel()
	campaign := draftCampaign(1, 7, "hi")
	campaign.Status = model.StatusCompleted
	campaign.Stats = model.CampaignStats{AudienceSize: 2, Delivered: 2}
	repo := newMockCampaignRepo(campaign)
	svc, broker := newTestService(repo, newRecordingSender(), &mockCustomerRepo{}, &mockSegmentRepo{})
	defer broker.Close()

	receipt := model.DeliveryResult{CampaignID: 1, CustomerID: 9, Status: model.DeliveryDelivered}
	if err := svc.handleDeliveryReceipt(context.Background(), mustEnvelope(t, queue.QueueDeliveryReceipt, receipt)); err != nil {
		t.Fatalf("handleDeliveryReceipt: %v", err)
	}

	c := repo.snapshot(1)
	if c.Stats.Delivered != 2 {
		t.Fatalf("late receipt corrupted counters: %+v", c.Stats)
	}
	if repo.completionCount() != 0 {
		t.Fatal("completion logic re-triggered for a terminal campaign")
	}
	env, _ := broker.DrainOldest(context.Background(), queue.QueueReceiptDeadLetter)
	if env != nil {
		t.Fatal("dropped late receipts must not be dead-lettered")
	}
}

func TestReceiptDeadLetterAfterRetryExhaustion(t *testing.T) {
	t.Parallel()
	campaign := draftCampaign(1, 7, "hi")
	campaign.Status = model.StatusRunning
	campaign.Stats.AudienceSize = 1
	repo := newMockCampaignRepo(campaign)
	repo.incErr = errors.New("write conflict")
	svc, broker := newTestService(repo, newRecordingSender(), &mockCustomerRepo{}, &mockSegmentRepo{})
	defer broker.Close()
	svc.ReceiptRetries = 2

	receipt := model.DeliveryResult{CampaignID: 1, CustomerID: 3, Status: model.DeliveryFailed, Error: "boom"}
	if err := svc.handleDeliveryReceipt(context.Background(), mustEnvelope(t, queue.QueueDeliveryReceipt, receipt)); err != nil {
		t.Fatalf("handleDeliveryReceipt: %v", err)
	}

	env, err := broker.DrainOldest(context.Background(), queue.QueueReceiptDeadLetter)
	if err != nil {
		t.Fatalf("DrainOldest: %v", err)
	}
	if env == nil {
		t.Fatal("exhausted receipt was not dead-lettered")
	}
	var recovered model.DeliveryResult
	if err := json.Unmarshal(env.Payload, &recovered); err != nil {
		t.Fatalf("dead-lettered payload: %v", err)
	}
	if recovered != receipt {
		t.Fatalf("dead-lettered %+v, want %+v", recovered, receipt)
	}
}

func TestCancelStopsFanout(t *testing.T) {
	t.Parallel()
	campaign := draftCampaign(1, 7, "hi")
	campaign.Status = model.StatusRunning
	repo := newMockCampaignRepo(campaign)
	customers := &mockCustomerRepo{customers: testCustomers()}
	segments := &mockSegmentRepo{segments: map[int64]*model.Segment{7: bigSpenders()}}
	svc, broker := newTestService(repo, newRecordingSender(), customers, segments)
	defer broker.Close()
	svc.ChunkSize = 1

	if err := svc.CancelCampaign(context.Background(), 1); err != nil {
		t.Fatalf("CancelCampaign: %v", err)
	}
	task := CampaignTask{CampaignID: 1, SegmentID: 7, Message: "hi"}
	if err := svc.handleAudienceResolution(context.Background(), mustEnvelope(t, queue.QueueCampaignDelivery, task)); err != nil {
		t.Fatalf("handleAudienceResolution: %v", err)
	}

	if got := repo.snapshot(1).Status; got != model.StatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}
	env, _ := broker.DrainOldest(context.Background(), queue.QueueMessageDelivery)
	if env != nil {
		t.Fatal("canceled campaign must not fan out delivery tasks")
	}
}

func TestStageBEmitsExactlyOneReceiptPerOutcome(t *testing.T) {
	t.Parallel()
	repo := newMockCampaignRepo()
	svc, broker := newTestService(repo, newRecordingSender(2), &mockCustomerRepo{}, &mockSegmentRepo{})
	defer broker.Close()

	for _, tt := range []struct {
		customerID int64
		wantStatus model.DeliveryStatus
	}{
		{1, model.DeliveryDelivered},
		{2, model.DeliveryFailed},
	} {
		task := MessageTask{CampaignID: 1, CustomerID: tt.customerID, Message: "hi"}
		if err := svc.handleMessageDelivery(context.Background(), mustEnvelope(t, queue.QueueMessageDelivery, task)); err != nil {
			t.Fatalf("handleMessageDelivery: %v", err)
		}
		env, err := broker.DrainOldest(context.Background(), queue.QueueDeliveryReceipt)
		if err != nil || env == nil {
			t.Fatalf("expected one receipt for customer %d (err %v)", tt.customerID, err)
		}
		var receipt model.DeliveryResult
		if err := json.Unmarshal(env.Payload, &receipt); err != nil {
			t.Fatalf("receipt payload: %v", err)
		}
		if receipt.Status != tt.wantStatus || receipt.CustomerID != tt.customerID {
			t.Fatalf("receipt = %+v, want status %q for customer %d", receipt, tt.wantStatus, tt.customerID)
		}
		if tt.wantStatus == model.DeliveryFailed && receipt.Error == "" {
			t.Fatal("failed receipt should carry the transport error")
		}
		if extra, _ := broker.DrainOldest(context.Background(), queue.QueueDeliveryReceipt); extra != nil {
			t.Fatalf("more than one receipt for customer %d", tt.customerID)
		}
	}
}

func TestSimulatedSenderRespectsRate(t *testing.T) {
	t.Parallel()
	always := NewSimulatedSender(1)
	never := NewSimulatedSender(0)
	for i := 0; i < 50; i++ {
		if err := always.Send(context.Background(), 1, "hi"); err != nil {
			t.Fatalf("success rate 1 returned %v", err)
		}
		if err := never.Send(context.Background(), 1, "hi"); !errors.Is(err, ErrDeliveryFailed) {
			t.Fatalf("success rate 0 returned %v", err)
		}
	}
}

func TestChunkedFanoutCoversWholeAudience(t *testing.T) {
	t.Parallel()
	campaign := draftCampaign(1, 7, "hello {firstName}")
	campaign.Status = model.StatusRunning
	repo := newMockCampaignRepo(campaign)

	var many []model.Customer
	for i := 1; i <= 25; i++ {
		many = append(many, model.Customer{
			ID:         int64(i),
			FirstName:  fmt.Sprintf("c%d", i),
			TotalSpent: 1000,
		})
	}
	customers := &mockCustomerRepo{customers: many}
	segments := &mockSegmentRepo{segments: map[int64]*model.Segment{7: bigSpenders()}}
	svc, broker := newTestService(repo, newRecordingSender(), customers, segments)
	defer broker.Close()
	svc.ChunkSize = 4

	task := CampaignTask{CampaignID: 1, SegmentID: 7, Message: "hello {firstName}"}
	if err := svc.handleAudienceResolution(context.Background(), mustEnvelope(t, queue.QueueCampaignDelivery, task)); err != nil {
		t.Fatalf("handleAudienceResolution: %v", err)
	}

	if got := repo.snapshot(1).Stats.AudienceSize; got != 25 {
		t.Fatalf("audience size = %d, want 25", got)
	}
	seen := map[int64]bool{}
	for {
		env, err := broker.DrainOldest(context.Background(), queue.QueueMessageDelivery)
		if err != nil {
			t.Fatalf("DrainOldest: %v", err)
		}
		if env == nil {
			break
		}
		var mt MessageTask
		if err := json.Unmarshal(env.Payload, &mt); err != nil {
			t.Fatalf("task payload: %v", err)
		}
		if seen[mt.CustomerID] {
			t.Fatalf("duplicate task for customer %d", mt.CustomerID)
		}
		seen[mt.CustomerID] = true
	}
	if len(seen) != 25 {
		t.Fatalf("fanned out %d tasks, want 25", len(seen))
	}
}
