package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mailroomhq/mailroom/internal/domain"
	"github.com/mailroomhq/mailroom/internal/mailer"
	"github.com/mailroomhq/mailroom/internal/repository"
	"github.com/mailroomhq/mailroom/internal/retry"
)

type fakeBatchRepo struct {
	mu         sync.Mutex
	batch      *domain.Batch
	recipients []*domain.Recipient
	outcome    *repository.BatchOutcome
	createErr  error
}

func (f *fakeBatchRepo) CreateWithRecipients(_ context.Context, b *domain.Batch, recipients []*domain.Recipient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.batch = b
	f.recipients = recipients
	return nil
}

func (f *fakeBatchRepo) GetByID(_ context.Context, id string) (*domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batch == nil || f.batch.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.batch, nil
}

func (f *fakeBatchRepo) LatestBySource(_ context.Context, sourceName string) (*domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batch == nil || f.batch.SourceName == nil || *f.batch.SourceName != sourceName {
		return nil, domain.ErrNotFound
	}
	return f.batch, nil
}

func (f *fakeBatchRepo) Finalize(_ context.Context, id string, outcome repository.BatchOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batch == nil || f.batch.ID != id {
		return domain.ErrNotFound
	}
	if f.outcome != nil {
		return domain.ErrConflict
	}
	f.outcome = &outcome
	return nil
}

type recordedOutcome struct {
	status    domain.RecipientStatus
	attempts  int
	lastError *string
}

type fakeRecipientRepo struct {
	mu        sync.Mutex
	outcomes  map[int]recordedOutcome
	updateErr error
	history   []repository.HistoryRow
	byID      map[string]*domain.Recipient
	listed    []domain.Recipient
}

func newFakeRecipientRepo() *fakeRecipientRepo {
	return &fakeRecipientRepo{
		outcomes: make(map[int]recordedOutcome),
		byID:     make(map[string]*domain.Recipient),
	}
}

func (f *fakeRecipientRepo) GetByID(_ context.Context, id string) (*domain.Recipient, error) {
	if recipient, ok := f.byID[id]; ok {
		return recipient, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRecipientRepo) ListByBatch(context.Context, string) ([]domain.Recipient, error) {
	return f.listed, nil
}

func (f *fakeRecipientRepo) UpdateOutcome(
	_ context.Context,
	_ string,
	idx int,
	status domain.RecipientStatus,
	attempts int,
	lastError *string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.outcomes[idx]; ok {
		return domain.ErrConflict
	}
	f.outcomes[idx] = recordedOutcome{status: status, attempts: attempts, lastError: lastError}
	return nil
}

func (f *fakeRecipientRepo) FindByEmail(context.Context, string) ([]repository.HistoryRow, error) {
	return f.history, nil
}

type sentMessage struct {
	to      string
	subject string
	body    string
}

type fakeMailer struct {
	mu        sync.Mutex
	verifyErr error
	sendErrs  map[string]error
	sent      []sentMessage
	attempts  map[string]int
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{
		sendErrs: make(map[string]error),
		attempts: make(map[string]int),
	}
}

func (f *fakeMailer) VerifyConnectivity(context.Context) error {
	return f.verifyErr
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[to]++
	if err := f.sendErrs[to]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{to: to, subject: subject, body: body})
	return nil
}

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: retry.DefaultMaxAttempts,
		Delay:       time.Millisecond,
		Retryable:   mailer.IsTransient,
	}
}

func newTestDispatchService(t *testing.T, batches *fakeBatchRepo, recipients *fakeRecipientRepo, m *fakeMailer) *DispatchService {
	t.Helper()
	svc, err := NewDispatchService(batches, recipients, m, testPolicy(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewDispatchService() error = %v", err)
	}
	return svc
}

func threeRecipientRequest() DispatchRequest {
	return DispatchRequest{
		Subject: "Hi {Name}",
		Body:    "Welcome, {Name}!",
		Recipients: []RecipientInput{
			{Email: "a@x.com", Attributes: domain.Attributes{"Name": "Ada"}},
			{Email: "b@x.com", Attributes: domain.Attributes{"Name": "Grace"}},
			{Email: "c@x.com", Attributes: domain.Attributes{"Name": "Edsger"}},
		},
	}
}

func TestCreateAndRunBatchAllSent(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{}
	recipients := newFakeRecipientRepo()
	m := newFakeMailer()
	svc := newTestDispatchService(t, batches, recipients, m)

	result, err := svc.CreateAndRunBatch(context.Background(), threeRecipientRequest())
	if err != nil {
		t.Fatalf("CreateAndRunBatch() error = %v", err)
	}

	if result.Status != domain.BatchStatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.Sent != 3 || result.Failed != 0 || result.Processed != 3 {
		t.Errorf("counts = %d/%d/%d, want 3/0/3", result.Sent, result.Failed, result.Processed)
	}
	if result.StopIndex != nil {
		t.Errorf("stopIndex = %v, want nil", *result.StopIndex)
	}
	if result.Processed != result.Sent+result.Failed {
		t.Errorf("processed %d != sent %d + failed %d", result.Processed, result.Sent, result.Failed)
	}

	if len(m.sent) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(m.sent))
	}
	if m.sent[0].subject != "Hi Ada" {
		t.Errorf("subject = %q, want %q", m.sent[0].subject, "Hi Ada")
	}
	if !strings.Contains(m.sent[0].body, "Welcome, Ada!") {
		t.Errorf("body %q does not contain rendered greeting", m.sent[0].body)
	}

	if batches.outcome == nil {
		t.Fatal("batch was not finalized")
	}
	if batches.outcome.Status != domain.BatchStatusCompleted {
		t.Errorf("finalized status = %s, want completed", batches.outcome.Status)
	}
	for idx := 0; idx < 3; idx++ {
		outcome, ok := recipients.outcomes[idx]
		if !ok {
			t.Fatalf("recipient %d outcome not recorded", idx)
		}
		if outcome.status != domain.RecipientStatusSent || outcome.attempts != 1 {
			t.Errorf("recipient %d = %s/%d attempts, want sent/1", idx, outcome.status, outcome.attempts)
		}
	}
}

func TestCreateAndRunBatchNetworkFailureStops(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{}
	recipients := newFakeRecipientRepo()
	m := newFakeMailer()
	m.sendErrs["b@x.com"] = fmt.Errorf("dial smtp: %w", syscall.ECONNRESET)
	svc := newTestDispatchService(t, batches, recipients, m)

	result, err := svc.CreateAndRunBatch(context.Background(), threeRecipientRequest())
	if err != nil {
		t.Fatalf("CreateAndRunBatch() error = %v", err)
	}

	if result.Status != domain.BatchStatusStopped {
		t.Errorf("status = %s, want stopped", result.Status)
	}
	if result.StopIndex == nil || *result.StopIndex != 1 {
		t.Fatalf("stopIndex = %v, want 1", result.StopIndex)
	}
	if result.Sent != 1 || result.Failed != 1 || result.Processed != 2 {
		t.Errorf("counts = %d/%d/%d, want 1/1/2", result.Sent, result.Failed, result.Processed)
	}

	if got := m.attempts["a@x.com"]; got != 1 {
		t.Errorf("a@x.com attempts = %d, want 1", got)
	}
	if got := m.attempts["b@x.com"]; got != 3 {
		t.Errorf("b@x.com attempts = %d, want 3", got)
	}
	if got := m.attempts["c@x.com"]; got != 0 {
		t.Errorf("c@x.com attempts = %d, want 0", got)
	}

	if outcome := recipients.outcomes[0]; outcome.status != domain.RecipientStatusSent {
		t.Errorf("recipient 0 status = %s, want sent", outcome.status)
	}
	failed := recipients.outcomes[1]
	if failed.status != domain.RecipientStatusError || failed.attempts != 3 {
		t.Errorf("recipient 1 = %s/%d attempts, want error/3", failed.status, failed.attempts)
	}
	if failed.lastError == nil || !strings.Contains(*failed.lastError, "connection reset") {
		t.Errorf("recipient 1 lastError = %v, want connection reset detail", failed.lastError)
	}
	if _, touched := recipients.outcomes[2]; touched {
		t.Error("recipient 2 was updated, want pending")
	}

	if len(result.Results) != 3 {
		t.Fatalf("expected 3 per-recipient results, got %d", len(result.Results))
	}
	if result.Results[1].Class == nil || *result.Results[1].Class != mailer.ClassNetwork {
		t.Errorf("recipient 1 class = %v, want network", result.Results[1].Class)
	}
	if result.Results[2].Status != domain.RecipientStatusPending {
		t.Errorf("recipient 2 result status = %s, want pending", result.Results[2].Status)
	}
}

func TestCreateAndRunBatchOtherFailureContinues(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{}
	recipients := newFakeRecipientRepo()
	m := newFakeMailer()
	m.sendErrs["b@x.com"] = errors.New("550 5.1.1 mailbox unavailable")
	svc := newTestDispatchService(t, batches, recipients, m)

	result, err := svc.CreateAndRunBatch(context.Background(), threeRecipientRequest())
	if err != nil {
		t.Fatalf("CreateAndRunBatch() error = %v", err)
	}

	if result.Status != domain.BatchStatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.StopIndex != nil {
		t.Errorf("stopIndex = %v, want nil", *result.StopIndex)
	}
	if result.Sent != 2 || result.Failed != 1 || result.Processed != 3 {
		t.Errorf("counts = %d/%d/%d, want 2/1/3", result.Sent, result.Failed, result.Processed)
	}

	// Permanent failures are not retried.
	if got := m.attempts["b@x.com"]; got != 1 {
		t.Errorf("b@x.com attempts = %d, want 1", got)
	}
	if got := m.attempts["c@x.com"]; got != 1 {
		t.Errorf("c@x.com attempts = %d, want 1", got)
	}
	if outcome := recipients.outcomes[1]; outcome.status != domain.RecipientStatusError {
		t.Errorf("recipient 1 status = %s, want error", outcome.status)
	}
}

func TestCreateAndRunBatchVerifyFailureIsFatal(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{}
	recipients := newFakeRecipientRepo()
	m := newFakeMailer()
	m.verifyErr = fmt.Errorf("dial smtp: %w", syscall.ECONNREFUSED)
	svc := newTestDispatchService(t, batches, recipients, m)

	result, err := svc.CreateAndRunBatch(context.Background(), threeRecipientRequest())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "connectivity verification failed") {
		t.Errorf("error = %v, want connectivity verification detail", err)
	}

	if result == nil {
		t.Fatal("expected result describing the stopped batch")
	}
	if result.Status != domain.BatchStatusStopped {
		t.Errorf("status = %s, want stopped", result.Status)
	}
	if result.Processed != 0 || result.Sent != 0 || result.Failed != 0 {
		t.Errorf("counts = %d/%d/%d, want 0/0/0", result.Sent, result.Failed, result.Processed)
	}
	if result.FatalError == nil || !strings.Contains(*result.FatalError, "connection refused") {
		t.Errorf("fatalError = %v, want connection refused detail", result.FatalError)
	}

	if len(m.sent) != 0 {
		t.Errorf("expected no deliveries, got %d", len(m.sent))
	}
	if len(recipients.outcomes) != 0 {
		t.Errorf("expected no recipient updates, got %d", len(recipients.outcomes))
	}
	if batches.outcome == nil || batches.outcome.Status != domain.BatchStatusStopped {
		t.Fatalf("batch not finalized as stopped: %+v", batches.outcome)
	}
	if batches.outcome.Processed != 0 {
		t.Errorf("finalized processed = %d, want 0", batches.outcome.Processed)
	}
}

func TestCreateAndRunBatchTempAuthStops(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{}
	recipients := newFakeRecipientRepo()
	m := newFakeMailer()
	m.sendErrs["a@x.com"] = errors.New("454 4.7.0 Temporary Authentication Failure")
	svc := newTestDispatchService(t, batches, recipients, m)

	result, err := svc.CreateAndRunBatch(context.Background(), threeRecipientRequest())
	if err != nil {
		t.Fatalf("CreateAndRunBatch() error = %v", err)
	}

	if result.Status != domain.BatchStatusStopped {
		t.Errorf("status = %s, want stopped", result.Status)
	}
	if result.StopIndex == nil || *result.StopIndex != 0 {
		t.Fatalf("stopIndex = %v, want 0", result.StopIndex)
	}
	if result.Sent != 0 || result.Failed != 1 || result.Processed != 1 {
		t.Errorf("counts = %d/%d/%d, want 0/1/1", result.Sent, result.Failed, result.Processed)
	}
	if got := m.attempts["b@x.com"]; got != 0 {
		t.Errorf("b@x.com attempts = %d, want 0", got)
	}
}

func TestCreateAndRunBatchValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  DispatchRequest
	}{
		{
			name: "empty recipients",
			req:  DispatchRequest{Subject: "s", Body: "b"},
		},
		{
			name: "missing subject",
			req: DispatchRequest{
				Body:       "b",
				Recipients: []RecipientInput{{Email: "a@x.com"}},
			},
		},
		{
			name: "missing body",
			req: DispatchRequest{
				Subject:    "s",
				Recipients: []RecipientInput{{Email: "a@x.com"}},
			},
		},
		{
			name: "recipient without email",
			req: DispatchRequest{
				Subject:    "s",
				Body:       "b",
				Recipients: []RecipientInput{{Email: "   "}},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			batches := &fakeBatchRepo{}
			svc := newTestDispatchService(t, batches, newFakeRecipientRepo(), newFakeMailer())

			_, err := svc.CreateAndRunBatch(context.Background(), tt.req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
			if batches.batch != nil {
				t.Error("no batch row should be written for an invalid request")
			}
		})
	}
}

func TestCreateAndRunBatchNameFallback(t *testing.T) {
	t.Parallel()

	m := newFakeMailer()
	svc := newTestDispatchService(t, &fakeBatchRepo{}, newFakeRecipientRepo(), m)

	req := DispatchRequest{
		Subject: "Hi {Name}",
		Body:    "hello",
		Recipients: []RecipientInput{
			{Email: "a@x.com", Attributes: domain.Attributes{"City": "Berlin"}},
		},
	}
	if _, err := svc.CreateAndRunBatch(context.Background(), req); err != nil {
		t.Fatalf("CreateAndRunBatch() error = %v", err)
	}

	if len(m.sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(m.sent))
	}
	if m.sent[0].subject != "Hi Candidate" {
		t.Errorf("subject = %q, want %q", m.sent[0].subject, "Hi Candidate")
	}
}

func TestCreateAndRunBatchLedgerErrorAborts(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{}
	recipients := newFakeRecipientRepo()
	recipients.updateErr = errors.New("connection pool exhausted")
	svc := newTestDispatchService(t, batches, recipients, newFakeMailer())

	_, err := svc.CreateAndRunBatch(context.Background(), threeRecipientRequest())
	if err == nil || !strings.Contains(err.Error(), "failed to record recipient outcome") {
		t.Fatalf("error = %v, want recipient outcome failure", err)
	}
	if batches.outcome == nil || batches.outcome.Status != domain.BatchStatusStopped {
		t.Fatalf("batch not finalized as stopped: %+v", batches.outcome)
	}
	if batches.outcome.FatalError == nil {
		t.Error("fatalError not recorded")
	}
}

func TestLookupRecipientHistory(t *testing.T) {
	t.Parallel()

	recipients := newFakeRecipientRepo()
	recipients.history = []repository.HistoryRow{
		{Recipient: domain.Recipient{Email: "a@x.com"}, BatchSubject: "s"},
	}
	svc := newTestDispatchService(t, &fakeBatchRepo{}, recipients, newFakeMailer())

	rows, err := svc.LookupRecipientHistory(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("LookupRecipientHistory() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	if _, err := svc.LookupRecipientHistory(context.Background(), "   "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank email error = %v, want ErrValidation", err)
	}
}
