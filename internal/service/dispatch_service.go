package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailroomhq/mailroom/internal/domain"
	"github.com/mailroomhq/mailroom/internal/mailer"
	"github.com/mailroomhq/mailroom/internal/observability"
	"github.com/mailroomhq/mailroom/internal/repository"
	"github.com/mailroomhq/mailroom/internal/retry"
	"github.com/mailroomhq/mailroom/internal/template"
)

const maxBatchSize = 10000

// DispatchRequest is one caller-submitted batch: a subject and plain-text body
// template plus an ordered recipient list. Recipient order is preserved as the
// ledger index.
type DispatchRequest struct {
	Subject    string
	Body       string
	SourceName *string
	Recipients []RecipientInput
}

type RecipientInput struct {
	Email      string
	Name       *string
	Attributes domain.Attributes
}

// RecipientResult reports the terminal outcome of one recipient within a run.
// Recipients past the stop index are reported as pending.
type RecipientResult struct {
	Index    int
	Email    string
	Status   domain.RecipientStatus
	Attempts int
	Class    *mailer.FailureClass
	Error    *string
}

// DispatchResult is the aggregate outcome of one batch run.
type DispatchResult struct {
	BatchID    string
	Total      int
	Sent       int
	Failed     int
	Processed  int
	Status     domain.BatchStatus
	StopIndex  *int
	FatalError *string
	Results    []RecipientResult
}

// stopOnClass is the circuit-breaker decision table: an infrastructure-level
// failure stops the remaining recipients, a recipient-specific one does not.
var stopOnClass = map[mailer.FailureClass]bool{
	mailer.ClassNetwork:  true,
	mailer.ClassTempAuth: true,
	mailer.ClassOther:    false,
}

type DispatchService struct {
	batches    repository.BatchRepository
	recipients repository.RecipientRepository
	mailer     mailer.Mailer
	policy     retry.Policy
	logger     *zap.Logger
	metrics    *observability.Metrics
}

func NewDispatchService(
	batches repository.BatchRepository,
	recipients repository.RecipientRepository,
	m mailer.Mailer,
	policy retry.Policy,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*DispatchService, error) {
	if batches == nil || recipients == nil {
		return nil, fmt.Errorf("batch and recipient repositories are required")
	}
	if m == nil {
		return nil, fmt.Errorf("mailer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Retryable == nil {
		policy = retry.Default(mailer.IsTransient)
	}

	return &DispatchService{
		batches:    batches,
		recipients: recipients,
		mailer:     m,
		policy:     policy,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// CreateAndRunBatch validates the request, opens the ledger batch with every
// recipient pending, verifies transport connectivity, then processes
// recipients strictly in index order. The run ends either by reaching the last
// recipient or by the circuit breaker; the batch row is finalized exactly
// once either way.
func (s *DispatchService) CreateAndRunBatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	batch, recipients, err := s.prepareBatch(req)
	if err != nil {
		return nil, err
	}

	recipientPtrs := make([]*domain.Recipient, len(recipients))
	for i := range recipients {
		recipientPtrs[i] = &recipients[i]
	}
	if err := s.batches.CreateWithRecipients(ctx, batch, recipientPtrs); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	observability.WithContextLogger(s.logger, ctx).Info("batch accepted",
		zap.String("batchId", batch.ID),
		zap.Int("total", batch.TotalCount),
	)

	if err := s.verifyConnectivity(ctx); err != nil {
		return s.finalizeFatal(ctx, batch, recipients, err)
	}

	return s.runBatch(ctx, batch, recipients)
}

func (s *DispatchService) prepareBatch(req DispatchRequest) (*domain.Batch, []domain.Recipient, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return nil, nil, fmt.Errorf("%w: subject is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, nil, fmt.Errorf("%w: body is required", domain.ErrValidation)
	}
	if len(req.Recipients) == 0 {
		return nil, nil, fmt.Errorf("%w: batch must include at least one recipient", domain.ErrValidation)
	}
	if len(req.Recipients) > maxBatchSize {
		return nil, nil, fmt.Errorf("%w: batch size exceeds %d", domain.ErrValidation, maxBatchSize)
	}

	batch := &domain.Batch{
		ID:         uuid.NewString(),
		SourceName: normalizeOptionalString(req.SourceName),
		Subject:    subject,
		// The plain-text body becomes markup once, up front, so placeholders
		// survive escaping and every recipient renders against the same
		// document.
		BodyHTML:   template.TextToHTML(req.Body),
		TotalCount: len(req.Recipients),
		Status:     domain.BatchStatusInProgress,
	}
	if err := batch.Validate(); err != nil {
		return nil, nil, err
	}

	recipients := make([]domain.Recipient, len(req.Recipients))
	for i, in := range req.Recipients {
		recipients[i] = domain.Recipient{
			ID:         uuid.NewString(),
			BatchID:    batch.ID,
			Index:      i,
			Email:      strings.TrimSpace(in.Email),
			Name:       normalizeOptionalString(in.Name),
			Attributes: in.Attributes,
			Status:     domain.RecipientStatusPending,
		}
		if err := recipients[i].Validate(); err != nil {
			return nil, nil, fmt.Errorf("recipient %d: %w", i, err)
		}
	}

	return batch, recipients, nil
}

func (s *DispatchService) verifyConnectivity(ctx context.Context) error {
	attempts, err := s.policy.Do(ctx, func() error {
		return s.mailer.VerifyConnectivity(ctx)
	})
	if err != nil {
		s.logger.Error("connectivity verification failed",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// finalizeFatal closes a batch whose connectivity check failed: no recipient
// was touched, so every row stays pending and processed is zero.
func (s *DispatchService) finalizeFatal(
	ctx context.Context,
	batch *domain.Batch,
	recipients []domain.Recipient,
	verifyErr error,
) (*DispatchResult, error) {
	detail := verifyErr.Error()
	outcome := repository.BatchOutcome{
		Status:     domain.BatchStatusStopped,
		FatalError: &detail,
	}
	if err := s.batches.Finalize(ctx, batch.ID, outcome); err != nil {
		s.logger.Error("failed to finalize batch after verify failure",
			zap.String("batchId", batch.ID),
			zap.Error(err),
		)
	}
	s.metrics.IncBatchFinalized(domain.BatchStatusStopped.String())

	result := &DispatchResult{
		BatchID:    batch.ID,
		Total:      batch.TotalCount,
		Status:     domain.BatchStatusStopped,
		FatalError: &detail,
		Results:    pendingResults(recipients),
	}
	return result, fmt.Errorf("connectivity verification failed: %w", verifyErr)
}

func (s *DispatchService) runBatch(
	ctx context.Context,
	batch *domain.Batch,
	recipients []domain.Recipient,
) (*DispatchResult, error) {
	result := &DispatchResult{
		BatchID: batch.ID,
		Total:   batch.TotalCount,
		Results: make([]RecipientResult, 0, len(recipients)),
	}

	for i := range recipients {
		recipient := &recipients[i]

		outcome := s.sendOne(ctx, batch, recipient)
		if err := s.recipients.UpdateOutcome(
			ctx,
			batch.ID,
			recipient.Index,
			outcome.Status,
			outcome.Attempts,
			outcome.Error,
		); err != nil {
			return result, s.abortOnLedgerError(ctx, batch, result, recipient.Index, err)
		}

		result.Results = append(result.Results, outcome)
		result.Processed++
		if outcome.Status == domain.RecipientStatusSent {
			result.Sent++
			s.metrics.IncEmailSent()
		} else {
			result.Failed++
			if outcome.Class != nil {
				s.metrics.IncEmailFailed(outcome.Class.String())
			}
		}

		if outcome.Class != nil && stopOnClass[*outcome.Class] {
			stopIdx := recipient.Index
			result.StopIndex = &stopIdx
			s.logger.Warn("circuit breaker stopped batch",
				zap.String("batchId", batch.ID),
				zap.Int("stopIndex", stopIdx),
				zap.String("class", outcome.Class.String()),
			)
			result.Results = append(result.Results, pendingResults(recipients[i+1:])...)
			break
		}
	}

	result.Status = domain.BatchStatusCompleted
	if result.StopIndex != nil {
		result.Status = domain.BatchStatusStopped
	}

	outcome := repository.BatchOutcome{
		Sent:      result.Sent,
		Failed:    result.Failed,
		Processed: result.Processed,
		Status:    result.Status,
		StopIndex: result.StopIndex,
	}
	if err := s.batches.Finalize(ctx, batch.ID, outcome); err != nil {
		return result, fmt.Errorf("failed to finalize batch: %w", err)
	}
	s.metrics.IncBatchFinalized(result.Status.String())

	s.logger.Info("batch finalized",
		zap.String("batchId", batch.ID),
		zap.String("status", result.Status.String()),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("processed", result.Processed),
	)
	return result, nil
}

// LookupRecipientHistory returns every delivery outcome recorded for an
// address across all batches, most recent batch first.
func (s *DispatchService) LookupRecipientHistory(ctx context.Context, email string) ([]repository.HistoryRow, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: email is required", domain.ErrValidation)
	}
	return s.recipients.FindByEmail(ctx, strings.TrimSpace(email))
}

// sendOne renders and delivers one recipient's message under the retry policy
// and returns its terminal outcome. It never returns an error: a failed send
// becomes an error-status result carrying the failure class.
func (s *DispatchService) sendOne(ctx context.Context, batch *domain.Batch, recipient *domain.Recipient) RecipientResult {
	attrs := renderAttributes(recipient)
	subject := template.Render(batch.Subject, attrs)
	body := template.Render(batch.BodyHTML, attrs)

	start := time.Now()
	attempts, err := s.policy.Do(ctx, func() error {
		return s.mailer.Send(ctx, recipient.Email, subject, body)
	})
	s.metrics.ObserveEmailSendDuration(time.Since(start))

	if err == nil {
		return RecipientResult{
			Index:    recipient.Index,
			Email:    recipient.Email,
			Status:   domain.RecipientStatusSent,
			Attempts: attempts,
		}
	}

	class := mailer.Classify(err)
	detail := err.Error()
	s.logger.Warn("recipient delivery failed",
		zap.String("batchId", batch.ID),
		zap.Int("index", recipient.Index),
		zap.String("class", class.String()),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return RecipientResult{
		Index:    recipient.Index,
		Email:    recipient.Email,
		Status:   domain.RecipientStatusError,
		Attempts: attempts,
		Class:    &class,
		Error:    &detail,
	}
}

// abortOnLedgerError closes out a run whose recipient write failed. The batch
// is finalized stopped with the counts accumulated so far, so it never lingers
// in_progress after the request returns.
func (s *DispatchService) abortOnLedgerError(
	ctx context.Context,
	batch *domain.Batch,
	result *DispatchResult,
	index int,
	ledgerErr error,
) error {
	s.logger.Error("failed to record recipient outcome",
		zap.String("batchId", batch.ID),
		zap.Int("index", index),
		zap.Error(ledgerErr),
	)

	detail := ledgerErr.Error()
	outcome := repository.BatchOutcome{
		Sent:       result.Sent,
		Failed:     result.Failed,
		Processed:  result.Processed,
		Status:     domain.BatchStatusStopped,
		StopIndex:  &index,
		FatalError: &detail,
	}
	if err := s.batches.Finalize(ctx, batch.ID, outcome); err != nil {
		s.logger.Error("failed to finalize batch after ledger error",
			zap.String("batchId", batch.ID),
			zap.Error(err),
		)
	}
	s.metrics.IncBatchFinalized(domain.BatchStatusStopped.String())

	return fmt.Errorf("failed to record recipient outcome: %w", ledgerErr)
}

// renderAttributes builds the template data for one recipient: the submitted
// attribute bag, the explicit name column if one was given, and the Name
// fallback when neither provides one.
func renderAttributes(recipient *domain.Recipient) domain.Attributes {
	attrs := make(domain.Attributes, len(recipient.Attributes)+1)
	for k, v := range recipient.Attributes {
		attrs[k] = v
	}
	if recipient.Name != nil {
		if _, ok := attrs.Lookup(template.FallbackNameKey); !ok {
			attrs[template.FallbackNameKey] = *recipient.Name
		}
	}
	return template.WithNameFallback(attrs)
}

func pendingResults(recipients []domain.Recipient) []RecipientResult {
	results := make([]RecipientResult, 0, len(recipients))
	for i := range recipients {
		results = append(results, RecipientResult{
			Index:  recipients[i].Index,
			Email:  recipients[i].Email,
			Status: domain.RecipientStatusPending,
		})
	}
	return results
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
