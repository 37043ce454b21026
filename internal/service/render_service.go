package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mailroomhq/mailroom/internal/domain"
	"github.com/mailroomhq/mailroom/internal/observability"
	"github.com/mailroomhq/mailroom/internal/render"
	"github.com/mailroomhq/mailroom/internal/repository"
	"github.com/mailroomhq/mailroom/internal/template"
)

// ArchiveRequest is an ad hoc render request: the same shape a dispatch
// request has, but nothing is persisted and nothing is sent.
type ArchiveRequest struct {
	Subject    string
	Body       string
	Recipients []RecipientInput
}

// RenderService turns stored or ad hoc recipient data into PDF documents and
// ZIP archives. Every top-level call opens one renderer session and closes it
// before returning, on success and on error alike.
type RenderService struct {
	batches    repository.BatchRepository
	recipients repository.RecipientRepository
	sessions   render.SessionFactory
	logger     *zap.Logger
	metrics    *observability.Metrics
}

func NewRenderService(
	batches repository.BatchRepository,
	recipients repository.RecipientRepository,
	sessions render.SessionFactory,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*RenderService, error) {
	if batches == nil || recipients == nil {
		return nil, fmt.Errorf("batch and recipient repositories are required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RenderService{
		batches:    batches,
		recipients: recipients,
		sessions:   sessions,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// RenderRecipientPDF re-renders one stored recipient's message from its saved
// attributes and the owning batch's templates.
func (s *RenderService) RenderRecipientPDF(ctx context.Context, recipientID string) ([]byte, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, fmt.Errorf("%w: recipient id is required", domain.ErrValidation)
	}

	recipient, err := s.recipients.GetByID(ctx, strings.TrimSpace(recipientID))
	if err != nil {
		return nil, err
	}
	batch, err := s.batches.GetByID(ctx, recipient.BatchID)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open renderer session: %w", err)
	}
	defer s.closeSession(session)

	return s.renderOne(ctx, session, batch.Subject, batch.BodyHTML, recipient)
}

// ArchiveJob is a validated archive request ready to stream. Preparation
// (validation, ledger lookups) is split from streaming so HTTP callers can
// map errors to status codes before the first response byte is written.
type ArchiveJob struct {
	svc        *RenderService
	subject    string
	bodyHTML   string
	recipients []domain.Recipient
}

// Stream renders every document and writes the complete ZIP to w. An error
// after the first byte leaves a truncated stream behind; the caller decides
// how to surface that.
func (j *ArchiveJob) Stream(ctx context.Context, w io.Writer) error {
	return j.svc.streamArchive(ctx, j.subject, j.bodyHTML, j.recipients, w)
}

// PrepareSourceArchive resolves the most recently created batch tagged with
// sourceName and returns a job covering all its recipients.
func (s *RenderService) PrepareSourceArchive(ctx context.Context, sourceName string) (*ArchiveJob, error) {
	if strings.TrimSpace(sourceName) == "" {
		return nil, fmt.Errorf("%w: source name is required", domain.ErrValidation)
	}

	batch, err := s.batches.LatestBySource(ctx, strings.TrimSpace(sourceName))
	if err != nil {
		return nil, err
	}
	recipients, err := s.recipients.ListByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	return &ArchiveJob{
		svc:        s,
		subject:    batch.Subject,
		bodyHTML:   batch.BodyHTML,
		recipients: recipients,
	}, nil
}

// PrepareAdHocArchive validates a submitted recipient list for rendering.
// Nothing is persisted and nothing is sent.
func (s *RenderService) PrepareAdHocArchive(req ArchiveRequest) (*ArchiveJob, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("%w: body is required", domain.ErrValidation)
	}
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", domain.ErrValidation)
	}

	recipients := make([]domain.Recipient, len(req.Recipients))
	for i, in := range req.Recipients {
		recipients[i] = domain.Recipient{
			Index:      i,
			Email:      strings.TrimSpace(in.Email),
			Name:       normalizeOptionalString(in.Name),
			Attributes: in.Attributes,
			Status:     domain.RecipientStatusPending,
		}
		if recipients[i].Email == "" {
			return nil, fmt.Errorf("%w: recipient %d: email is required", domain.ErrValidation, i)
		}
	}

	return &ArchiveJob{
		svc:        s,
		subject:    subject,
		bodyHTML:   template.TextToHTML(req.Body),
		recipients: recipients,
	}, nil
}

// streamArchive owns the renderer session for one archive request: open,
// render each document in order, close. The archive central directory is
// flushed before returning so the stream is a complete ZIP on success.
func (s *RenderService) streamArchive(
	ctx context.Context,
	subject string,
	bodyHTML string,
	recipients []domain.Recipient,
	w io.Writer,
) error {
	session, err := s.sessions.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to open renderer session: %w", err)
	}
	defer s.closeSession(session)

	archive := render.NewArchive(w)
	for i := range recipients {
		recipient := &recipients[i]

		pdf, err := s.renderOne(ctx, session, subject, bodyHTML, recipient)
		if err != nil {
			return err
		}
		if err := archive.Add(recipient.Email, pdf); err != nil {
			return err
		}
		s.metrics.AddArchiveEntries(1)
	}

	if err := archive.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	return nil
}

func (s *RenderService) renderOne(
	ctx context.Context,
	session render.Session,
	subject string,
	bodyHTML string,
	recipient *domain.Recipient,
) ([]byte, error) {
	attrs := renderAttributes(recipient)
	renderedSubject := template.Render(subject, attrs)
	renderedBody := template.Render(bodyHTML, attrs)
	doc := render.WrapDocument(renderedSubject, renderedBody)

	start := time.Now()
	pdf, err := session.RenderPDF(ctx, doc)
	s.metrics.ObserveRenderDuration(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to render pdf for %q: %w", recipient.Email, err)
	}
	return pdf, nil
}

func (s *RenderService) closeSession(session render.Session) {
	if err := session.Close(); err != nil {
		s.logger.Warn("failed to close renderer session", zap.Error(err))
	}
}
