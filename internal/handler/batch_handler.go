package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/mailroomhq/mailroom/internal/domain"
	"github.com/mailroomhq/mailroom/internal/observability"
	"github.com/mailroomhq/mailroom/internal/repository"
	"github.com/mailroomhq/mailroom/internal/service"
)

type DispatchService interface {
	CreateAndRunBatch(ctx context.Context, req service.DispatchRequest) (*service.DispatchResult, error)
	LookupRecipientHistory(ctx context.Context, email string) ([]repository.HistoryRow, error)
}

type RenderService interface {
	RenderRecipientPDF(ctx context.Context, recipientID string) ([]byte, error)
	PrepareSourceArchive(ctx context.Context, sourceName string) (*service.ArchiveJob, error)
	PrepareAdHocArchive(req service.ArchiveRequest) (*service.ArchiveJob, error)
}

type BatchHandler struct {
	dispatch DispatchService
	render   RenderService
	logger   *zap.Logger
	// streamTimeout bounds one whole archive render, which outlives the
	// handler invocation itself.
	streamTimeout time.Duration
}

const defaultStreamTimeout = 10 * time.Minute

func NewBatchHandler(dispatch DispatchService, render RenderService, logger *zap.Logger, streamTimeout time.Duration) (*BatchHandler, error) {
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch service is required")
	}
	if render == nil {
		return nil, fmt.Errorf("render service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}
	return &BatchHandler{
		dispatch:      dispatch,
		render:        render,
		logger:        logger,
		streamTimeout: streamTimeout,
	}, nil
}

func RegisterBatchRoutes(router fiber.Router, dispatch DispatchService, render RenderService, logger *zap.Logger, streamTimeout time.Duration) error {
	h, err := NewBatchHandler(dispatch, render, logger, streamTimeout)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.CreateAndRunBatch)
	v1.Post("/batches/archive", h.RenderAdHocArchive)
	v1.Get("/recipients", h.LookupRecipientHistory)
	v1.Get("/recipients/:id/pdf", h.RenderRecipientPDF)
	v1.Get("/sources/:sourceName/archive", h.RenderSourceArchive)

	return nil
}

type recipientInputRequest struct {
	Email      string            `json:"email"`
	Name       *string           `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type createBatchRequest struct {
	Subject    string                  `json:"subject"`
	Body       string                  `json:"body"`
	SourceName *string                 `json:"sourceName,omitempty"`
	Recipients []recipientInputRequest `json:"recipients"`
}

type archiveRequest struct {
	Subject    string                  `json:"subject"`
	Body       string                  `json:"body"`
	Recipients []recipientInputRequest `json:"recipients"`
}

type recipientResultResponse struct {
	Index    int     `json:"index"`
	Email    string  `json:"email"`
	Status   string  `json:"status"`
	Attempts int     `json:"attempts"`
	Class    *string `json:"class,omitempty"`
	Error    *string `json:"error,omitempty"`
}

type createBatchResponse struct {
	BatchID    string                    `json:"batchId"`
	Status     string                    `json:"status"`
	Total      int                       `json:"total"`
	Sent       int                       `json:"sent"`
	Failed     int                       `json:"failed"`
	Processed  int                       `json:"processed"`
	StopIndex  *int                      `json:"stopIndex,omitempty"`
	FatalError *string                   `json:"fatalError,omitempty"`
	Recipients []recipientResultResponse `json:"recipients"`
}

type historyRowResponse struct {
	RecipientID string    `json:"recipientId"`
	BatchID     string    `json:"batchId"`
	Index       int       `json:"index"`
	Email       string    `json:"email"`
	Name        *string   `json:"name,omitempty"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       *string   `json:"error,omitempty"`
	Subject     string    `json:"subject"`
	CreatedAt   time.Time `json:"createdAt"`
}

type historyResponse struct {
	Email string               `json:"email"`
	Data  []historyRowResponse `json:"data"`
}

func (h *BatchHandler) CreateAndRunBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	var ctx context.Context = c.Context()
	if requestID := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); requestID != "" {
		ctx = observability.WithCorrelationID(ctx, requestID)
	}

	result, err := h.dispatch.CreateAndRunBatch(ctx, service.DispatchRequest{
		Subject:    req.Subject,
		Body:       req.Body,
		SourceName: req.SourceName,
		Recipients: toRecipientInputs(req.Recipients),
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return toHTTPError(err)
		}
		// A verify failure still produced a finalized (stopped) batch; the
		// 500 body carries its id and the fatal detail.
		if result != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(toCreateBatchResponse(result))
		}
		return err
	}

	return c.Status(fiber.StatusOK).JSON(toCreateBatchResponse(result))
}

func (h *BatchHandler) LookupRecipientHistory(c *fiber.Ctx) error {
	email := strings.TrimSpace(c.Query("email"))
	rows, err := h.dispatch.LookupRecipientHistory(c.Context(), email)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]historyRowResponse, 0, len(rows))
	for _, row := range rows {
		data = append(data, historyRowResponse{
			RecipientID: row.Recipient.ID,
			BatchID:     row.Recipient.BatchID,
			Index:       row.Recipient.Index,
			Email:       row.Recipient.Email,
			Name:        row.Recipient.Name,
			Status:      row.Recipient.Status.String(),
			Attempts:    row.Recipient.AttemptCount,
			Error:       row.Recipient.LastError,
			Subject:     row.BatchSubject,
			CreatedAt:   row.BatchCreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(historyResponse{
		Email: email,
		Data:  data,
	})
}

func (h *BatchHandler) RenderRecipientPDF(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	pdf, err := h.render.RenderRecipientPDF(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	c.Set(fiber.HeaderContentType, "application/pdf")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", id+".pdf"))
	return c.Status(fiber.StatusOK).Send(pdf)
}

func (h *BatchHandler) RenderAdHocArchive(c *fiber.Ctx) error {
	var req archiveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	job, err := h.render.PrepareAdHocArchive(service.ArchiveRequest{
		Subject:    req.Subject,
		Body:       req.Body,
		Recipients: toRecipientInputs(req.Recipients),
	})
	if err != nil {
		return toHTTPError(err)
	}

	return h.streamArchive(c, job, "messages.zip")
}

func (h *BatchHandler) RenderSourceArchive(c *fiber.Ctx) error {
	sourceName := strings.TrimSpace(c.Params("sourceName"))
	job, err := h.render.PrepareSourceArchive(c.Context(), sourceName)
	if err != nil {
		return toHTTPError(err)
	}

	return h.streamArchive(c, job, sourceName+".zip")
}

// streamArchive pipes the job's ZIP output into the response body. Rendering
// runs in its own goroutine and may outlive this call; an error mid-render
// truncates the stream, which the client detects as an invalid archive.
func (h *BatchHandler) streamArchive(c *fiber.Ctx, job *service.ArchiveJob, filename string) error {
	pr, pw := io.Pipe()

	path := c.Path()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.streamTimeout)
		defer cancel()

		err := job.Stream(ctx, pw)
		if err != nil {
			h.logger.Error("archive stream failed",
				zap.String("path", path),
				zap.Error(err),
			)
		}
		pw.CloseWithError(err)
	}()

	c.Set(fiber.HeaderContentType, "application/zip")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Status(fiber.StatusOK).SendStream(pr)
}

func toRecipientInputs(reqs []recipientInputRequest) []service.RecipientInput {
	inputs := make([]service.RecipientInput, 0, len(reqs))
	for _, r := range reqs {
		inputs = append(inputs, service.RecipientInput{
			Email:      r.Email,
			Name:       r.Name,
			Attributes: domain.Attributes(r.Attributes),
		})
	}
	return inputs
}

func toCreateBatchResponse(result *service.DispatchResult) createBatchResponse {
	recipients := make([]recipientResultResponse, 0, len(result.Results))
	for _, r := range result.Results {
		item := recipientResultResponse{
			Index:    r.Index,
			Email:    r.Email,
			Status:   r.Status.String(),
			Attempts: r.Attempts,
			Error:    r.Error,
		}
		if r.Class != nil {
			class := r.Class.String()
			item.Class = &class
		}
		recipients = append(recipients, item)
	}

	return createBatchResponse{
		BatchID:    result.BatchID,
		Status:     result.Status.String(),
		Total:      result.Total,
		Sent:       result.Sent,
		Failed:     result.Failed,
		Processed:  result.Processed,
		StopIndex:  result.StopIndex,
		FatalError: result.FatalError,
		Recipients: recipients,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
