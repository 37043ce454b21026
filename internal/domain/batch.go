package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the processing state of a dispatch batch.
type BatchStatus string

const (
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusStopped    BatchStatus = "stopped"
	BatchStatusCompleted  BatchStatus = "completed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusInProgress, BatchStatusStopped, BatchStatusCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether the batch has finished processing.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusStopped || s == BatchStatusCompleted
}

// Batch is one dispatch request's unit of work: a subject/body template plus
// an ordered list of recipients. Batches are permanent audit history and are
// never deleted.
type Batch struct {
	ID             string
	SourceName     *string
	Subject        string
	BodyHTML       string
	TotalCount     int
	SentCount      int
	FailedCount    int
	ProcessedCount int
	Status         BatchStatus
	StopIndex      *int
	FatalError     *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (b *Batch) Validate() error {
	if strings.TrimSpace(b.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if strings.TrimSpace(b.BodyHTML) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if b.TotalCount < 1 {
		return fmt.Errorf("%w: batch must include at least one recipient", ErrValidation)
	}
	if !b.Status.IsValid() {
		return fmt.Errorf("%w: invalid batch status %q", ErrValidation, b.Status)
	}
	return nil
}
