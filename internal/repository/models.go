package repository

import (
	"time"

	"github.com/mailroomhq/mailroom/internal/domain"
)

// BatchModel is the persistence model for the batches table.
type BatchModel struct {
	ID             string             `gorm:"type:uuid;primaryKey"`
	SourceName     *string            `gorm:"type:varchar(255)"`
	Subject        string             `gorm:"type:text;not null"`
	BodyHTML       string             `gorm:"type:text;not null"`
	TotalCount     int                `gorm:"not null"`
	SentCount      int                `gorm:"not null;default:0"`
	FailedCount    int                `gorm:"not null;default:0"`
	ProcessedCount int                `gorm:"not null;default:0"`
	Status         domain.BatchStatus `gorm:"type:varchar(20);not null"`
	StopIndex      *int               `gorm:"type:int"`
	FatalError     *string            `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// RecipientModel is the persistence model for batch_recipients. Idx is the
// zero-based submission-order index, unique within a batch.
type RecipientModel struct {
	ID           string                 `gorm:"type:uuid;primaryKey"`
	BatchID      string                 `gorm:"type:uuid;not null;uniqueIndex:idx_recipients_batch_idx,priority:1"`
	Idx          int                    `gorm:"not null;uniqueIndex:idx_recipients_batch_idx,priority:2"`
	Email        string                 `gorm:"type:varchar(255);not null"`
	Name         *string                `gorm:"type:varchar(255)"`
	Attributes   domain.Attributes      `gorm:"type:jsonb;serializer:json"`
	Status       domain.RecipientStatus `gorm:"type:varchar(20);not null"`
	AttemptCount int                    `gorm:"not null;default:0"`
	LastError    *string                `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (RecipientModel) TableName() string {
	return "batch_recipients"
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:             b.ID,
		SourceName:     b.SourceName,
		Subject:        b.Subject,
		BodyHTML:       b.BodyHTML,
		TotalCount:     b.TotalCount,
		SentCount:      b.SentCount,
		FailedCount:    b.FailedCount,
		ProcessedCount: b.ProcessedCount,
		Status:         b.Status,
		StopIndex:      b.StopIndex,
		FatalError:     b.FatalError,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:             m.ID,
		SourceName:     m.SourceName,
		Subject:        m.Subject,
		BodyHTML:       m.BodyHTML,
		TotalCount:     m.TotalCount,
		SentCount:      m.SentCount,
		FailedCount:    m.FailedCount,
		ProcessedCount: m.ProcessedCount,
		Status:         m.Status,
		StopIndex:      m.StopIndex,
		FatalError:     m.FatalError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func recipientModelFromDomain(r *domain.Recipient) *RecipientModel {
	if r == nil {
		return nil
	}

	return &RecipientModel{
		ID:           r.ID,
		BatchID:      r.BatchID,
		Idx:          r.Index,
		Email:        r.Email,
		Name:         r.Name,
		Attributes:   r.Attributes,
		Status:       r.Status,
		AttemptCount: r.AttemptCount,
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func recipientModelToDomain(m *RecipientModel) *domain.Recipient {
	if m == nil {
		return nil
	}

	return &domain.Recipient{
		ID:           m.ID,
		BatchID:      m.BatchID,
		Index:        m.Idx,
		Email:        m.Email,
		Name:         m.Name,
		Attributes:   m.Attributes,
		Status:       m.Status,
		AttemptCount: m.AttemptCount,
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
