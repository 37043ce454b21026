package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mailroomhq/mailroom/internal/domain"
)

// HistoryRow is a recipient row joined with its batch's subject and creation
// time, used for the per-email delivery history lookup.
type HistoryRow struct {
	Recipient      domain.Recipient
	BatchSubject   string
	BatchCreatedAt time.Time
}

type RecipientRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Recipient, error)
	// ListByBatch returns a batch's recipients ordered by index, ascending.
	ListByBatch(ctx context.Context, batchID string) ([]domain.Recipient, error)
	// UpdateOutcome records a recipient's single pending -> terminal
	// transition. A second call for the same row returns ErrConflict.
	UpdateOutcome(ctx context.Context, batchID string, idx int, status domain.RecipientStatus, attempts int, lastError *string) error
	// FindByEmail returns every recipient row for the address, most recent
	// batch first, then by index.
	FindByEmail(ctx context.Context, email string) ([]HistoryRow, error)
}

type GormRecipientRepo struct {
	db *gorm.DB
}

func NewGormRecipientRepo(db *gorm.DB) *GormRecipientRepo {
	return &GormRecipientRepo{db: db}
}

func (r *GormRecipientRepo) GetByID(ctx context.Context, id string) (*domain.Recipient, error) {
	var model RecipientModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recipientModelToDomain(&model), nil
}

func (r *GormRecipientRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Recipient, error) {
	var models []RecipientModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("idx ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	recipients := make([]domain.Recipient, 0, len(models))
	for i := range models {
		recipients = append(recipients, *recipientModelToDomain(&models[i]))
	}
	return recipients, nil
}

func (r *GormRecipientRepo) UpdateOutcome(
	ctx context.Context,
	batchID string,
	idx int,
	status domain.RecipientStatus,
	attempts int,
	lastError *string,
) error {
	result := r.db.WithContext(ctx).
		Model(&RecipientModel{}).
		Where("batch_id = ? AND idx = ? AND status = ?", batchID, idx, domain.RecipientStatusPending).
		Updates(map[string]any{
			"status":        status,
			"attempt_count": attempts,
			"last_error":    lastError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

type historyModel struct {
	RecipientModel
	BatchSubject   string    `gorm:"column:batch_subject"`
	BatchCreatedAt time.Time `gorm:"column:batch_created_at"`
}

func (r *GormRecipientRepo) FindByEmail(ctx context.Context, email string) ([]HistoryRow, error) {
	var models []historyModel
	err := r.db.WithContext(ctx).
		Table("batch_recipients").
		Select("batch_recipients.*, batches.subject AS batch_subject, batches.created_at AS batch_created_at").
		Joins("JOIN batches ON batches.id = batch_recipients.batch_id").
		Where("LOWER(batch_recipients.email) = LOWER(?)", email).
		Order("batches.created_at DESC, batch_recipients.idx ASC").
		Scan(&models).Error
	if err != nil {
		return nil, err
	}

	rows := make([]HistoryRow, 0, len(models))
	for i := range models {
		rows = append(rows, HistoryRow{
			Recipient:      *recipientModelToDomain(&models[i].RecipientModel),
			BatchSubject:   models[i].BatchSubject,
			BatchCreatedAt: models[i].BatchCreatedAt,
		})
	}
	return rows, nil
}
