package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/mailroomhq/mailroom/internal/domain"
)

const recipientInsertChunk = 100

// BatchOutcome carries the aggregate counters written when a batch reaches a
// terminal state.
type BatchOutcome struct {
	Sent       int
	Failed     int
	Processed  int
	Status     domain.BatchStatus
	StopIndex  *int
	FatalError *string
}

type BatchRepository interface {
	// CreateWithRecipients writes the batch row and every recipient row in
	// one transaction, so external observers never see a partial batch.
	CreateWithRecipients(ctx context.Context, b *domain.Batch, recipients []*domain.Recipient) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	// LatestBySource returns the most recently created batch tagged with the
	// source name.
	LatestBySource(ctx context.Context, sourceName string) (*domain.Batch, error)
	Finalize(ctx context.Context, id string, outcome BatchOutcome) error
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) CreateWithRecipients(ctx context.Context, b *domain.Batch, recipients []*domain.Recipient) error {
	batchModel := batchModelFromDomain(b)
	if batchModel == nil {
		return errors.New("batch is required")
	}

	recipientModels := make([]RecipientModel, 0, len(recipients))
	for _, recipient := range recipients {
		if model := recipientModelFromDomain(recipient); model != nil {
			recipientModels = append(recipientModels, *model)
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batchModel).Error; err != nil {
			return err
		}
		if len(recipientModels) == 0 {
			return nil
		}
		return tx.CreateInBatches(&recipientModels, recipientInsertChunk).Error
	})
	if err != nil {
		return err
	}

	*b = *batchModelToDomain(batchModel)
	for i := range recipientModels {
		if i < len(recipients) && recipients[i] != nil {
			*recipients[i] = *recipientModelToDomain(&recipientModels[i])
		}
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) LatestBySource(ctx context.Context, sourceName string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).
		Where("source_name = ?", sourceName).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) Finalize(ctx context.Context, id string, outcome BatchOutcome) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusInProgress).
		Updates(map[string]any{
			"sent_count":      outcome.Sent,
			"failed_count":    outcome.Failed,
			"processed_count": outcome.Processed,
			"status":          outcome.Status,
			"stop_index":      outcome.StopIndex,
			"fatal_error":     outcome.FatalError,
		})
	if result.Error != nil {
		return result.Error
	}
	// Zero rows means the batch is missing or already finalized; either way
	// the in_progress -> terminal transition happens at most once.
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}
