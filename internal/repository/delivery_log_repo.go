package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-router/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeliveryLogQuery struct {
	MessageID   *string
	ProviderKey *string
	EventType   *domain.LogEventType
	From        *time.Time
	To          *time.Time
	Page        int
	PageSize    int
}

// DeliveryLogRepository stores the append-only delivery audit trail.
type DeliveryLogRepository interface {
	Append(ctx context.Context, entry *domain.DeliveryLogEntry) error
	ListByMessage(ctx context.Context, messageID string) ([]domain.DeliveryLogEntry, error)
	List(ctx context.Context, query DeliveryLogQuery) ([]domain.DeliveryLogEntry, int64, error)
}

type GormDeliveryLogRepo struct {
	db *gorm.DB
}

func NewGormDeliveryLogRepo(db *gorm.DB) *GormDeliveryLogRepo {
	return &GormDeliveryLogRepo{db: db}
}

// Append assigns the next per-message sequence number and inserts the entry.
// The parent row is locked so concurrent writers for one message serialize.
func (r *GormDeliveryLogRepo) Append(ctx context.Context, entry *domain.DeliveryLogEntry) error {
	if entry == nil || entry.MessageID == "" {
		return fmt.Errorf("%w: delivery log entry requires a message id", domain.ErrValidation)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent NotificationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			First(&parent, "id = ?", entry.MessageID).Error; err != nil {
			return err
		}

		var next int
		if err := tx.Model(&DeliveryLogModel{}).
			Select("COALESCE(MAX(sequence), 0) + 1").
			Where("message_id = ?", entry.MessageID).
			Scan(&next).Error; err != nil {
			return err
		}
		entry.Sequence = next

		return tx.Create(deliveryLogModelFromDomain(entry)).Error
	})
}

func (r *GormDeliveryLogRepo) ListByMessage(ctx context.Context, messageID string) ([]domain.DeliveryLogEntry, error) {
	var models []DeliveryLogModel
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("sequence ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	entries := make([]domain.DeliveryLogEntry, 0, len(models))
	for i := range models {
		entries = append(entries, *deliveryLogModelToDomain(&models[i]))
	}
	return entries, nil
}

func (r *GormDeliveryLogRepo) List(ctx context.Context, q DeliveryLogQuery) ([]domain.DeliveryLogEntry, int64, error) {
	query := r.db.WithContext(ctx).Model(&DeliveryLogModel{})

	if q.MessageID != nil {
		query = query.Where("message_id = ?", *q.MessageID)
	}
	if q.ProviderKey != nil {
		query = query.Where("provider_key = ?", *q.ProviderKey)
	}
	if q.EventType != nil {
		query = query.Where("event_type = ?", *q.EventType)
	}
	if q.From != nil {
		query = query.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		query = query.Where("created_at <= ?", *q.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(q.Page, q.PageSize)

	var models []DeliveryLogModel
	err := query.
		Order("created_at DESC").
		Order("sequence DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	entries := make([]domain.DeliveryLogEntry, 0, len(models))
	for i := range models {
		entries = append(entries, *deliveryLogModelToDomain(&models[i]))
	}
	return entries, total, nil
}
