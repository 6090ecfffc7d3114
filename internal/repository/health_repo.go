package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-router/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type HealthCheckRepository interface {
	Append(ctx context.Context, result *domain.HealthCheckResult) error
	LatestPerProvider(ctx context.Context) (map[string]domain.HealthCheckResult, error)
	ListByProvider(ctx context.Context, providerKey string, limit int) ([]domain.HealthCheckResult, error)
}

type IncidentFilter struct {
	ProviderKey *string
	Status      *domain.IncidentStatus
	Page        int
	PageSize    int
}

type IncidentRepository interface {
	Create(ctx context.Context, incident *domain.Incident) error
	Update(ctx context.Context, incident *domain.Incident) error
	GetByID(ctx context.Context, id string) (*domain.Incident, error)
	GetActiveByProvider(ctx context.Context, providerKey string) (*domain.Incident, error)
	List(ctx context.Context, filter IncidentFilter) ([]domain.Incident, int64, error)
}

type ProviderStateRepository interface {
	Upsert(ctx context.Context, state *domain.ProviderState) error
	List(ctx context.Context) ([]domain.ProviderState, error)
}

type GormHealthCheckRepo struct {
	db *gorm.DB
}

func NewGormHealthCheckRepo(db *gorm.DB) *GormHealthCheckRepo {
	return &GormHealthCheckRepo{db: db}
}

func (r *GormHealthCheckRepo) Append(ctx context.Context, result *domain.HealthCheckResult) error {
	if result == nil || result.ProviderKey == "" {
		return fmt.Errorf("%w: health check requires a provider key", domain.ErrValidation)
	}
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(healthCheckModelFromDomain(result)).Error
}

func (r *GormHealthCheckRepo) LatestPerProvider(ctx context.Context) (map[string]domain.HealthCheckResult, error) {
	var models []HealthCheckModel
	err := r.db.WithContext(ctx).
		Raw(`SELECT DISTINCT ON (provider_key) * FROM provider_health_checks
			ORDER BY provider_key, checked_at DESC`).
		Scan(&models).Error
	if err != nil {
		return nil, err
	}

	latest := make(map[string]domain.HealthCheckResult, len(models))
	for i := range models {
		latest[models[i].ProviderKey] = *healthCheckModelToDomain(&models[i])
	}
	return latest, nil
}

func (r *GormHealthCheckRepo) ListByProvider(ctx context.Context, providerKey string, limit int) ([]domain.HealthCheckResult, error) {
	if limit <= 0 {
		limit = 50
	}

	var models []HealthCheckModel
	err := r.db.WithContext(ctx).
		Where("provider_key = ?", providerKey).
		Order("checked_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	results := make([]domain.HealthCheckResult, 0, len(models))
	for i := range models {
		results = append(results, *healthCheckModelToDomain(&models[i]))
	}
	return results, nil
}

type GormIncidentRepo struct {
	db *gorm.DB
}

func NewGormIncidentRepo(db *gorm.DB) *GormIncidentRepo {
	return &GormIncidentRepo{db: db}
}

func (r *GormIncidentRepo) Create(ctx context.Context, incident *domain.Incident) error {
	if incident == nil {
		return fmt.Errorf("%w: incident is required", domain.ErrValidation)
	}
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).Create(incidentModelFromDomain(incident)).Error
}

func (r *GormIncidentRepo) Update(ctx context.Context, incident *domain.Incident) error {
	if incident == nil {
		return fmt.Errorf("%w: incident is required", domain.ErrValidation)
	}

	result := r.db.WithContext(ctx).
		Model(&IncidentModel{}).
		Where("id = ?", incident.ID).
		Updates(map[string]any{
			"status":           incident.Status,
			"severity":         incident.Severity,
			"description":      incident.Description,
			"resolution_notes": incident.ResolutionNotes,
			"acknowledged_at":  incident.AcknowledgedAt,
			"resolved_at":      incident.ResolvedAt,
			"closed_at":        incident.ClosedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormIncidentRepo) GetByID(ctx context.Context, id string) (*domain.Incident, error) {
	var model IncidentModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return incidentModelToDomain(&model), nil
}

// GetActiveByProvider returns the newest open or investigating incident.
func (r *GormIncidentRepo) GetActiveByProvider(ctx context.Context, providerKey string) (*domain.Incident, error) {
	var model IncidentModel
	err := r.db.WithContext(ctx).
		Where("provider_key = ? AND status IN ?", providerKey,
			[]domain.IncidentStatus{domain.IncidentStatusOpen, domain.IncidentStatusInvestigating}).
		Order("detected_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return incidentModelToDomain(&model), nil
}

func (r *GormIncidentRepo) List(ctx context.Context, filter IncidentFilter) ([]domain.Incident, int64, error) {
	query := r.db.WithContext(ctx).Model(&IncidentModel{})

	if filter.ProviderKey != nil {
		query = query.Where("provider_key = ?", *filter.ProviderKey)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)

	var models []IncidentModel
	err := query.
		Order("detected_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	incidents := make([]domain.Incident, 0, len(models))
	for i := range models {
		incidents = append(incidents, *incidentModelToDomain(&models[i]))
	}
	return incidents, total, nil
}

type GormProviderStateRepo struct {
	db *gorm.DB
}

func NewGormProviderStateRepo(db *gorm.DB) *GormProviderStateRepo {
	return &GormProviderStateRepo{db: db}
}

func (r *GormProviderStateRepo) Upsert(ctx context.Context, state *domain.ProviderState) error {
	if state == nil || state.ProviderKey == "" {
		return fmt.Errorf("%w: provider state requires a provider key", domain.ErrValidation)
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "provider_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state", "is_healthy", "consecutive_failures", "consecutive_successes",
				"last_check_at", "last_error", "updated_at",
			}),
		}).
		Create(providerStateModelFromDomain(state)).Error
}

func (r *GormProviderStateRepo) List(ctx context.Context) ([]domain.ProviderState, error) {
	var models []ProviderStateModel
	if err := r.db.WithContext(ctx).Order("provider_key ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	states := make([]domain.ProviderState, 0, len(models))
	for i := range models {
		states = append(states, *providerStateModelToDomain(&models[i]))
	}
	return states, nil
}
