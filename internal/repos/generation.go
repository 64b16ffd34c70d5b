package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/types"
)

type GenerationRepo interface {
	Create(ctx context.Context, tx *gorm.DB, gen *types.Generation) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Generation, error)
	GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, key string) (*types.Generation, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// TransitionStatus applies updates only while the row is still in one of
	// the given statuses. Returns false when the guard rejected the write.
	TransitionStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from []types.GenerationStatus, updates map[string]interface{}) (bool, error)
	CountActiveByOrg(ctx context.Context, tx *gorm.DB, orgID uuid.UUID) (int64, error)
}

type generationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationRepo(db *gorm.DB, baseLog *logger.Logger) GenerationRepo {
	return &generationRepo{
		db:  db,
		log: baseLog.With("repo", "GenerationRepo"),
	}
}

func (r *generationRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *generationRepo) Create(ctx context.Context, tx *gorm.DB, gen *types.Generation) error {
	if gen == nil {
		return errors.New("nil generation")
	}
	if gen.ID == uuid.Nil {
		gen.ID = uuid.New()
	}
	now := time.Now()
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = now
	}
	gen.UpdatedAt = now
	return r.handle(tx).WithContext(ctx).Create(gen).Error
}

func (r *generationRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Generation, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var gen types.Generation
	err := r.handle(tx).WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&gen).Error
	if err != nil {
		return nil, err
	}
	if gen.ID == uuid.Nil {
		return nil, nil
	}
	return &gen, nil
}

func (r *generationRepo) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, key string) (*types.Generation, error) {
	if orgID == uuid.Nil || key == "" {
		return nil, nil
	}
	var gen types.Generation
	err := r.handle(tx).WithContext(ctx).
		Where("organization_id = ? AND idempotency_key = ?", orgID, key).
		Limit(1).
		Find(&gen).Error
	if err != nil {
		return nil, err
	}
	if gen.ID == uuid.Nil {
		return nil, nil
	}
	return &gen, nil
}

func (r *generationRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(tx).WithContext(ctx).
		Model(&types.Generation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *generationRepo) TransitionStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from []types.GenerationStatus, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || len(from) == 0 {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.handle(tx).WithContext(ctx).
		Model(&types.Generation{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *generationRepo) CountActiveByOrg(ctx context.Context, tx *gorm.DB, orgID uuid.UUID) (int64, error) {
	if orgID == uuid.Nil {
		return 0, nil
	}
	var n int64
	err := r.handle(tx).WithContext(ctx).
		Model(&types.Generation{}).
		Where("organization_id = ? AND status IN ?", orgID,
			[]types.GenerationStatus{types.GenerationStatusQueued, types.GenerationStatusProcessing}).
		Count(&n).Error
	return n, err
}
