package proposalrepo

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

// IterationRepo is append-only: records are created and listed, never
// updated or deleted.
type IterationRepo interface {
	Create(dbc dbctx.Context, records []*types.IterationRecord) ([]*types.IterationRecord, error)
	ListByVolume(dbc dbctx.Context, volumeID uuid.UUID) ([]*types.IterationRecord, error)
	CountByVolume(dbc dbctx.Context, volumeID uuid.UUID) (int, error)
}

type iterationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIterationRepo(db *gorm.DB, baseLog *logger.Logger) IterationRepo {
	return &iterationRepo{
		db:  db,
		log: baseLog.With("repo", "IterationRepo"),
	}
}

func (r *iterationRepo) Create(dbc dbctx.Context, records []*types.IterationRecord) ([]*types.IterationRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(records) == 0 {
		return []*types.IterationRecord{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *iterationRepo) ListByVolume(dbc dbctx.Context, volumeID uuid.UUID) ([]*types.IterationRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.IterationRecord
	err := transaction.WithContext(dbc.Ctx).
		Where("volume_id = ?", volumeID).
		Order("iteration ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *iterationRepo) CountByVolume(dbc dbctx.Context, volumeID uuid.UUID) (int, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.IterationRecord{}).
		Where("volume_id = ?", volumeID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
