package proposalrepo

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type RequirementRepo interface {
	ReplaceForProposal(dbc dbctx.Context, proposalID uuid.UUID, reqs []*types.Requirement) ([]*types.Requirement, error)
	ListByProposal(dbc dbctx.Context, proposalID uuid.UUID) ([]*types.Requirement, error)
	ListByVolume(dbc dbctx.Context, proposalID uuid.UUID, volumeNumber int) ([]*types.Requirement, error)
}

type requirementRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRequirementRepo(db *gorm.DB, baseLog *logger.Logger) RequirementRepo {
	return &requirementRepo{
		db:  db,
		log: baseLog.With("repo", "RequirementRepo"),
	}
}

// ReplaceForProposal swaps the full requirement set in one transaction, so a
// re-run of extraction never leaves a mixed old/new set behind.
func (r *requirementRepo) ReplaceForProposal(dbc dbctx.Context, proposalID uuid.UUID, reqs []*types.Requirement) ([]*types.Requirement, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if proposalID == uuid.Nil {
		return []*types.Requirement{}, nil
	}
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("proposal_id = ?", proposalID).Delete(&types.Requirement{}).Error; err != nil {
			return err
		}
		if len(reqs) == 0 {
			return nil
		}
		return txx.Create(&reqs).Error
	})
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

func (r *requirementRepo) ListByProposal(dbc dbctx.Context, proposalID uuid.UUID) ([]*types.Requirement, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Requirement
	err := transaction.WithContext(dbc.Ctx).
		Where("proposal_id = ?", proposalID).
		Order("ref ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *requirementRepo) ListByVolume(dbc dbctx.Context, proposalID uuid.UUID, volumeNumber int) ([]*types.Requirement, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Requirement
	err := transaction.WithContext(dbc.Ctx).
		Where("proposal_id = ? AND volume_number = ?", proposalID, volumeNumber).
		Order("ref ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
