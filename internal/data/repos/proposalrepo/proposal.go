package proposalrepo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type ProposalRepo interface {
	Create(dbc dbctx.Context, proposals []*types.Proposal) ([]*types.Proposal, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Proposal, error)
	ListByOwner(dbc dbctx.Context, ownerOrgID uuid.UUID, limit, offset int) ([]*types.Proposal, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
}

type proposalRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProposalRepo(db *gorm.DB, baseLog *logger.Logger) ProposalRepo {
	return &proposalRepo{
		db:  db,
		log: baseLog.With("repo", "ProposalRepo"),
	}
}

func (r *proposalRepo) Create(dbc dbctx.Context, proposals []*types.Proposal) ([]*types.Proposal, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(proposals) == 0 {
		return []*types.Proposal{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&proposals).Error; err != nil {
		return nil, err
	}
	return proposals, nil
}

func (r *proposalRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Proposal, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var p types.Proposal
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *proposalRepo) ListByOwner(dbc dbctx.Context, ownerOrgID uuid.UUID, limit, offset int) ([]*types.Proposal, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var out []*types.Proposal
	err := transaction.WithContext(dbc.Ctx).
		Where("owner_org_id = ?", ownerOrgID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *proposalRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Proposal{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *proposalRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := transaction.WithContext(dbc.Ctx).
		Model(&types.Proposal{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
