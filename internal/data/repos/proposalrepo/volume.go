package proposalrepo

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

const (
	mergeRetryBudget = 4
	mergeRetryBase   = 25 * time.Millisecond
)

type VolumeRepo interface {
	Create(dbc dbctx.Context, volumes []*types.Volume) ([]*types.Volume, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Volume, error)
	GetByProposalAndNumber(dbc dbctx.Context, proposalID uuid.UUID, number int) (*types.Volume, error)
	ListByProposal(dbc dbctx.Context, proposalID uuid.UUID) ([]*types.Volume, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Checkpoint(dbc dbctx.Context, id uuid.UUID, content string, pageCount int, status string) error
	MergeProgress(dbc dbctx.Context, id uuid.UUID, patch map[string]interface{}) error
}

type volumeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVolumeRepo(db *gorm.DB, baseLog *logger.Logger) VolumeRepo {
	return &volumeRepo{
		db:  db,
		log: baseLog.With("repo", "VolumeRepo"),
	}
}

func (r *volumeRepo) Create(dbc dbctx.Context, volumes []*types.Volume) ([]*types.Volume, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(volumes) == 0 {
		return []*types.Volume{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&volumes).Error; err != nil {
		return nil, err
	}
	return volumes, nil
}

func (r *volumeRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Volume, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var v types.Volume
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == uuid.Nil {
		return nil, nil
	}
	return &v, nil
}

func (r *volumeRepo) GetByProposalAndNumber(dbc dbctx.Context, proposalID uuid.UUID, number int) (*types.Volume, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if proposalID == uuid.Nil {
		return nil, nil
	}
	var v types.Volume
	err := transaction.WithContext(dbc.Ctx).
		Where("proposal_id = ? AND number = ?", proposalID, number).
		Limit(1).
		Find(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == uuid.Nil {
		return nil, nil
	}
	return &v, nil
}

func (r *volumeRepo) ListByProposal(dbc dbctx.Context, proposalID uuid.UUID) ([]*types.Volume, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Volume
	err := transaction.WithContext(dbc.Ctx).
		Where("proposal_id = ?", proposalID).
		Order("number ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *volumeRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Volume{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Checkpoint persists content and stamps checkpointed_at in one write, so a
// resume never observes content without its marker.
func (r *volumeRepo) Checkpoint(dbc dbctx.Context, id uuid.UUID, content string, pageCount int, status string) error {
	now := time.Now()
	return r.UpdateFields(dbc, id, map[string]interface{}{
		"content":         content,
		"page_count":      pageCount,
		"status":          status,
		"checkpointed_at": now,
		"updated_at":      now,
	})
}

// MergeProgress folds a patch into the volume's progress map with a
// read-merge-write loop. Concurrent writers from parallel section work can
// interleave, so losses are retried a few times with jittered backoff; the
// final write wins per key.
func (r *volumeRepo) MergeProgress(dbc dbctx.Context, id uuid.UUID, patch map[string]interface{}) error {
	if id == uuid.Nil || len(patch) == 0 {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < mergeRetryBudget; attempt++ {
		if attempt > 0 {
			backoff := mergeRetryBase << uint(attempt-1)
			jitter := time.Duration(rand.Int63n(int64(backoff)))
			time.Sleep(backoff + jitter)
		}
		lastErr = r.mergeProgressOnce(dbc, id, patch)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("merge volume progress %s: %w", id, lastErr)
}

func (r *volumeRepo) mergeProgressOnce(dbc dbctx.Context, id uuid.UUID, patch map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var v types.Volume
		if err := txx.Where("id = ?", id).Limit(1).Find(&v).Error; err != nil {
			return err
		}
		if v.ID == uuid.Nil {
			return gorm.ErrRecordNotFound
		}

		merged := map[string]interface{}{}
		if len(v.Progress) > 0 {
			if err := json.Unmarshal(v.Progress, &merged); err != nil {
				merged = map[string]interface{}{}
			}
		}
		for k, val := range patch {
			merged[k] = val
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return err
		}

		return txx.Model(&types.Volume{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"progress":   datatypes.JSON(raw),
				"updated_at": time.Now(),
			}).Error
	})
}
