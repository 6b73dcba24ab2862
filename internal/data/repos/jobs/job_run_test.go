package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/draftwell/propgen-backend/internal/data/repos/testutil"
	types "github.com/draftwell/propgen-backend/internal/domain"
	domainjobs "github.com/draftwell/propgen-backend/internal/domain/jobs"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
)

func TestJobRunRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	dbc := dbctx.WithTx(context.Background(), tx)
	repo := NewJobRunRepo(db, testutil.Logger(t))

	now := time.Now().UTC()
	ownerOrgID := uuid.New()

	queued := &types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: ownerOrgID,
		JobType:    "test_job",
		EntityType: "proposal",
		EntityID:   ptrUUID(uuid.New()),
		Status:     domainjobs.StatusQueued,
		Stage:      "queued",
		Payload:    datatypes.JSON([]byte("{}")),
		Result:     datatypes.JSON([]byte("{}")),
		CreatedAt:  now.Add(-3 * time.Hour),
		UpdatedAt:  now.Add(-3 * time.Hour),
	}
	failed := &types.JobRun{
		ID:          uuid.New(),
		OwnerOrgID:  ownerOrgID,
		JobType:     "test_job",
		EntityType:  "proposal",
		EntityID:    ptrUUID(uuid.New()),
		Status:      domainjobs.StatusFailed,
		Stage:       "error",
		Attempts:    0,
		LastErrorAt: ptrTime(now.Add(-2 * time.Hour)),
		Payload:     datatypes.JSON([]byte("{}")),
		Result:      datatypes.JSON([]byte("{}")),
		CreatedAt:   now.Add(-2 * time.Hour),
		UpdatedAt:   now.Add(-2 * time.Hour),
	}
	staleRunning := &types.JobRun{
		ID:          uuid.New(),
		OwnerOrgID:  ownerOrgID,
		JobType:     "test_job",
		EntityType:  "proposal",
		EntityID:    ptrUUID(uuid.New()),
		Status:      domainjobs.StatusRunning,
		Stage:       "generate_volumes",
		Attempts:    0,
		HeartbeatAt: ptrTime(now.Add(-10 * time.Hour)),
		Payload:     datatypes.JSON([]byte("{}")),
		Result:      datatypes.JSON([]byte("{}")),
		CreatedAt:   now.Add(-1 * time.Hour),
		UpdatedAt:   now.Add(-1 * time.Hour),
	}

	created, err := repo.Create(dbc, []*types.JobRun{queued, failed, staleRunning})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("Create: expected 3, got %d", len(created))
	}

	if rows, err := repo.GetByIDs(dbc, []uuid.UUID{queued.ID, failed.ID, staleRunning.ID}); err != nil || len(rows) != 3 {
		t.Fatalf("GetByIDs: err=%v len=%d", err, len(rows))
	}

	// GetLatestByEntity
	entityID := uuid.New()
	older := &types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: ownerOrgID,
		JobType:    "proposal_build",
		EntityType: "proposal",
		EntityID:   &entityID,
		Status:     domainjobs.StatusQueued,
		Stage:      "queued",
		Payload:    datatypes.JSON([]byte("{}")),
		Result:     datatypes.JSON([]byte("{}")),
		CreatedAt:  now.Add(-5 * time.Hour),
		UpdatedAt:  now.Add(-5 * time.Hour),
	}
	newer := &types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: ownerOrgID,
		JobType:    "proposal_build",
		EntityType: "proposal",
		EntityID:   &entityID,
		Status:     domainjobs.StatusQueued,
		Stage:      "queued",
		Payload:    datatypes.JSON([]byte("{}")),
		Result:     datatypes.JSON([]byte("{}")),
		CreatedAt:  now.Add(-4 * time.Hour),
		UpdatedAt:  now.Add(-4 * time.Hour),
	}
	if _, err := repo.Create(dbc, []*types.JobRun{older, newer}); err != nil {
		t.Fatalf("seed latest: %v", err)
	}
	latest, err := repo.GetLatestByEntity(dbc, ownerOrgID, "proposal", entityID, "proposal_build")
	if err != nil {
		t.Fatalf("GetLatestByEntity: %v", err)
	}
	if latest == nil || latest.ID != newer.ID {
		t.Fatalf("GetLatestByEntity: expected %v got %v", newer.ID, latest)
	}

	// ClaimNextRunnable walks the runnable set in created_at ASC order:
	// the stale queued rows first, then the retryable failure, then the
	// running row with the dead heartbeat.
	wantOrder := []uuid.UUID{older.ID, newer.ID, queued.ID, failed.ID, staleRunning.ID}
	for i, want := range wantOrder {
		claim, err := repo.ClaimNextRunnable(dbc, 3, 1*time.Hour, 1*time.Hour)
		if err != nil {
			t.Fatalf("ClaimNextRunnable #%d: %v", i+1, err)
		}
		if claim == nil || claim.ID != want {
			t.Fatalf("ClaimNextRunnable #%d: expected %v got %v", i+1, want, claim)
		}
	}
	if claim, err := repo.ClaimNextRunnable(dbc, 3, 1*time.Hour, 1*time.Hour); err != nil || claim != nil {
		t.Fatalf("ClaimNextRunnable drained: err=%v claim=%v", err, claim)
	}

	// UpdateFields
	if err := repo.UpdateFields(dbc, queued.ID, map[string]interface{}{"status": domainjobs.StatusFailed, "stage": "error"}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	// UpdateFieldsUnlessStatus refuses to touch canceled rows.
	if err := repo.UpdateFields(dbc, failed.ID, map[string]interface{}{"status": domainjobs.StatusCanceled}); err != nil {
		t.Fatalf("cancel seed: %v", err)
	}
	ok, err := repo.UpdateFieldsUnlessStatus(dbc, failed.ID, []string{domainjobs.StatusCanceled}, map[string]interface{}{
		"status": domainjobs.StatusRunning,
	})
	if err != nil {
		t.Fatalf("UpdateFieldsUnlessStatus: %v", err)
	}
	if ok {
		t.Fatalf("UpdateFieldsUnlessStatus: expected no write on canceled row")
	}
	rows, err := repo.GetByIDs(dbc, []uuid.UUID{failed.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("reload canceled: err=%v len=%d", err, len(rows))
	}
	if rows[0].Status != domainjobs.StatusCanceled {
		t.Fatalf("canceled row clobbered: status=%q", rows[0].Status)
	}

	ok, err = repo.UpdateFieldsUnlessStatus(dbc, queued.ID, []string{domainjobs.StatusCanceled}, map[string]interface{}{
		"status": domainjobs.StatusRunning,
	})
	if err != nil {
		t.Fatalf("UpdateFieldsUnlessStatus (allowed): %v", err)
	}
	if !ok {
		t.Fatalf("UpdateFieldsUnlessStatus (allowed): expected write")
	}

	// Heartbeat only advances running rows.
	if err := repo.Heartbeat(dbc, queued.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	rows, err = repo.GetByIDs(dbc, []uuid.UUID{queued.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("reload heartbeat: err=%v len=%d", err, len(rows))
	}
	if rows[0].HeartbeatAt == nil {
		t.Fatalf("Heartbeat: expected heartbeat_at set")
	}

	// HasRunnableForEntity
	rEntityID := uuid.New()
	runnable := &types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: ownerOrgID,
		JobType:    "volume_generate",
		EntityType: "volume",
		EntityID:   &rEntityID,
		Status:     domainjobs.StatusQueued,
		Stage:      "queued",
		Payload:    datatypes.JSON([]byte("{}")),
		Result:     datatypes.JSON([]byte("{}")),
	}
	if _, err := repo.Create(dbc, []*types.JobRun{runnable}); err != nil {
		t.Fatalf("seed runnable: %v", err)
	}
	has, err := repo.HasRunnableForEntity(dbc, ownerOrgID, "volume", rEntityID, "volume_generate")
	if err != nil {
		t.Fatalf("HasRunnableForEntity: %v", err)
	}
	if !has {
		t.Fatalf("HasRunnableForEntity: expected true")
	}
	has, err = repo.HasRunnableForEntity(dbc, ownerOrgID, "volume", rEntityID, "other")
	if err != nil {
		t.Fatalf("HasRunnableForEntity (other): %v", err)
	}
	if has {
		t.Fatalf("HasRunnableForEntity (other): expected false")
	}
}

func TestJobRunRepoMonitorQueries(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	dbc := dbctx.WithTx(context.Background(), tx)
	repo := NewJobRunRepo(db, testutil.Logger(t))

	now := time.Now().UTC()
	ownerOrgID := uuid.New()

	stalled := &types.JobRun{
		ID:          uuid.New(),
		OwnerOrgID:  ownerOrgID,
		JobType:     "proposal_build",
		EntityType:  "proposal",
		EntityID:    ptrUUID(uuid.New()),
		Status:      domainjobs.StatusRunning,
		Stage:       "generate_volumes",
		HeartbeatAt: ptrTime(now.Add(-45 * time.Minute)),
		Payload:     datatypes.JSON([]byte("{}")),
		Result:      datatypes.JSON([]byte("{}")),
		CreatedAt:   now.Add(-1 * time.Hour),
		UpdatedAt:   now.Add(-45 * time.Minute),
	}
	fresh := &types.JobRun{
		ID:          uuid.New(),
		OwnerOrgID:  ownerOrgID,
		JobType:     "proposal_build",
		EntityType:  "proposal",
		EntityID:    ptrUUID(uuid.New()),
		Status:      domainjobs.StatusRunning,
		Stage:       "generate_volumes",
		HeartbeatAt: ptrTime(now.Add(-1 * time.Minute)),
		Payload:     datatypes.JSON([]byte("{}")),
		Result:      datatypes.JSON([]byte("{}")),
		CreatedAt:   now.Add(-1 * time.Hour),
		UpdatedAt:   now.Add(-1 * time.Minute),
	}
	ancient := &types.JobRun{
		ID:          uuid.New(),
		OwnerOrgID:  ownerOrgID,
		JobType:     "proposal_build",
		EntityType:  "proposal",
		EntityID:    ptrUUID(uuid.New()),
		Status:      domainjobs.StatusRunning,
		Stage:       "generate_volumes",
		HeartbeatAt: ptrTime(now.Add(-1 * time.Minute)),
		Payload:     datatypes.JSON([]byte("{}")),
		Result:      datatypes.JSON([]byte("{}")),
		CreatedAt:   now.Add(-8 * time.Hour),
		UpdatedAt:   now.Add(-1 * time.Minute),
	}
	longWait := &types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: ownerOrgID,
		JobType:    "proposal_build",
		EntityType: "proposal",
		EntityID:   ptrUUID(uuid.New()),
		Status:     domainjobs.StatusWaitingUser,
		Stage:      "volume_decision",
		Payload:    datatypes.JSON([]byte("{}")),
		Result:     datatypes.JSON([]byte("{}")),
		CreatedAt:  now.Add(-10 * 24 * time.Hour),
		UpdatedAt:  now.Add(-10 * 24 * time.Hour),
	}
	if _, err := repo.Create(dbc, []*types.JobRun{stalled, fresh, ancient, longWait}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := repo.ListStalled(dbc, 30*time.Minute, 10)
	if err != nil {
		t.Fatalf("ListStalled: %v", err)
	}
	if len(got) != 1 || got[0].ID != stalled.ID {
		t.Fatalf("ListStalled: expected only %v, got %d rows", stalled.ID, len(got))
	}

	got, err = repo.ListOverCap(dbc, 6*time.Hour, 10)
	if err != nil {
		t.Fatalf("ListOverCap: %v", err)
	}
	if len(got) != 1 || got[0].ID != ancient.ID {
		t.Fatalf("ListOverCap: expected only %v, got %d rows", ancient.ID, len(got))
	}

	// A human gate open for days is not over-cap, but it does expire.
	got, err = repo.ListExpiredWaits(dbc, 7*24*time.Hour, 10)
	if err != nil {
		t.Fatalf("ListExpiredWaits: %v", err)
	}
	if len(got) != 1 || got[0].ID != longWait.ID {
		t.Fatalf("ListExpiredWaits: expected only %v, got %d rows", longWait.ID, len(got))
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func ptrUUID(u uuid.UUID) *uuid.UUID { return &u }
