package xerosync

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/buildflow_backend/models"
	"gorm.io/gorm"
)

// isDuplicateKeyError detects MySQL 1062 (ER_DUP_ENTRY). The sync-state table
// carries two unique indexes, so two workers racing the same record surface
// the loser here rather than as a generic write failure.
func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func findStateByRemote(ctx context.Context, tx *gorm.DB, businessId, entityType, xeroId string) (*models.SyncState, error) {
	var state models.SyncState
	err := tx.WithContext(ctx).
		Where("business_id = ? AND entity_type = ? AND xero_id = ?", businessId, entityType, xeroId).
		Take(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func findStateByLocal(ctx context.Context, tx *gorm.DB, businessId, entityType string, localId int) (*models.SyncState, error) {
	var state models.SyncState
	err := tx.WithContext(ctx).
		Where("business_id = ? AND entity_type = ? AND local_id = ?", businessId, entityType, localId).
		Take(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// recordSynced writes the agreed post-sync point onto the state row, creating
// it on first contact between the two records.
func recordSynced(ctx context.Context, tx *gorm.DB, state *models.SyncState, businessId, entityType string, localId int, xeroId string, localHash, remoteHash string, localModified, remoteModified time.Time, origin string) (*models.SyncState, error) {
	now := time.Now().UTC()
	if state == nil {
		state = &models.SyncState{
			BusinessId: businessId,
			EntityType: entityType,
			LocalId:    localId,
			XeroId:     xeroId,
		}
	}
	state.LastLocalHash = localHash
	state.LastRemoteHash = remoteHash
	state.LastSyncedAt = &now
	state.LastLocalModified = &localModified
	state.LastRemoteModified = &remoteModified
	state.SyncOrigin = origin
	state.Status = models.SyncStateActive
	state.ConflictDataJSON = nil

	if state.ID == 0 {
		err := tx.WithContext(ctx).Create(state).Error
		if err == nil {
			return state, nil
		}
		if !isDuplicateKeyError(err) {
			return nil, err
		}
		// Lost a race on one of the unique indexes; converge onto the row the
		// winner created instead of failing the record.
		existing, lookupErr := findStateByRemote(ctx, tx, businessId, entityType, xeroId)
		if lookupErr != nil || existing == nil {
			return nil, err
		}
		state.ID = existing.ID
	}
	err := tx.WithContext(ctx).Model(&models.SyncState{}).
		Where("id = ?", state.ID).
		Updates(map[string]interface{}{
			"local_id":             state.LocalId,
			"xero_id":              state.XeroId,
			"last_local_hash":      localHash,
			"last_remote_hash":     remoteHash,
			"last_synced_at":       &now,
			"last_local_modified":  &localModified,
			"last_remote_modified": &remoteModified,
			"sync_origin":          origin,
			"status":               models.SyncStateActive,
			"conflict_data_json":   nil,
		}).Error
	if err != nil {
		return nil, err
	}
	return state, nil
}

// shouldSkipRemote is the idempotency gate for pulls: the remote record hashes
// to exactly what we saw last time, the last write came from the remote side,
// and the row is healthy. Running the same pull twice is then a no-op.
func shouldSkipRemote(state *models.SyncState, remoteHash string) bool {
	return state != nil &&
		state.Status == models.SyncStateActive &&
		state.SyncOrigin == models.SyncOriginRemote &&
		state.LastRemoteHash == remoteHash
}

// shouldSkipLocal mirrors shouldSkipRemote for pushes.
func shouldSkipLocal(state *models.SyncState, localHash string) bool {
	return state != nil &&
		state.Status == models.SyncStateActive &&
		state.LastLocalHash == localHash
}
