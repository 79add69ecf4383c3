package store

import (
	"database/sql"
	"time"
)

// Sync state keys.
const (
	// SyncPendingMessages holds the LIST_PENDING_MESSAGES offset cursor.
	SyncPendingMessages = "pending_messages"
	// SyncPreKeys holds the time of the last one-time prekey refresh.
	SyncPreKeys = "prekeys"
)

// SyncState represents the state of a sync operation.
type SyncState struct {
	SyncType     string
	LastSyncAt   time.Time
	SyncProgress int
	SyncData     string
}

// SyncStateStore handles sync state persistence.
type SyncStateStore struct {
	store *Store
}

// NewSyncStateStore creates a new SyncStateStore.
func NewSyncStateStore(s *Store) *SyncStateStore {
	return &SyncStateStore{store: s}
}

// Put updates a sync state.
func (s *SyncStateStore) Put(state *SyncState) error {
	_, err := s.store.Exec(`
		INSERT INTO blaze_sync_state (sync_type, last_sync_at, sync_progress, sync_data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sync_type) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			sync_progress = excluded.sync_progress,
			sync_data = excluded.sync_data
	`, state.SyncType, toMillis(state.LastSyncAt), state.SyncProgress, nullString(state.SyncData))
	return err
}

// Get retrieves the state for a sync type, or nil when never recorded.
func (s *SyncStateStore) Get(syncType string) (*SyncState, error) {
	row := s.store.QueryRow(`
		SELECT sync_type, last_sync_at, sync_progress, sync_data
		FROM blaze_sync_state WHERE sync_type = ?
	`, syncType)

	var state SyncState
	var ts int64
	var progress sql.NullInt64
	var data sql.NullString

	err := row.Scan(&state.SyncType, &ts, &progress, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state.LastSyncAt = fromMillis(ts)
	if progress.Valid {
		state.SyncProgress = int(progress.Int64)
	}
	state.SyncData = data.String

	return &state, nil
}

// Data returns the stored data of a sync type, or "".
func (s *SyncStateStore) Data(syncType string) (string, error) {
	state, err := s.Get(syncType)
	if err != nil || state == nil {
		return "", err
	}
	return state.SyncData, nil
}
