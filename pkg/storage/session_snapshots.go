package storage

import (
	"database/sql"
	"errors"
	"time"

	porterr "github.com/kestrelhq/portico/pkg/errors"
	"github.com/kestrelhq/portico/pkg/portal"
)

// ErrSnapshotNotFound is returned by LoadSnapshot when no snapshot exists
// for the key. Deliberately distinct from persistence failures so callers
// never mistake an I/O fault for a cache miss.
var ErrSnapshotNotFound = errors.New("storage: session snapshot not found")

// LoadSnapshot returns the persisted session snapshot for a
// (tenant, integration) pair.
func (s *Store) LoadSnapshot(tenant, integration string) (*portal.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, porterr.Wrap(ErrStoreClosed, porterr.KindPersistence, "load snapshot")
	}
	row := s.db.QueryRow(`
        SELECT cookies, local_storage, captured_at
        FROM session_snapshots
        WHERE tenant = ? AND integration = ?
    `, tenant, integration)

	var snap portal.Snapshot
	if err := row.Scan(&snap.Cookies, &snap.LocalStorage, &snap.CapturedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, porterr.Wrap(err, porterr.KindPersistence, "load snapshot").
			WithContext("tenant", tenant).
			WithContext("integration", integration)
	}
	return &snap, nil
}

// SaveSnapshot upserts the session snapshot for a (tenant, integration)
// pair. Saves for the same key are serialized by the session manager's
// per-key lock; concurrent saves for different keys are safe. Transient
// SQLITE_BUSY failures are retried with backoff.
func (s *Store) SaveSnapshot(tenant, integration string, snap portal.Snapshot) error {
	if s == nil || s.db == nil {
		return porterr.Wrap(ErrStoreClosed, porterr.KindPersistence, "save snapshot")
	}

	query := `
        INSERT INTO session_snapshots (tenant, integration, cookies, local_storage, captured_at, updated_at)
        VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT (tenant, integration) DO UPDATE SET
            cookies = excluded.cookies,
            local_storage = excluded.local_storage,
            captured_at = excluded.captured_at,
            updated_at = CURRENT_TIMESTAMP
    `

	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err = s.db.Exec(query, tenant, integration, snap.Cookies, snap.LocalStorage, snap.CapturedAt.UTC())
		if err == nil {
			return nil
		}
		if isBusyError(err) && attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			time.Sleep(delay)
			continue
		}
		break
	}
	return porterr.Wrap(err, porterr.KindPersistence, "save snapshot").
		WithContext("tenant", tenant).
		WithContext("integration", integration)
}

// DeleteSnapshot removes the persisted snapshot for a key. Deleting a
// missing snapshot is not an error.
func (s *Store) DeleteSnapshot(tenant, integration string) error {
	if s == nil || s.db == nil {
		return porterr.Wrap(ErrStoreClosed, porterr.KindPersistence, "delete snapshot")
	}
	_, err := s.db.Exec(`DELETE FROM session_snapshots WHERE tenant = ? AND integration = ?`, tenant, integration)
	if err != nil {
		return porterr.Wrap(err, porterr.KindPersistence, "delete snapshot").
			WithContext("tenant", tenant).
			WithContext("integration", integration)
	}
	return nil
}
