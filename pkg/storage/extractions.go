package storage

import (
	"time"

	porterr "github.com/kestrelhq/portico/pkg/errors"
)

// ExtractionEntry is one row of the extraction audit log.
type ExtractionEntry struct {
	ID          int64         `json:"id"`
	Tenant      string        `json:"tenant"`
	Integration string        `json:"integration"`
	Outcome     string        `json:"outcome"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	RecordedAt  time.Time     `json:"recorded_at"`
}

// Audit outcome values.
const (
	ExtractionOutcomeSuccess = "success"
	ExtractionOutcomeFailure = "failure"
)

// RecordExtraction appends one outcome to the audit log. Audit failures are
// reported but never fail the extraction itself; callers log and move on.
func (s *Store) RecordExtraction(entry ExtractionEntry) error {
	if s == nil || s.db == nil {
		return porterr.Wrap(ErrStoreClosed, porterr.KindPersistence, "record extraction")
	}
	_, err := s.db.Exec(`
        INSERT INTO extractions (tenant, integration, outcome, error_kind, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?)
    `, entry.Tenant, entry.Integration, entry.Outcome, entry.ErrorKind, entry.Message, entry.Duration.Milliseconds())
	if err != nil {
		return porterr.Wrap(err, porterr.KindPersistence, "record extraction").
			WithContext("tenant", entry.Tenant).
			WithContext("integration", entry.Integration)
	}
	return nil
}

// RecentExtractions returns the most recent audit entries for a key.
func (s *Store) RecentExtractions(tenant, integration string, limit int) ([]ExtractionEntry, error) {
	if s == nil || s.db == nil {
		return nil, porterr.Wrap(ErrStoreClosed, porterr.KindPersistence, "list extractions")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
        SELECT id, tenant, integration, outcome, error_kind, message, duration_ms, recorded_at
        FROM extractions
        WHERE tenant = ? AND integration = ?
        ORDER BY recorded_at DESC, id DESC
        LIMIT ?
    `, tenant, integration, limit)
	if err != nil {
		return nil, porterr.Wrap(err, porterr.KindPersistence, "list extractions")
	}
	defer rows.Close()

	var entries []ExtractionEntry
	for rows.Next() {
		var e ExtractionEntry
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Integration, &e.Outcome, &e.ErrorKind, &e.Message, &durationMS, &e.RecordedAt); err != nil {
			return nil, porterr.Wrap(err, porterr.KindPersistence, "scan extraction")
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, porterr.Wrap(err, porterr.KindPersistence, "list extractions")
	}
	return entries, nil
}
