package storage

import (
	"database/sql"
	"time"

	porterr "github.com/kestrelhq/portico/pkg/errors"
)

// HealthStatus is the monitor's four-value status vocabulary.
type HealthStatus string

const (
	HealthStatusUp                   HealthStatus = "up"
	HealthStatusDegraded             HealthStatus = "degraded"
	HealthStatusAwaitingSecondFactor HealthStatus = "awaiting_second_factor"
	HealthStatusDown                 HealthStatus = "down"
)

// HealthSample is one point in an integration's health time series.
type HealthSample struct {
	ID          int64         `json:"id"`
	Integration string        `json:"integration"`
	Status      HealthStatus  `json:"status"`
	Detail      string        `json:"detail,omitempty"`
	Duration    time.Duration `json:"duration"`
	SampledAt   time.Time     `json:"sampled_at"`
}

// AppendHealthSample appends one sample to the series. Samples are never
// updated or deleted by the core; pruning is an external concern.
func (s *Store) AppendHealthSample(sample HealthSample) error {
	if s == nil || s.db == nil {
		return porterr.Wrap(ErrStoreClosed, porterr.KindPersistence, "append health sample")
	}
	_, err := s.db.Exec(`
        INSERT INTO health_samples (integration, status, detail, duration_ms, sampled_at)
        VALUES (?, ?, ?, ?, ?)
    `, sample.Integration, string(sample.Status), sample.Detail, sample.Duration.Milliseconds(), sample.SampledAt.UTC())
	if err != nil {
		return porterr.Wrap(err, porterr.KindPersistence, "append health sample").
			WithContext("integration", sample.Integration)
	}
	return nil
}

// LatestHealthSample returns the most recent sample for an integration, or
// nil when the integration has never been checked.
func (s *Store) LatestHealthSample(integration string) (*HealthSample, error) {
	if s == nil || s.db == nil {
		return nil, porterr.Wrap(ErrStoreClosed, porterr.KindPersistence, "latest health sample")
	}
	row := s.db.QueryRow(`
        SELECT id, integration, status, detail, duration_ms, sampled_at
        FROM health_samples
        WHERE integration = ?
        ORDER BY sampled_at DESC, id DESC
        LIMIT 1
    `, integration)
	sample, err := scanHealthSample(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, porterr.Wrap(err, porterr.KindPersistence, "latest health sample").
			WithContext("integration", integration)
	}
	return sample, nil
}

// HealthSamplesSince returns samples for an integration newer than the
// cutoff, most recent first, capped at limit.
func (s *Store) HealthSamplesSince(integration string, since time.Time, limit int) ([]HealthSample, error) {
	if s == nil || s.db == nil {
		return nil, porterr.Wrap(ErrStoreClosed, porterr.KindPersistence, "list health samples")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
        SELECT id, integration, status, detail, duration_ms, sampled_at
        FROM health_samples
        WHERE integration = ? AND sampled_at > ?
        ORDER BY sampled_at DESC, id DESC
        LIMIT ?
    `, integration, since.UTC(), limit)
	if err != nil {
		return nil, porterr.Wrap(err, porterr.KindPersistence, "list health samples").
			WithContext("integration", integration)
	}
	defer rows.Close()

	var samples []HealthSample
	for rows.Next() {
		sample, err := scanHealthSample(rows.Scan)
		if err != nil {
			return nil, porterr.Wrap(err, porterr.KindPersistence, "scan health sample")
		}
		samples = append(samples, *sample)
	}
	if err := rows.Err(); err != nil {
		return nil, porterr.Wrap(err, porterr.KindPersistence, "list health samples")
	}
	return samples, nil
}

func scanHealthSample(scan func(dest ...any) error) (*HealthSample, error) {
	var sample HealthSample
	var status string
	var durationMS int64
	if err := scan(&sample.ID, &sample.Integration, &status, &sample.Detail, &durationMS, &sample.SampledAt); err != nil {
		return nil, err
	}
	sample.Status = HealthStatus(status)
	sample.Duration = time.Duration(durationMS) * time.Millisecond
	return &sample, nil
}
