// Package health runs scheduled canonical extractions against every
// configured integration and records the classified outcomes as an
// append-only time series.
package health

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	porterr "github.com/kestrelhq/portico/pkg/errors"
	"github.com/kestrelhq/portico/pkg/extract"
	"github.com/kestrelhq/portico/pkg/portal"
	"github.com/kestrelhq/portico/pkg/storage"
	"github.com/kestrelhq/portico/pkg/telemetry"
)

// Classifier collapses an extraction outcome into the four-value status
// vocabulary. The boundary between degraded and down is policy per
// integration, so it is pluggable rather than hard-coded.
type Classifier func(outcome extract.Outcome) storage.HealthStatus

// ClassifierFor returns the classifier registered under name. Unknown names
// fall back to "default".
func ClassifierFor(name string) Classifier {
	if name == "strict" {
		return StrictClassifier
	}
	return DefaultClassifier
}

// DefaultClassifier treats reachable-but-empty portals as degraded: a
// not-found probe subject or unparsable payload means the portal answered,
// just not usefully. Only login failures and exhausted retries are down.
func DefaultClassifier(outcome extract.Outcome) storage.HealthStatus {
	if outcome.Succeeded() {
		if emptyPayload(outcome.Payload) {
			return storage.HealthStatusDegraded
		}
		return storage.HealthStatusUp
	}
	switch outcome.Kind {
	case porterr.KindNotFound, porterr.KindAdapterShape:
		return storage.HealthStatusDegraded
	case porterr.KindSecondFactorExpired, porterr.KindSecondFactorRejected:
		return storage.HealthStatusAwaitingSecondFactor
	default:
		return storage.HealthStatusDown
	}
}

// StrictClassifier only reports up for a probe that yields data; anything
// short of that is down, except an unattended second-factor prompt.
func StrictClassifier(outcome extract.Outcome) storage.HealthStatus {
	if outcome.Succeeded() && !emptyPayload(outcome.Payload) {
		return storage.HealthStatusUp
	}
	switch outcome.Kind {
	case porterr.KindSecondFactorExpired, porterr.KindSecondFactorRejected:
		return storage.HealthStatusAwaitingSecondFactor
	default:
		return storage.HealthStatusDown
	}
}

func emptyPayload(payload portal.Payload) bool {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", "{}", "[]":
		return true
	}
	return false
}

// Check describes one integration's scheduled probe.
type Check struct {
	Integration string
	// Record is the canonical known-good test record extracted each run.
	Record portal.Record
	// Classify defaults to DefaultClassifier when nil.
	Classify Classifier
}

// Extractor runs one record through the extraction path. Satisfied by
// extract.Pipeline; the monitor deliberately shares the production path so
// a passing check means real traffic would pass too.
type Extractor interface {
	Extract(ctx context.Context, tenant, integration string, record portal.Record) extract.Outcome
}

// SampleStore persists health samples. Satisfied by storage.Store.
type SampleStore interface {
	AppendHealthSample(sample storage.HealthSample) error
}

// Options configures a Monitor.
type Options struct {
	Extractor Extractor
	Store     SampleStore
	Logger    zerolog.Logger

	// Tenant owns the credentials the probes run under.
	Tenant string
	Checks []Check

	// Interval is the time between rounds. Zero selects 4h.
	Interval time.Duration
	// CheckTimeout bounds each integration's probe independently so one
	// hung portal cannot starve the others. Zero selects 90s.
	CheckTimeout time.Duration
}

// Monitor drives scheduled health checks. One sample is appended per
// integration per round; samples are never overwritten.
type Monitor struct {
	extractor    Extractor
	store        SampleStore
	logger       zerolog.Logger
	tenant       string
	checks       []Check
	interval     time.Duration
	checkTimeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
}

// NewMonitor creates a health monitor.
func NewMonitor(opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = 4 * time.Hour
	}
	checkTimeout := opts.CheckTimeout
	if checkTimeout <= 0 {
		checkTimeout = 90 * time.Second
	}
	return &Monitor{
		extractor:    opts.Extractor,
		store:        opts.Store,
		logger:       opts.Logger.With().Str("component", "health").Logger(),
		tenant:       opts.Tenant,
		checks:       opts.Checks,
		interval:     interval,
		checkTimeout: checkTimeout,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Start begins the schedule. The first round runs immediately; later rounds
// follow the interval.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.loop()
	})
}

// Stop halts the schedule and waits for an in-flight round to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	if m.started.Load() {
		<-m.stopped
	}
}

func (m *Monitor) loop() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.RunOnce(context.Background())
	for {
		select {
		case <-ticker.C:
			m.RunOnce(context.Background())
		case <-m.done:
			return
		}
	}
}

// RunOnce executes one round: every check in parallel, each bounded by its
// own timeout. A check failing or hanging never affects the others.
func (m *Monitor) RunOnce(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, check := range m.checks {
		check := check
		g.Go(func() error {
			m.runCheck(ctx, check)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) runCheck(ctx context.Context, check Check) {
	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	start := time.Now()
	outcome := m.extractor.Extract(checkCtx, m.tenant, check.Integration, check.Record)

	classify := check.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	status := classify(outcome)

	sample := storage.HealthSample{
		Integration: check.Integration,
		Status:      status,
		Duration:    time.Since(start),
		SampledAt:   time.Now().UTC(),
	}
	if !outcome.Succeeded() {
		// The collapsed status loses the taxonomy; keep the classified
		// error in the detail field for diagnosis.
		sample.Detail = outcome.Message
	}

	if err := m.store.AppendHealthSample(sample); err != nil {
		m.logger.Error().Err(err).Str("integration", check.Integration).
			Msg("failed to append health sample")
	}
	telemetry.SetHealthStatus(check.Integration, string(status))

	m.logger.Info().Str("integration", check.Integration).
		Str("status", string(status)).Dur("duration", sample.Duration).
		Msg("health check complete")
}
