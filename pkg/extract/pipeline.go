// Package extract runs single extractions and batches through the session
// manager with a uniform retry policy and structured outcome reporting.
package extract

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelhq/portico/pkg/bus"
	porterr "github.com/kestrelhq/portico/pkg/errors"
	"github.com/kestrelhq/portico/pkg/portal"
	"github.com/kestrelhq/portico/pkg/session"
	"github.com/kestrelhq/portico/pkg/storage"
	"github.com/kestrelhq/portico/pkg/telemetry"
)

// Outcome is the tagged result of one extraction. Every record submitted to
// the pipeline yields exactly one Outcome; nothing is silently dropped.
type Outcome struct {
	Record   portal.Record  `json:"record"`
	Payload  portal.Payload `json:"payload,omitempty"`
	Kind     porterr.Kind   `json:"kind,omitempty"`
	Message  string         `json:"message,omitempty"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`

	err error
}

// Succeeded reports whether the extraction produced a payload.
func (o Outcome) Succeeded() bool { return o.err == nil }

// Err returns the classified error for failed outcomes.
func (o Outcome) Err() error { return o.err }

// SuccessOutcome builds a successful outcome around a payload.
func SuccessOutcome(payload portal.Payload) Outcome {
	return Outcome{Payload: payload, Attempts: 1}
}

// FailureOutcome builds a failed outcome from a classified error.
func FailureOutcome(err error) Outcome {
	if err == nil {
		err = porterr.New(porterr.KindInternal, "unspecified failure")
	}
	return Outcome{
		Kind:     porterr.KindOf(err),
		Message:  err.Error(),
		Attempts: 1,
		err:      err,
	}
}

// AuditRecorder receives one audit entry per outcome. Satisfied by
// storage.Store; audit failures never affect the outcome itself.
type AuditRecorder interface {
	RecordExtraction(entry storage.ExtractionEntry) error
}

// Options configures a Pipeline.
type Options struct {
	Sessions *session.Manager
	Audit    AuditRecorder
	Bus      bus.EventBus
	Logger   zerolog.Logger

	// MaxAttempts is the total attempt budget including the first try.
	// Zero selects 3.
	MaxAttempts int
	// BaseDelay is the pause before the first retry; later retries wait
	// linearly longer. Zero selects 2s.
	BaseDelay time.Duration
	// AttemptTimeout bounds each adapter call. Zero selects 45s.
	AttemptTimeout time.Duration
}

// Pipeline wraps one adapter extraction with session acquisition, timeout,
// retry, and error classification.
type Pipeline struct {
	sessions       *session.Manager
	audit          AuditRecorder
	bus            bus.EventBus
	logger         zerolog.Logger
	maxAttempts    int
	baseDelay      time.Duration
	attemptTimeout time.Duration
}

// NewPipeline creates an extraction pipeline.
func NewPipeline(opts Options) *Pipeline {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 45 * time.Second
	}
	return &Pipeline{
		sessions:       opts.Sessions,
		audit:          opts.Audit,
		bus:            opts.Bus,
		logger:         opts.Logger.With().Str("component", "extract").Logger(),
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		attemptTimeout: attemptTimeout,
	}
}

// Extract runs one record through the adapter for the key. Transiently
// retryable failures are retried within the attempt budget with linearly
// increasing delay; everything else fails fast. A session the portal
// silently expired gets exactly one forced re-authentication.
func (p *Pipeline) Extract(ctx context.Context, tenant, integration string, record portal.Record) Outcome {
	start := time.Now()
	pub := bus.NewPublisher(p.bus, tenant, integration)

	outcome := p.run(ctx, pub, tenant, integration, record)
	outcome.Record = record
	outcome.Duration = time.Since(start)

	p.finish(ctx, pub, tenant, integration, &outcome)
	return outcome
}

func (p *Pipeline) run(ctx context.Context, pub *bus.Publisher, tenant, integration string, record portal.Record) Outcome {
	var lastErr error
	reauthed := false
	reauthPass := false

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return failure(attempt-1, cancellation(err))
		}
		if attempt > 1 && !reauthPass {
			pub.Emit(ctx, bus.StageExtractionRetrying, string(porterr.KindOf(lastErr))+" - retrying")
			// Linear backoff between attempts.
			delay := p.baseDelay * time.Duration(attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return failure(attempt-1, cancellation(ctx.Err()))
			}
		}
		reauthPass = false

		pub.Emit(ctx, bus.StageExtractionAttempt, "extracting")

		handle, err := p.sessions.AcquireSession(ctx, tenant, integration)
		if err != nil {
			// Login failures propagate as the outcome of whatever
			// extraction triggered them.
			if porterr.IsRetryable(err) {
				lastErr = err
				continue
			}
			return failure(attempt, err)
		}

		payload, err := p.extractOnce(ctx, handle, record)
		if err == nil {
			return Outcome{Payload: payload, Attempts: attempt}
		}
		lastErr = err

		switch kind := porterr.KindOf(err); {
		case kind == porterr.KindAuthentication && !reauthed:
			// The portal dropped the session mid-operation. Invalidate
			// and allow exactly one re-authentication pass. Re-login is
			// not a pacing retry: it neither waits out a backoff nor
			// spends an attempt from the budget.
			reauthed = true
			reauthPass = true
			p.sessions.Invalidate(tenant, integration, handle.ID())
			attempt--
			continue
		case porterr.IsRetryable(err):
			continue
		default:
			return failure(attempt, err)
		}
	}
	return failure(p.maxAttempts, lastErr)
}

func (p *Pipeline) extractOnce(ctx context.Context, handle *session.Handle, record portal.Record) (portal.Payload, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	var payload portal.Payload
	err := handle.Borrow(attemptCtx, func(ctx context.Context, sess portal.Session) error {
		var err error
		payload, err = handle.Adapter().ExtractOne(ctx, sess, record)
		return err
	})
	if err != nil {
		if errors.Is(err, session.ErrHandleClosed) {
			return nil, porterr.Wrap(err, porterr.KindTransientNetwork, "session closed under us")
		}
		return nil, classify(err)
	}
	return payload, nil
}

func (p *Pipeline) finish(ctx context.Context, pub *bus.Publisher, tenant, integration string, outcome *Outcome) {
	entry := storage.ExtractionEntry{
		Tenant:      tenant,
		Integration: integration,
		Duration:    outcome.Duration,
	}
	if outcome.Succeeded() {
		entry.Outcome = storage.ExtractionOutcomeSuccess
		pub.Emit(ctx, bus.StageExtractionSuccess, "extraction complete")
		telemetry.RecordExtraction(integration, "success", "", outcome.Duration)
	} else {
		outcome.Kind = porterr.KindOf(outcome.err)
		outcome.Message = outcome.err.Error()
		entry.Outcome = storage.ExtractionOutcomeFailure
		entry.ErrorKind = string(outcome.Kind)
		entry.Message = outcome.Message
		pub.Emit(ctx, bus.StageExtractionFailed, outcome.Message)
		telemetry.RecordExtraction(integration, "failure", string(outcome.Kind), outcome.Duration)
		p.logger.Warn().Str("tenant", tenant).Str("integration", integration).
			Str("kind", string(outcome.Kind)).Int("attempts", outcome.Attempts).
			Msg("extraction failed")
	}

	if p.audit != nil {
		if err := p.audit.RecordExtraction(entry); err != nil {
			p.logger.Error().Err(err).Msg("failed to record extraction audit entry")
		}
	}
}

func failure(attempts int, err error) Outcome {
	if err == nil {
		err = porterr.New(porterr.KindInternal, "extraction failed without a recorded cause")
	}
	return Outcome{Attempts: attempts, err: err}
}

// classify normalizes adapter errors into the taxonomy. Adapter-classified
// errors pass through; context errors become timeouts.
func classify(err error) error {
	var e *porterr.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return porterr.Wrap(err, porterr.KindTimeout, "extraction timed out")
	}
	if errors.Is(err, context.Canceled) {
		return cancellation(err)
	}
	return porterr.Wrap(err, porterr.KindInternal, "extraction failed")
}

func cancellation(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return porterr.Wrap(err, porterr.KindTimeout, "extraction deadline exceeded")
	}
	return porterr.Wrap(err, porterr.KindTimeout, "extraction cancelled").WithRetryable(false)
}
