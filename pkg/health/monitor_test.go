package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	porterr "github.com/kestrelhq/portico/pkg/errors"
	"github.com/kestrelhq/portico/pkg/extract"
	"github.com/kestrelhq/portico/pkg/portal"
	"github.com/kestrelhq/portico/pkg/storage"
)

type stubExtractor struct {
	fn func(ctx context.Context, integration string) extract.Outcome
}

func (s stubExtractor) Extract(ctx context.Context, tenant, integration string, record portal.Record) extract.Outcome {
	return s.fn(ctx, integration)
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "portico.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNotFoundClassifiedDegraded(t *testing.T) {
	store := newTestStore(t)
	monitor := NewMonitor(Options{
		Extractor: stubExtractor{fn: func(ctx context.Context, integration string) extract.Outcome {
			return extract.FailureOutcome(porterr.New(porterr.KindNotFound, "no matching subscriber"))
		}},
		Store:  store,
		Logger: zerolog.Nop(),
		Tenant: "monitor",
		Checks: []Check{{Integration: "acme-portal"}},
	})

	monitor.RunOnce(context.Background())

	sample, err := store.LatestHealthSample("acme-portal")
	require.NoError(t, err)
	require.NotNil(t, sample)
	require.Equal(t, storage.HealthStatusDegraded, sample.Status,
		"an absent probe subject means the portal answered; that is degraded, not down")
	require.Contains(t, sample.Detail, "no matching subscriber")
}

func TestHungIntegrationDoesNotBlockOthers(t *testing.T) {
	store := newTestStore(t)
	monitor := NewMonitor(Options{
		Extractor: stubExtractor{fn: func(ctx context.Context, integration string) extract.Outcome {
			if integration == "hung-portal" {
				<-ctx.Done()
				return extract.FailureOutcome(porterr.Wrap(ctx.Err(), porterr.KindTimeout, "health check timed out"))
			}
			return extract.SuccessOutcome(portal.Payload(`{"ok":true}`))
		}},
		Store:        store,
		Logger:       zerolog.Nop(),
		Tenant:       "monitor",
		Checks:       []Check{{Integration: "hung-portal"}, {Integration: "fast-portal"}},
		CheckTimeout: 100 * time.Millisecond,
	})

	start := time.Now()
	monitor.RunOnce(context.Background())
	require.Less(t, time.Since(start), 2*time.Second, "the hung check is bounded by its own timeout")

	fast, err := store.LatestHealthSample("fast-portal")
	require.NoError(t, err)
	require.NotNil(t, fast)
	require.Equal(t, storage.HealthStatusUp, fast.Status)

	hung, err := store.LatestHealthSample("hung-portal")
	require.NoError(t, err)
	require.NotNil(t, hung)
	require.Equal(t, storage.HealthStatusDown, hung.Status)
}

func TestSamplesAreAppendOnly(t *testing.T) {
	store := newTestStore(t)
	monitor := NewMonitor(Options{
		Extractor: stubExtractor{fn: func(ctx context.Context, integration string) extract.Outcome {
			return extract.SuccessOutcome(portal.Payload(`{"ok":true}`))
		}},
		Store:  store,
		Logger: zerolog.Nop(),
		Tenant: "monitor",
		Checks: []Check{{Integration: "acme-portal"}},
	})

	monitor.RunOnce(context.Background())
	monitor.RunOnce(context.Background())

	samples, err := store.HealthSamplesSince("acme-portal", time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, samples, 2, "each round appends; nothing is overwritten")
}

func TestScheduledRoundsRunUntilStopped(t *testing.T) {
	store := newTestStore(t)
	monitor := NewMonitor(Options{
		Extractor: stubExtractor{fn: func(ctx context.Context, integration string) extract.Outcome {
			return extract.SuccessOutcome(portal.Payload(`{"ok":true}`))
		}},
		Store:    store,
		Logger:   zerolog.Nop(),
		Tenant:   "monitor",
		Checks:   []Check{{Integration: "acme-portal"}},
		Interval: 20 * time.Millisecond,
	})

	monitor.Start()
	require.Eventually(t, func() bool {
		samples, err := store.HealthSamplesSince("acme-portal", time.Now().Add(-time.Hour), 10)
		return err == nil && len(samples) >= 2
	}, 3*time.Second, 10*time.Millisecond)
	monitor.Stop()
}

func TestDefaultClassifier(t *testing.T) {
	cases := []struct {
		name    string
		outcome extract.Outcome
		want    storage.HealthStatus
	}{
		{"payload", extract.SuccessOutcome(portal.Payload(`{"plan":"gold"}`)), storage.HealthStatusUp},
		{"empty payload", extract.SuccessOutcome(nil), storage.HealthStatusDegraded},
		{"null payload", extract.SuccessOutcome(portal.Payload(`null`)), storage.HealthStatusDegraded},
		{"not found", extract.FailureOutcome(porterr.New(porterr.KindNotFound, "absent")), storage.HealthStatusDegraded},
		{"shape drift", extract.FailureOutcome(porterr.New(porterr.KindAdapterShape, "markup changed")), storage.HealthStatusDegraded},
		{"otp expired", extract.FailureOutcome(porterr.New(porterr.KindSecondFactorExpired, "unattended")), storage.HealthStatusAwaitingSecondFactor},
		{"bad credentials", extract.FailureOutcome(porterr.New(porterr.KindAuthentication, "rejected")), storage.HealthStatusDown},
		{"retries exhausted", extract.FailureOutcome(porterr.New(porterr.KindTransientNetwork, "reset")), storage.HealthStatusDown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, DefaultClassifier(tc.outcome))
		})
	}
}

func TestStrictClassifier(t *testing.T) {
	require.Equal(t, storage.HealthStatusUp,
		StrictClassifier(extract.SuccessOutcome(portal.Payload(`{"plan":"gold"}`))))
	require.Equal(t, storage.HealthStatusDown,
		StrictClassifier(extract.FailureOutcome(porterr.New(porterr.KindNotFound, "absent"))))
	require.Equal(t, storage.HealthStatusDown,
		StrictClassifier(extract.SuccessOutcome(nil)))
	require.Equal(t, storage.HealthStatusAwaitingSecondFactor,
		StrictClassifier(extract.FailureOutcome(porterr.New(porterr.KindSecondFactorRejected, "wrong code"))))
}

func TestClassifierForFallsBackToDefault(t *testing.T) {
	outcome := extract.FailureOutcome(porterr.New(porterr.KindNotFound, "absent"))
	require.Equal(t, storage.HealthStatusDegraded, ClassifierFor("")(outcome))
	require.Equal(t, storage.HealthStatusDegraded, ClassifierFor("default")(outcome))
	require.Equal(t, storage.HealthStatusDown, ClassifierFor("strict")(outcome))
}
