package storage

import (
	"testing"
	"time"
)

func TestHealthSamplesAppendAndLatest(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	samples := []HealthSample{
		{Integration: "acme-portal", Status: HealthStatusUp, Duration: 1200 * time.Millisecond, SampledAt: base.Add(-2 * time.Hour)},
		{Integration: "acme-portal", Status: HealthStatusDegraded, Detail: "[not_found] test subject absent", Duration: 900 * time.Millisecond, SampledAt: base.Add(-time.Hour)},
		{Integration: "acme-portal", Status: HealthStatusDown, Detail: "[authentication] bad credentials", Duration: 300 * time.Millisecond, SampledAt: base},
		{Integration: "other-portal", Status: HealthStatusUp, Duration: 500 * time.Millisecond, SampledAt: base},
	}
	for _, s := range samples {
		if err := store.AppendHealthSample(s); err != nil {
			t.Fatalf("append sample: %v", err)
		}
	}

	latest, err := store.LatestHealthSample("acme-portal")
	if err != nil {
		t.Fatalf("latest sample: %v", err)
	}
	if latest == nil || latest.Status != HealthStatusDown {
		t.Fatalf("expected latest down sample, got %+v", latest)
	}
	if latest.Detail != "[authentication] bad credentials" {
		t.Fatalf("detail not retained: %q", latest.Detail)
	}
}

func TestHealthSamplesWindowQuery(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		sample := HealthSample{
			Integration: "acme-portal",
			Status:      HealthStatusUp,
			SampledAt:   base.Add(-time.Duration(i) * time.Hour),
		}
		if err := store.AppendHealthSample(sample); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	window, err := store.HealthSamplesSince("acme-portal", base.Add(-150*time.Minute), 10)
	if err != nil {
		t.Fatalf("window query: %v", err)
	}
	if len(window) != 3 {
		t.Fatalf("expected 3 samples in window, got %d", len(window))
	}
	for i := 1; i < len(window); i++ {
		if window[i].SampledAt.After(window[i-1].SampledAt) {
			t.Fatal("samples not ordered most recent first")
		}
	}
}

func TestLatestHealthSampleUnknownIntegration(t *testing.T) {
	store := newTestStore(t)

	latest, err := store.LatestHealthSample("never-checked")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil for unchecked integration, got %+v", latest)
	}
}

func TestRecordExtractionAudit(t *testing.T) {
	store := newTestStore(t)

	entries := []ExtractionEntry{
		{Tenant: "clinic-a", Integration: "acme-portal", Outcome: ExtractionOutcomeSuccess, Duration: 2 * time.Second},
		{Tenant: "clinic-a", Integration: "acme-portal", Outcome: ExtractionOutcomeFailure, ErrorKind: "transient_network", Message: "navigation aborted", Duration: 6 * time.Second},
	}
	for _, e := range entries {
		if err := store.RecordExtraction(e); err != nil {
			t.Fatalf("record extraction: %v", err)
		}
	}

	recent, err := store.RecentExtractions("clinic-a", "acme-portal", 10)
	if err != nil {
		t.Fatalf("recent extractions: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(recent))
	}
}
