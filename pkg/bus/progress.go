package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Publisher emits progress events for one (tenant, integration) key.
// A nil Publisher is valid and drops everything, so components can take
// one unconditionally.
type Publisher struct {
	bus         EventBus
	tenant      string
	integration string
}

// NewPublisher creates a progress publisher bound to a key. A nil bus
// yields a no-op publisher.
func NewPublisher(b EventBus, tenant, integration string) *Publisher {
	if b == nil {
		return nil
	}
	return &Publisher{bus: b, tenant: tenant, integration: integration}
}

// Emit publishes one progress event. Failures are swallowed; progress is
// observational only.
func (p *Publisher) Emit(ctx context.Context, stage, message string) {
	if p == nil || p.bus == nil {
		return
	}
	event := ProgressEvent{
		Tenant:      p.tenant,
		Integration: p.integration,
		Stage:       stage,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = p.bus.Publish(ctx, ProgressSubject(p.tenant, p.integration), data)
}
