// Package session owns the login state machine for every
// (tenant, integration) key: session reuse, re-authentication, and the
// out-of-band second-factor handshake.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kestrelhq/portico/pkg/portal"
)

// State is the login state of one (tenant, integration) key. Exactly one
// state exists per key at a time; transitions are serialized.
type State string

const (
	StateUnauthenticated      State = "unauthenticated"
	StateAuthenticating       State = "authenticating"
	StateAwaitingSecondFactor State = "awaiting_second_factor"
	StateAuthenticated        State = "authenticated"
	StateExpired              State = "expired"
	StateFailed               State = "failed"
)

// Key identifies one tenant's session with one integration.
type Key struct {
	Tenant      string
	Integration string
}

// ErrHandleClosed is returned when borrowing a handle whose underlying
// session has been closed.
var ErrHandleClosed = errors.New("session: handle closed")

// Handle is an exclusive reference to one authenticated browser session.
// The manager owns it; the extraction pipeline borrows it for the duration
// of a single extraction call and must not retain it past that call.
type Handle struct {
	id          string
	tenant      string
	integration string
	adapter     portal.Adapter
	createdAt   time.Time

	mu            sync.Mutex
	sess          portal.Session
	lastValidated time.Time
	lastUsed      time.Time
}

func newHandle(tenant, integration string, adapter portal.Adapter, sess portal.Session) *Handle {
	now := time.Now()
	return &Handle{
		id:            ulid.Make().String(),
		tenant:        tenant,
		integration:   integration,
		adapter:       adapter,
		createdAt:     now,
		sess:          sess,
		lastValidated: now,
		lastUsed:      now,
	}
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Tenant returns the owning tenant.
func (h *Handle) Tenant() string { return h.tenant }

// Integration returns the integration this session is logged into.
func (h *Handle) Integration() string { return h.integration }

// Adapter returns the adapter bound to this session.
func (h *Handle) Adapter() portal.Adapter { return h.adapter }

// CreatedAt returns when the session was authenticated.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Borrow runs fn with exclusive access to the underlying session. Borrows
// for the same handle serialize; the session is never shared concurrently.
func (h *Handle) Borrow(ctx context.Context, fn func(ctx context.Context, sess portal.Session) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil {
		return ErrHandleClosed
	}
	h.lastUsed = time.Now()
	return fn(ctx, h.sess)
}

// markValidated records a successful probe.
func (h *Handle) markValidated() {
	h.mu.Lock()
	h.lastValidated = time.Now()
	h.mu.Unlock()
}

// idleSince reports the last borrow time.
func (h *Handle) idleSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// export captures the restorable snapshot of the live session.
func (h *Handle) export(ctx context.Context) (portal.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil {
		return portal.Snapshot{}, ErrHandleClosed
	}
	return h.sess.Export(ctx)
}

// close shuts the underlying session. Idempotent.
func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil {
		return nil
	}
	err := h.sess.Close()
	h.sess = nil
	return err
}
