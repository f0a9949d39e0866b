package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelhq/portico/pkg/bus"
	porterr "github.com/kestrelhq/portico/pkg/errors"
	"github.com/kestrelhq/portico/pkg/otp"
	"github.com/kestrelhq/portico/pkg/portal"
	"github.com/kestrelhq/portico/pkg/storage"
	"github.com/kestrelhq/portico/pkg/telemetry"
)

// SnapshotStore persists session snapshots across restarts.
type SnapshotStore interface {
	LoadSnapshot(tenant, integration string) (*portal.Snapshot, error)
	SaveSnapshot(tenant, integration string, snap portal.Snapshot) error
	DeleteSnapshot(tenant, integration string) error
}

// CredentialSource is the read-only credential directory.
type CredentialSource interface {
	Get(tenant, integration string) (portal.Credentials, error)
}

// Options configures a Manager.
type Options struct {
	Store       SnapshotStore
	Credentials CredentialSource
	Registry    *portal.Registry
	Gateway     *otp.Gateway
	Bus         bus.EventBus
	Logger      zerolog.Logger

	// MaxConcurrentLogins bounds simultaneous authentications across all
	// keys. Zero selects 4.
	MaxConcurrentLogins int
	// LoginTimeout bounds the network-bound part of one login attempt.
	// The second-factor wait is bounded separately by the gateway's
	// challenge TTL. Zero selects 2 minutes.
	LoginTimeout time.Duration
	// IdleTTL closes sessions unused for this long; the persisted
	// snapshot is retained. Zero disables the idle sweep.
	IdleTTL time.Duration
}

// Manager owns the login state machine per (tenant, integration) key.
// Concurrent callers for the same key join a single shared attempt;
// different keys proceed independently.
type Manager struct {
	store      SnapshotStore
	creds      CredentialSource
	registry   *portal.Registry
	gateway    *otp.Gateway
	bus        bus.EventBus
	logger     zerolog.Logger
	loginSlots chan struct{}
	loginTO    time.Duration
	idleTTL    time.Duration

	mu      sync.Mutex
	entries map[Key]*entry

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

type entry struct {
	key Key

	mu      sync.Mutex
	state   State
	handle  *Handle
	attempt *attempt
}

// attempt is one in-flight login. Callers that arrive while it runs wait
// on done and share its outcome.
type attempt struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	maxLogins := opts.MaxConcurrentLogins
	if maxLogins <= 0 {
		maxLogins = 4
	}
	loginTO := opts.LoginTimeout
	if loginTO <= 0 {
		loginTO = 2 * time.Minute
	}
	return &Manager{
		store:      opts.Store,
		creds:      opts.Credentials,
		registry:   opts.Registry,
		gateway:    opts.Gateway,
		bus:        opts.Bus,
		logger:     opts.Logger.With().Str("component", "session").Logger(),
		loginSlots: make(chan struct{}, maxLogins),
		loginTO:    loginTO,
		idleTTL:    opts.IdleTTL,
		entries:    make(map[Key]*entry),
		done:       make(chan struct{}),
	}
}

// Start launches the OTP sweeper and the idle-session sweep.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		if m.gateway != nil {
			m.gateway.Start()
		}
		if m.idleTTL > 0 {
			go m.sweepIdle()
		}
	})
}

// Shutdown persists every live session snapshot and closes the underlying
// sessions. The manager remains usable afterwards but all keys restart
// unauthenticated.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.gateway != nil {
			m.gateway.Stop()
		}
	})

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		h := e.handle
		e.handle = nil
		if e.state == StateAuthenticated {
			e.state = StateUnauthenticated
		}
		e.mu.Unlock()
		if h == nil {
			continue
		}
		if snap, err := h.export(ctx); err == nil {
			if err := m.store.SaveSnapshot(h.tenant, h.integration, snap); err != nil {
				m.logger.Error().Err(err).Str("tenant", h.tenant).Str("integration", h.integration).
					Msg("failed to persist snapshot on shutdown")
			}
		}
		_ = h.close()
		telemetry.SessionClosed()
	}
}

// State reports the current login state for a key.
func (m *Manager) State(tenant, integration string) State {
	m.mu.Lock()
	e, ok := m.entries[Key{Tenant: tenant, Integration: integration}]
	m.mu.Unlock()
	if !ok {
		return StateUnauthenticated
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AcquireSession blocks until the key is authenticated and returns its
// handle, or fails with a classified error. Callers that arrive while an
// attempt is in flight join it rather than starting their own.
func (m *Manager) AcquireSession(ctx context.Context, tenant, integration string) (*Handle, error) {
	key := Key{Tenant: tenant, Integration: integration}
	for {
		if err := ctx.Err(); err != nil {
			return nil, cancellationError(err)
		}

		e := m.entry(key)
		e.mu.Lock()

		if a := e.attempt; a != nil {
			e.mu.Unlock()
			select {
			case <-a.done:
				if a.err != nil {
					return nil, a.err
				}
				return a.handle, nil
			case <-ctx.Done():
				// The shared attempt keeps running for other joiners;
				// this caller just stops waiting.
				return nil, cancellationError(ctx.Err())
			}
		}

		if e.state == StateAuthenticated && e.handle != nil {
			h := e.handle
			e.mu.Unlock()
			alive, err := m.probe(ctx, h)
			if err != nil {
				// The caller bailed mid-probe; the session is still
				// valid for everyone else, so just stop waiting.
				return nil, cancellationError(err)
			}
			if alive {
				h.markValidated()
				return h, nil
			}
			m.expire(e, h)
			continue
		}

		// Unauthenticated, Expired, or Failed from a previous attempt:
		// start fresh.
		a := &attempt{done: make(chan struct{})}
		e.attempt = a
		e.state = StateAuthenticating
		e.mu.Unlock()

		go m.runLogin(e, a)

		select {
		case <-a.done:
			if a.err != nil {
				return nil, a.err
			}
			return a.handle, nil
		case <-ctx.Done():
			return nil, cancellationError(ctx.Err())
		}
	}
}

// Invalidate marks the key's session as expired if handleID still matches
// the live handle. Used by the extraction pipeline when the portal rejects
// a previously valid session mid-operation.
func (m *Manager) Invalidate(tenant, integration, handleID string) {
	m.mu.Lock()
	e, ok := m.entries[Key{Tenant: tenant, Integration: integration}]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	h := e.handle
	e.mu.Unlock()
	if h == nil || h.id != handleID {
		return
	}
	m.expire(e, h)
}

func (m *Manager) entry(key Key) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{key: key, state: StateUnauthenticated}
		m.entries[key] = e
	}
	return e
}

// probe asks the adapter whether the session is still authenticated. A
// genuine probe failure reads as a stale session; the caller's own
// cancellation is returned as an error instead, because it says nothing
// about the session's validity.
func (m *Manager) probe(ctx context.Context, h *Handle) (bool, error) {
	var alive bool
	err := h.Borrow(ctx, func(ctx context.Context, sess portal.Session) error {
		ok, err := h.adapter.Probe(ctx, sess)
		alive = ok
		return err
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		m.logger.Warn().Err(err).Str("tenant", h.tenant).Str("integration", h.integration).
			Msg("session probe failed")
		return false, nil
	}
	return alive, nil
}

// expire closes a stale session and drops its persisted snapshot so the
// next attempt starts clean.
func (m *Manager) expire(e *entry, h *Handle) {
	e.mu.Lock()
	if e.handle == h {
		e.handle = nil
		e.state = StateExpired
	}
	e.mu.Unlock()

	_ = h.close()
	telemetry.SessionClosed()
	if err := m.store.DeleteSnapshot(h.tenant, h.integration); err != nil {
		m.logger.Warn().Err(err).Str("tenant", h.tenant).Str("integration", h.integration).
			Msg("failed to delete stale snapshot")
	}
	m.logger.Info().Str("tenant", h.tenant).Str("integration", h.integration).
		Msg("session expired; next acquisition re-authenticates")
}

// runLogin performs one login attempt and publishes its outcome to every
// joined caller. The attempt is detached from the initiating caller's
// context: joiners share the outcome, so one caller disconnecting must not
// fail the rest. The network-bound steps are bounded by the login timeout
// and the second-factor wait by the gateway's challenge TTL.
func (m *Manager) runLogin(e *entry, a *attempt) {
	handle, err := m.login(e)

	e.mu.Lock()
	e.attempt = nil
	if err != nil {
		e.state = StateFailed
		e.handle = nil
	} else {
		e.state = StateAuthenticated
		e.handle = handle
	}
	e.mu.Unlock()

	a.handle = handle
	a.err = err
	close(a.done)
}

func (m *Manager) login(e *entry) (*Handle, error) {
	tenant, integration := e.key.Tenant, e.key.Integration
	pub := bus.NewPublisher(m.bus, tenant, integration)

	ctx, cancel := context.WithTimeout(context.Background(), m.loginTO)
	defer cancel()

	// Global login slot: protects downstream portals from burst load.
	select {
	case m.loginSlots <- struct{}{}:
		defer func() { <-m.loginSlots }()
	case <-ctx.Done():
		return nil, porterr.Wrap(ctx.Err(), porterr.KindTimeout, "waiting for login slot")
	}

	adapter, err := m.registry.Get(integration)
	if err != nil {
		return nil, err
	}
	creds, err := m.creds.Get(tenant, integration)
	if err != nil {
		return nil, err
	}

	pub.Emit(ctx, bus.StageLoginStarted, "logging in")

	snapshot, err := m.store.LoadSnapshot(tenant, integration)
	if err != nil && !errors.Is(err, storage.ErrSnapshotNotFound) {
		return nil, err
	}

	sess, err := adapter.Open(ctx, snapshot)
	if err != nil {
		return nil, classifyAdapterError(err, "open session")
	}

	// A restored snapshot that still probes as logged-in skips the login
	// flow entirely.
	if snapshot != nil {
		if ok, err := adapter.Probe(ctx, sess); err == nil && ok {
			pub.Emit(ctx, bus.StageSessionRestored, "restored persisted session")
			telemetry.RecordLogin(integration, "restored")
			telemetry.SessionOpened()
			return newHandle(tenant, integration, adapter, sess), nil
		}
	}

	result, err := adapter.Login(ctx, sess, creds)
	if err != nil {
		_ = sess.Close()
		telemetry.RecordLogin(integration, "error")
		pub.Emit(ctx, bus.StageLoginFailed, err.Error())
		return nil, classifyAdapterError(err, "login")
	}

	switch result.Status {
	case portal.LoginStatusLoggedIn:
		return m.finishLogin(ctx, pub, tenant, integration, adapter, sess)

	case portal.LoginStatusSecondFactorRequired:
		return m.completeSecondFactor(ctx, pub, e, adapter, sess, result.Hint)

	default:
		_ = sess.Close()
		telemetry.RecordLogin(integration, "rejected")
		pub.Emit(ctx, bus.StageLoginFailed, "portal rejected credentials")
		return nil, porterr.Newf(porterr.KindAuthentication, "portal rejected credentials for tenant %q", tenant)
	}
}

// completeSecondFactor parks the attempt on the OTP gateway until a human
// delivers the secret through the side channel, then finishes the login.
func (m *Manager) completeSecondFactor(ctx context.Context, pub *bus.Publisher, e *entry, adapter portal.Adapter, sess portal.Session, hint string) (*Handle, error) {
	tenant, integration := e.key.Tenant, e.key.Integration

	ch := m.gateway.CreateChallenge(tenant, integration, hint)
	e.mu.Lock()
	e.state = StateAwaitingSecondFactor
	e.mu.Unlock()

	pub.Emit(ctx, bus.StageAwaitingOTP, "waiting for second factor: "+hint)
	m.logger.Info().Str("tenant", tenant).Str("integration", integration).
		Str("challenge_id", ch.ID).Msg("awaiting second factor")

	// The wait is bounded by the challenge TTL, not the login timeout; a
	// human may take minutes to relay the code.
	secret, err := m.gateway.Await(context.Background(), ch.ID)
	if err != nil {
		_ = sess.Close()
		telemetry.RecordOTPChallenge(integration, "expired")
		pub.Emit(ctx, bus.StageLoginFailed, "second factor never arrived")
		return nil, porterr.Wrap(err, porterr.KindSecondFactorExpired, "second factor not supplied in time")
	}

	telemetry.RecordOTPChallenge(integration, "fulfilled")
	pub.Emit(ctx, bus.StageOTPFulfilled, "second factor received")

	// The login timeout may have lapsed while waiting on the human; give
	// the submission its own bounded window.
	submitCtx, cancel := context.WithTimeout(context.Background(), m.loginTO)
	defer cancel()

	result, err := adapter.SubmitSecondFactor(submitCtx, sess, secret)
	if err != nil {
		_ = sess.Close()
		return nil, classifyAdapterError(err, "submit second factor")
	}
	if result.Status != portal.LoginStatusLoggedIn {
		_ = sess.Close()
		telemetry.RecordOTPChallenge(integration, "rejected")
		pub.Emit(submitCtx, bus.StageLoginFailed, "portal rejected the second factor")
		return nil, porterr.New(porterr.KindSecondFactorRejected, "portal rejected the second factor")
	}
	return m.finishLogin(submitCtx, pub, tenant, integration, adapter, sess)
}

// finishLogin persists the fresh snapshot and hands out the handle. A
// persistence failure is fatal for the attempt: session continuity cannot
// be guaranteed without the stored snapshot.
func (m *Manager) finishLogin(ctx context.Context, pub *bus.Publisher, tenant, integration string, adapter portal.Adapter, sess portal.Session) (*Handle, error) {
	snap, err := sess.Export(ctx)
	if err != nil {
		_ = sess.Close()
		return nil, classifyAdapterError(err, "export session")
	}
	if err := m.store.SaveSnapshot(tenant, integration, snap); err != nil {
		_ = sess.Close()
		return nil, err
	}

	telemetry.RecordLogin(integration, "success")
	telemetry.SessionOpened()
	pub.Emit(ctx, bus.StageLoginSucceeded, "authenticated")
	m.logger.Info().Str("tenant", tenant).Str("integration", integration).Msg("login succeeded")
	return newHandle(tenant, integration, adapter, sess), nil
}

// sweepIdle closes sessions unused beyond the idle TTL, persisting their
// snapshots first so the next acquisition can restore them.
func (m *Manager) sweepIdle() {
	interval := m.idleTTL / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.closeIdleSessions(time.Now())
		case <-m.done:
			return
		}
	}
}

func (m *Manager) closeIdleSessions(now time.Time) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		h := e.handle
		if h == nil || e.state != StateAuthenticated || now.Sub(h.idleSince()) < m.idleTTL {
			e.mu.Unlock()
			continue
		}
		e.handle = nil
		e.state = StateUnauthenticated
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if snap, err := h.export(ctx); err == nil {
			if err := m.store.SaveSnapshot(h.tenant, h.integration, snap); err != nil {
				m.logger.Warn().Err(err).Str("tenant", h.tenant).Str("integration", h.integration).
					Msg("failed to persist idle session snapshot")
			}
		}
		cancel()
		_ = h.close()
		telemetry.SessionClosed()
		m.logger.Info().Str("tenant", h.tenant).Str("integration", h.integration).
			Msg("idle session closed")
	}
}

// classifyAdapterError preserves adapter classifications and downgrades
// raw context errors to the taxonomy.
func classifyAdapterError(err error, op string) error {
	var e *porterr.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return porterr.Wrap(err, porterr.KindTimeout, op)
	}
	if errors.Is(err, context.Canceled) {
		return porterr.Wrap(err, porterr.KindTimeout, op).WithRetryable(false)
	}
	return porterr.Wrap(err, porterr.KindInternal, op)
}

func cancellationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return porterr.Wrap(err, porterr.KindTimeout, "acquire session")
	}
	return porterr.Wrap(err, porterr.KindTimeout, "acquire session cancelled").WithRetryable(false)
}
