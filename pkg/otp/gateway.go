// Package otp implements the out-of-band second-factor handshake. A login
// attempt that hits a second-factor prompt parks inside Await while a human
// delivers the code through a side channel via Fulfill.
package otp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when no challenge exists for the id or key.
	ErrNotFound = errors.New("otp: challenge not found")

	// ErrAlreadyFulfilled is returned when a challenge was already resolved
	// with a secret. The secret is never delivered twice.
	ErrAlreadyFulfilled = errors.New("otp: challenge already fulfilled")

	// ErrExpired is returned when the challenge deadline elapsed before a
	// secret arrived. A late Fulfill can never satisfy an expired challenge.
	ErrExpired = errors.New("otp: challenge expired")

	// ErrCancelled is returned from Await when the waiting login attempt
	// was cancelled by its caller.
	ErrCancelled = errors.New("otp: challenge cancelled")
)

const (
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = time.Minute
	resolvedRetention    = 10 * time.Minute
)

type challengeState int

const (
	statePending challengeState = iota
	stateFulfilled
	stateExpired
)

// Challenge describes one in-flight second-factor request.
type Challenge struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant"`
	Integration string    `json:"integration"`
	Hint        string    `json:"hint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type challenge struct {
	Challenge
	state      challengeState
	secret     chan string // buffered, capacity 1; single fulfillment slot
	resolvedAt time.Time
}

type challengeKey struct {
	tenant      string
	integration string
}

// Gateway registers pending challenges and routes secrets to waiting login
// attempts. Safe for concurrent use.
type Gateway struct {
	mu     sync.Mutex
	byID   map[string]*challenge
	byKey  map[challengeKey]*challenge // latest pending challenge per key
	ttl    time.Duration
	logger zerolog.Logger

	sweepOnce sync.Once
	done      chan struct{}
}

// NewGateway creates a gateway whose challenges expire after ttl. A zero
// ttl selects the default of five minutes.
func NewGateway(ttl time.Duration, logger zerolog.Logger) *Gateway {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Gateway{
		byID:   make(map[string]*challenge),
		byKey:  make(map[challengeKey]*challenge),
		ttl:    ttl,
		logger: logger.With().Str("component", "otp").Logger(),
		done:   make(chan struct{}),
	}
}

// CreateChallenge registers a fresh single-fulfillment wait slot for the key
// and returns it. If a pending challenge already exists for the key it is
// returned instead; a second concurrent login attempt must join the existing
// handshake rather than race it.
func (g *Gateway) CreateChallenge(tenant, integration, hint string) Challenge {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := challengeKey{tenant: tenant, integration: integration}
	if existing, ok := g.byKey[key]; ok && existing.state == statePending && time.Now().Before(existing.ExpiresAt) {
		return existing.Challenge
	}

	now := time.Now()
	ch := &challenge{
		Challenge: Challenge{
			ID:          uuid.NewString(),
			Tenant:      tenant,
			Integration: integration,
			Hint:        hint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.ttl),
		},
		state:  statePending,
		secret: make(chan string, 1),
	}
	g.byID[ch.ID] = ch
	g.byKey[key] = ch

	g.logger.Info().
		Str("challenge_id", ch.ID).
		Str("tenant", tenant).
		Str("integration", integration).
		Time("expires_at", ch.ExpiresAt).
		Msg("second-factor challenge created")
	return ch.Challenge
}

// Fulfill delivers a secret to the challenge with the given id. The first
// valid call wins; later calls report ErrAlreadyFulfilled. Fulfilling an
// expired or unknown challenge is rejected deterministically.
func (g *Gateway) Fulfill(challengeID, secret string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.byID[challengeID]
	if !ok {
		return ErrNotFound
	}

	switch ch.state {
	case stateFulfilled:
		return ErrAlreadyFulfilled
	case stateExpired:
		return ErrExpired
	}

	if time.Now().After(ch.ExpiresAt) {
		g.expireLocked(ch)
		return ErrExpired
	}

	ch.state = stateFulfilled
	ch.resolvedAt = time.Now()
	ch.secret <- secret
	delete(g.byKey, challengeKey{tenant: ch.Tenant, integration: ch.Integration})

	g.logger.Info().
		Str("challenge_id", ch.ID).
		Str("tenant", ch.Tenant).
		Str("integration", ch.Integration).
		Msg("second-factor challenge fulfilled")
	return nil
}

// FulfillLatest delivers a secret to the pending challenge for a
// (tenant, integration) key without requiring the caller to know the
// challenge id. Returns the fulfilled challenge id.
func (g *Gateway) FulfillLatest(tenant, integration, secret string) (string, error) {
	g.mu.Lock()
	ch, ok := g.byKey[challengeKey{tenant: tenant, integration: integration}]
	g.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	return ch.ID, g.Fulfill(ch.ID, secret)
}

// Pending returns the pending challenge for a key, if any.
func (g *Gateway) Pending(tenant, integration string) (Challenge, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.byKey[challengeKey{tenant: tenant, integration: integration}]
	if !ok || ch.state != statePending {
		return Challenge{}, false
	}
	return ch.Challenge, !time.Now().After(ch.ExpiresAt)
}

// Await suspends until the challenge is fulfilled, its deadline elapses, or
// ctx is cancelled. On expiry the slot is closed atomically so a late
// Fulfill can never satisfy it. On caller cancellation the challenge stays
// reachable until its own deadline, in case the secret arrives slightly
// late for a retried attempt.
func (g *Gateway) Await(ctx context.Context, challengeID string) (string, error) {
	g.mu.Lock()
	ch, ok := g.byID[challengeID]
	if !ok {
		g.mu.Unlock()
		return "", ErrNotFound
	}
	switch ch.state {
	case stateExpired:
		g.mu.Unlock()
		return "", ErrExpired
	case stateFulfilled:
		// Resolved before anyone awaited; consume the slot if still full.
		g.mu.Unlock()
		select {
		case secret := <-ch.secret:
			return secret, nil
		default:
			return "", ErrAlreadyFulfilled
		}
	}
	deadline := ch.ExpiresAt
	g.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case secret := <-ch.secret:
		return secret, nil
	case <-timer.C:
		g.mu.Lock()
		defer g.mu.Unlock()
		if ch.state == stateFulfilled {
			// Fulfill raced the deadline and won; honor the secret.
			select {
			case secret := <-ch.secret:
				return secret, nil
			default:
				return "", ErrAlreadyFulfilled
			}
		}
		g.expireLocked(ch)
		return "", ErrExpired
	case <-ctx.Done():
		return "", ErrCancelled
	}
}

// expireLocked closes the slot. Caller holds g.mu.
func (g *Gateway) expireLocked(ch *challenge) {
	if ch.state != statePending {
		return
	}
	ch.state = stateExpired
	ch.resolvedAt = time.Now()
	delete(g.byKey, challengeKey{tenant: ch.Tenant, integration: ch.Integration})
	g.logger.Warn().
		Str("challenge_id", ch.ID).
		Str("tenant", ch.Tenant).
		Str("integration", ch.Integration).
		Msg("second-factor challenge expired unfulfilled")
}

// Start launches the background sweeper that expires unattended challenges
// and prunes resolved ones. Safe to call once; Stop shuts it down.
func (g *Gateway) Start() {
	g.sweepOnce.Do(func() {
		go g.sweep()
	})
}

// Stop terminates the sweeper.
func (g *Gateway) Stop() {
	select {
	case <-g.done:
	default:
		close(g.done)
	}
}

func (g *Gateway) sweep() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sweepExpired(time.Now())
		case <-g.done:
			return
		}
	}
}

// sweepExpired expires overdue pending challenges and prunes resolved ones
// past the retention window.
func (g *Gateway) sweepExpired(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, ch := range g.byID {
		switch ch.state {
		case statePending:
			if now.After(ch.ExpiresAt) {
				g.expireLocked(ch)
			}
		default:
			if now.Sub(ch.resolvedAt) > resolvedRetention {
				delete(g.byID, id)
			}
		}
	}
}
