// Package portal defines the contract between the extraction core and the
// portal-specific integration adapters. The core is written only against
// these interfaces and never against a specific portal's behavior.
package portal

import (
	"context"
	"encoding/json"
	"time"
)

// LoginStatus is the adapter-reported result of a login step.
type LoginStatus string

const (
	LoginStatusLoggedIn             LoginStatus = "logged_in"
	LoginStatusSecondFactorRequired LoginStatus = "second_factor_required"
	LoginStatusFailed               LoginStatus = "failed"
)

// Credentials are the login secrets for one (tenant, integration) pair.
type Credentials struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	// Extra carries portal-specific fields (client ids, office codes).
	Extra map[string]string `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// Record identifies one subject to look up in a portal. Which fields are
// required varies per integration and is validated by the adapter.
type Record struct {
	SubscriberID string `json:"subscriber_id,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	DateOfBirth  string `json:"date_of_birth,omitempty"`
	// Extra carries integration-specific lookup fields.
	Extra map[string]string `json:"extra,omitempty"`
}

// Payload is the adapter-defined extraction result. Opaque to the core;
// shape validation belongs to the adapter that produced it.
type Payload = json.RawMessage

// Snapshot is the serializable representation of an authenticated browser
// session (cookies, local storage) that can be persisted and restored.
type Snapshot struct {
	Cookies      []byte    `json:"cookies,omitempty"`
	LocalStorage []byte    `json:"local_storage,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
}

// Session is the authenticated browser context an adapter operates on.
// Implementations own the live browser resources; Export captures the
// restorable state and Close releases everything.
type Session interface {
	Export(ctx context.Context) (Snapshot, error)
	Close() error
}

// LoginResult reports the outcome of a Login or SubmitSecondFactor call.
type LoginResult struct {
	Status LoginStatus
	// Hint is a human-readable description of a pending second factor
	// (e.g. "code sent to ***-1234"). Empty unless Status is
	// second_factor_required.
	Hint string
}

// Adapter is implemented once per external portal. The core drives the
// login state machine and extraction pipeline exclusively through it.
// Adapter errors should be classified with the portico errors package;
// unclassified errors are treated as internal and not retried.
type Adapter interface {
	// Integration returns the integration id this adapter serves.
	Integration() string

	// Open creates a session, restoring prior state when a snapshot is
	// supplied. A nil snapshot means a fresh unauthenticated context.
	Open(ctx context.Context, snapshot *Snapshot) (Session, error)

	// Probe reports whether the session is still authenticated.
	Probe(ctx context.Context, session Session) (bool, error)

	// Login performs the portal's login flow with the given credentials.
	Login(ctx context.Context, session Session, creds Credentials) (LoginResult, error)

	// SubmitSecondFactor completes a login that reported
	// second_factor_required.
	SubmitSecondFactor(ctx context.Context, session Session, secret string) (LoginResult, error)

	// ExtractOne performs one data extraction for the record through an
	// authenticated session.
	ExtractOne(ctx context.Context, session Session, record Record) (Payload, error)
}
