package formgate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	porterr "github.com/kestrelhq/portico/pkg/errors"
	"github.com/kestrelhq/portico/pkg/portal"
)

// fakePortal is a minimal form-login portal: CSRF-protected login, optional
// emailed code, cookie session, member search.
type fakePortal struct {
	mu         sync.Mutex
	requireOTP bool
	nextID     int
	sessions   map[string]*fakePortalSession

	server *httptest.Server
}

type fakePortalSession struct {
	authed     bool
	otpPending bool
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	p := &fakePortal{sessions: map[string]*fakePortalSession{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", p.loginPage)
	mux.HandleFunc("POST /login", p.login)
	mux.HandleFunc("POST /login/otp", p.submitOTP)
	mux.HandleFunc("GET /account", p.account)
	mux.HandleFunc("POST /members/search", p.search)
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePortal) session(r *http.Request) *fakePortalSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	cookie, err := r.Cookie("fgsid")
	if err != nil {
		return nil
	}
	return p.sessions[cookie.Value]
}

func (p *fakePortal) newSession(w http.ResponseWriter) *fakePortalSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("sid-%d", p.nextID)
	sess := &fakePortalSession{}
	p.sessions[id] = sess
	http.SetCookie(w, &http.Cookie{Name: "fgsid", Value: id, Path: "/"})
	return sess
}

// evictAll simulates the portal expiring every session server-side.
func (p *fakePortal) evictAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sess := range p.sessions {
		sess.authed = false
	}
}

func (p *fakePortal) loginPage(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `<html><body><form method="post" action="/login">
		<input name="csrf_token" type="hidden" value="tok-1"/>
		<input name="username"/><input name="password"/>
	</form></body></html>`)
}

func (p *fakePortal) login(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	if r.PostFormValue("csrf_token") != "tok-1" {
		http.Error(w, "bad csrf", http.StatusBadRequest)
		return
	}
	if r.PostFormValue("username") != "frontdesk" || r.PostFormValue("password") != "hunter2" {
		fmt.Fprint(w, `<html><body><div class="flash-error">Invalid credentials</div></body></html>`)
		return
	}
	sess := p.newSession(w)
	p.mu.Lock()
	requireOTP := p.requireOTP
	p.mu.Unlock()
	if requireOTP {
		sess.otpPending = true
		fmt.Fprint(w, `<html><body><form id="otp-form" method="post" action="/login/otp">
			<p class="hint">code sent to ***-1234</p>
			<input name="code"/>
		</form></body></html>`)
		return
	}
	sess.authed = true
	fmt.Fprint(w, `<html><body><a href="/logout">Sign out</a></body></html>`)
}

func (p *fakePortal) submitOTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	sess := p.session(r)
	if sess == nil || !sess.otpPending {
		fmt.Fprint(w, `<html><body><div class="flash-error">No login in progress</div></body></html>`)
		return
	}
	if r.PostFormValue("code") != "424242" {
		fmt.Fprint(w, `<html><body><div class="flash-error">Incorrect code</div></body></html>`)
		return
	}
	sess.otpPending = false
	sess.authed = true
	fmt.Fprint(w, `<html><body><a href="/logout">Sign out</a></body></html>`)
}

func (p *fakePortal) account(w http.ResponseWriter, r *http.Request) {
	if sess := p.session(r); sess != nil && sess.authed {
		fmt.Fprint(w, `<html><body><a href="/logout">Sign out</a></body></html>`)
		return
	}
	p.loginPage(w, r)
}

func (p *fakePortal) search(w http.ResponseWriter, r *http.Request) {
	sess := p.session(r)
	if sess == nil || !sess.authed {
		p.loginPage(w, r)
		return
	}
	_ = r.ParseForm()
	if r.PostFormValue("subscriber_id") != "W123456789" {
		fmt.Fprint(w, `<html><body><p class="no-results">No members found.</p></body></html>`)
		return
	}
	fmt.Fprint(w, `<html><body><table id="member-detail">
		<tr><th>Member Name:</th><td>Ada Lovelace</td></tr>
		<tr><th>Plan:</th><td>Gold PPO</td></tr>
		<tr><th>Status:</th><td>Active</td></tr>
	</table></body></html>`)
}

func newTestAdapter(t *testing.T, p *fakePortal) *Adapter {
	t.Helper()
	adapter, err := New(Options{Integration: "fake-portal", BaseURL: p.server.URL})
	require.NoError(t, err)
	return adapter
}

func goodCreds() portal.Credentials {
	return portal.Credentials{Username: "frontdesk", Password: "hunter2"}
}

func goodRecord() portal.Record {
	return portal.Record{SubscriberID: "W123456789", DateOfBirth: "1990-03-14"}
}

func TestLoginAndExtract(t *testing.T) {
	p := newFakePortal(t)
	adapter := newTestAdapter(t, p)
	ctx := context.Background()

	sess, err := adapter.Open(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()

	result, err := adapter.Login(ctx, sess, goodCreds())
	require.NoError(t, err)
	require.Equal(t, portal.LoginStatusLoggedIn, result.Status)

	ok, err := adapter.Probe(ctx, sess)
	require.NoError(t, err)
	require.True(t, ok)

	payload, err := adapter.ExtractOne(ctx, sess, goodRecord())
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(payload, &fields))
	require.Equal(t, "Ada Lovelace", fields["member_name"])
	require.Equal(t, "Gold PPO", fields["plan"])
}

func TestSecondFactorFlow(t *testing.T) {
	p := newFakePortal(t)
	p.requireOTP = true
	adapter := newTestAdapter(t, p)
	ctx := context.Background()

	sess, err := adapter.Open(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()

	result, err := adapter.Login(ctx, sess, goodCreds())
	require.NoError(t, err)
	require.Equal(t, portal.LoginStatusSecondFactorRequired, result.Status)
	require.Equal(t, "code sent to ***-1234", result.Hint)

	result, err = adapter.SubmitSecondFactor(ctx, sess, "424242")
	require.NoError(t, err)
	require.Equal(t, portal.LoginStatusLoggedIn, result.Status)

	_, err = adapter.ExtractOne(ctx, sess, goodRecord())
	require.NoError(t, err)
}

func TestWrongSecondFactorIsRejected(t *testing.T) {
	p := newFakePortal(t)
	p.requireOTP = true
	adapter := newTestAdapter(t, p)
	ctx := context.Background()

	sess, err := adapter.Open(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()

	_, err = adapter.Login(ctx, sess, goodCreds())
	require.NoError(t, err)

	result, err := adapter.SubmitSecondFactor(ctx, sess, "000000")
	require.NoError(t, err)
	require.Equal(t, portal.LoginStatusFailed, result.Status)
}

func TestBadCredentials(t *testing.T) {
	p := newFakePortal(t)
	adapter := newTestAdapter(t, p)
	ctx := context.Background()

	sess, err := adapter.Open(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()

	result, err := adapter.Login(ctx, sess, portal.Credentials{Username: "frontdesk", Password: "wrong"})
	require.NoError(t, err)
	require.Equal(t, portal.LoginStatusFailed, result.Status)
}

func TestUnknownSubscriberIsNotFound(t *testing.T) {
	p := newFakePortal(t)
	adapter := newTestAdapter(t, p)
	ctx := context.Background()

	sess, err := adapter.Open(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()

	_, err = adapter.Login(ctx, sess, goodCreds())
	require.NoError(t, err)

	_, err = adapter.ExtractOne(ctx, sess, portal.Record{SubscriberID: "W000000000", DateOfBirth: "1990-03-14"})
	require.True(t, porterr.IsKind(err, porterr.KindNotFound), "got %v", err)
}

func TestMissingFieldsAreValidationErrors(t *testing.T) {
	p := newFakePortal(t)
	adapter := newTestAdapter(t, p)
	ctx := context.Background()

	sess, err := adapter.Open(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()

	_, err = adapter.ExtractOne(ctx, sess, portal.Record{DateOfBirth: "1990-03-14"})
	require.True(t, porterr.IsKind(err, porterr.KindValidation), "got %v", err)

	_, err = adapter.ExtractOne(ctx, sess, portal.Record{SubscriberID: "W123456789"})
	require.True(t, porterr.IsKind(err, porterr.KindValidation), "got %v", err)
}

func TestSnapshotRestoresLogin(t *testing.T) {
	p := newFakePortal(t)
	adapter := newTestAdapter(t, p)
	ctx := context.Background()

	sess, err := adapter.Open(ctx, nil)
	require.NoError(t, err)
	_, err = adapter.Login(ctx, sess, goodCreds())
	require.NoError(t, err)

	snapshot, err := sess.Export(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	restored, err := adapter.Open(ctx, &snapshot)
	require.NoError(t, err)
	defer restored.Close()

	ok, err := adapter.Probe(ctx, restored)
	require.NoError(t, err)
	require.True(t, ok, "a restored cookie jar keeps the portal login")
}

func TestEvictedSessionClassifiedAuthentication(t *testing.T) {
	p := newFakePortal(t)
	adapter := newTestAdapter(t, p)
	ctx := context.Background()

	sess, err := adapter.Open(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()

	_, err = adapter.Login(ctx, sess, goodCreds())
	require.NoError(t, err)

	p.evictAll()

	_, err = adapter.ExtractOne(ctx, sess, goodRecord())
	require.True(t, porterr.IsKind(err, porterr.KindAuthentication), "got %v", err)
}

func TestServerErrorsAreTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	adapter, err := New(Options{BaseURL: server.URL})
	require.NoError(t, err)

	sess, err := adapter.Open(context.Background(), nil)
	require.NoError(t, err)
	defer sess.Close()

	_, err = adapter.Login(context.Background(), sess, goodCreds())
	require.True(t, porterr.IsKind(err, porterr.KindTransientNetwork), "got %v", err)
	require.True(t, porterr.IsRetryable(err))
}

func TestInvalidBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "not a url"})
	require.Error(t, err)
}
