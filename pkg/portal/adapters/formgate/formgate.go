// Package formgate is the reference adapter for form-based portals: a
// cookie-backed HTTP session, a CSRF-protected login form, an optional
// emailed one-time code, and a member search page scraped into a payload.
// Portal-specific adapters follow this shape with their own selectors.
package formgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	porterr "github.com/kestrelhq/portico/pkg/errors"
	"github.com/kestrelhq/portico/pkg/portal"
)

const (
	loginPath  = "/login"
	otpPath    = "/login/otp"
	probePath  = "/account"
	searchPath = "/members/search"
)

// Options configures a formgate adapter.
type Options struct {
	// Integration is the id this adapter registers under.
	Integration string
	// BaseURL is the portal root, e.g. "https://portal.example.com".
	BaseURL string
	// RequestTimeout bounds each HTTP call. Zero selects 30s.
	RequestTimeout time.Duration
}

// Adapter drives a form-login portal over plain HTTP.
type Adapter struct {
	integration string
	baseURL     *url.URL
	timeout     time.Duration
}

// New creates a formgate adapter.
func New(opts Options) (*Adapter, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("formgate: invalid base url %q", opts.BaseURL)
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	integration := opts.Integration
	if integration == "" {
		integration = "formgate"
	}
	return &Adapter{integration: integration, baseURL: base, timeout: timeout}, nil
}

// Integration implements portal.Adapter.
func (a *Adapter) Integration() string { return a.integration }

// httpSession is the live session: a cookie jar plus the CSRF token scraped
// from the most recent page.
type httpSession struct {
	client  *http.Client
	baseURL *url.URL
	csrf    string
	closed  bool
}

// Open implements portal.Adapter. A supplied snapshot restores the cookie
// jar so a prior login survives process restarts.
func (a *Adapter) Open(ctx context.Context, snapshot *portal.Snapshot) (portal.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, porterr.Wrap(err, porterr.KindInternal, "create cookie jar")
	}
	if snapshot != nil && len(snapshot.Cookies) > 0 {
		var cookies []*http.Cookie
		if err := json.Unmarshal(snapshot.Cookies, &cookies); err != nil {
			return nil, porterr.Wrap(err, porterr.KindPersistence, "decode session cookies")
		}
		jar.SetCookies(a.baseURL, cookies)
	}
	return &httpSession{
		client:  &http.Client{Jar: jar, Timeout: a.timeout},
		baseURL: a.baseURL,
	}, nil
}

func (s *httpSession) Export(ctx context.Context) (portal.Snapshot, error) {
	if s.closed {
		return portal.Snapshot{}, porterr.New(porterr.KindInternal, "session already closed")
	}
	cookies, err := json.Marshal(s.client.Jar.Cookies(s.baseURL))
	if err != nil {
		return portal.Snapshot{}, porterr.Wrap(err, porterr.KindPersistence, "encode session cookies")
	}
	return portal.Snapshot{Cookies: cookies, CapturedAt: time.Now().UTC()}, nil
}

func (s *httpSession) Close() error {
	if !s.closed {
		s.client.CloseIdleConnections()
		s.closed = true
	}
	return nil
}

// Probe implements portal.Adapter: the account page shows a logout link
// only to an authenticated session.
func (a *Adapter) Probe(ctx context.Context, session portal.Session) (bool, error) {
	s, err := a.session(session)
	if err != nil {
		return false, err
	}
	doc, err := s.get(ctx, probePath)
	if err != nil {
		return false, err
	}
	return loggedIn(doc), nil
}

// Login implements portal.Adapter: fetch the login form for its CSRF token,
// post the credentials, and read the resulting page.
func (a *Adapter) Login(ctx context.Context, session portal.Session, creds portal.Credentials) (portal.LoginResult, error) {
	s, err := a.session(session)
	if err != nil {
		return portal.LoginResult{}, err
	}

	doc, err := s.get(ctx, loginPath)
	if err != nil {
		return portal.LoginResult{}, err
	}
	csrf, ok := doc.Find(`form input[name="csrf_token"]`).Attr("value")
	if !ok {
		return portal.LoginResult{}, porterr.New(porterr.KindAdapterShape, "login form has no csrf token")
	}
	s.csrf = csrf

	form := url.Values{
		"csrf_token": {csrf},
		"username":   {creds.Username},
		"password":   {creds.Password},
	}
	for k, v := range creds.Extra {
		form.Set(k, v)
	}
	doc, err = s.post(ctx, loginPath, form)
	if err != nil {
		return portal.LoginResult{}, err
	}
	return a.readLoginPage(doc)
}

// SubmitSecondFactor implements portal.Adapter.
func (a *Adapter) SubmitSecondFactor(ctx context.Context, session portal.Session, secret string) (portal.LoginResult, error) {
	s, err := a.session(session)
	if err != nil {
		return portal.LoginResult{}, err
	}
	form := url.Values{
		"csrf_token": {s.csrf},
		"code":       {secret},
	}
	doc, err := s.post(ctx, otpPath, form)
	if err != nil {
		return portal.LoginResult{}, err
	}
	return a.readLoginPage(doc)
}

// readLoginPage classifies whatever page a login step landed on.
func (a *Adapter) readLoginPage(doc *goquery.Document) (portal.LoginResult, error) {
	if otpForm := doc.Find("form#otp-form"); otpForm.Length() > 0 {
		hint := strings.TrimSpace(otpForm.Find(".hint").Text())
		return portal.LoginResult{Status: portal.LoginStatusSecondFactorRequired, Hint: hint}, nil
	}
	if doc.Find(".flash-error").Length() > 0 {
		return portal.LoginResult{Status: portal.LoginStatusFailed}, nil
	}
	if loggedIn(doc) {
		return portal.LoginResult{Status: portal.LoginStatusLoggedIn}, nil
	}
	return portal.LoginResult{}, porterr.New(porterr.KindAdapterShape, "unrecognized login response page")
}

// ExtractOne implements portal.Adapter: post the member search form and
// scrape the detail table into a flat JSON object.
func (a *Adapter) ExtractOne(ctx context.Context, session portal.Session, record portal.Record) (portal.Payload, error) {
	if record.SubscriberID == "" {
		return nil, porterr.New(porterr.KindValidation, "subscriber_id is required")
	}
	if record.DateOfBirth == "" {
		return nil, porterr.New(porterr.KindValidation, "date_of_birth is required")
	}
	s, err := a.session(session)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"csrf_token":    {s.csrf},
		"subscriber_id": {record.SubscriberID},
		"date_of_birth": {record.DateOfBirth},
		"first_name":    {record.FirstName},
		"last_name":     {record.LastName},
	}
	for k, v := range record.Extra {
		form.Set(k, v)
	}
	doc, err := s.post(ctx, searchPath, form)
	if err != nil {
		return nil, err
	}

	// Landing back on the login form means the portal evicted us.
	if doc.Find(`form input[name="csrf_token"]`).Length() > 0 && !loggedIn(doc) {
		return nil, porterr.New(porterr.KindAuthentication, "session no longer authenticated")
	}
	if doc.Find(".no-results").Length() > 0 {
		return nil, porterr.Newf(porterr.KindNotFound, "no member matches subscriber %s", record.SubscriberID)
	}

	table := doc.Find("table#member-detail")
	if table.Length() == 0 {
		return nil, porterr.New(porterr.KindAdapterShape, "member detail table missing")
	}
	fields := make(map[string]string)
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		key := strings.TrimSpace(row.Find("th").Text())
		value := strings.TrimSpace(row.Find("td").Text())
		if key != "" {
			fields[fieldName(key)] = value
		}
	})
	if len(fields) == 0 {
		return nil, porterr.New(porterr.KindAdapterShape, "member detail table has no rows")
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, porterr.Wrap(err, porterr.KindInternal, "encode payload")
	}
	return payload, nil
}

func (a *Adapter) session(session portal.Session) (*httpSession, error) {
	s, ok := session.(*httpSession)
	if !ok {
		return nil, porterr.Newf(porterr.KindInternal, "formgate: foreign session type %T", session)
	}
	if s.closed {
		return nil, porterr.New(porterr.KindInternal, "formgate: session closed")
	}
	return s, nil
}

func (s *httpSession) get(ctx context.Context, path string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL.JoinPath(path).String(), nil)
	if err != nil {
		return nil, porterr.Wrap(err, porterr.KindInternal, "build request")
	}
	return s.do(req)
}

func (s *httpSession) post(ctx context.Context, path string, form url.Values) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL.JoinPath(path).String(),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, porterr.Wrap(err, porterr.KindInternal, "build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

func (s *httpSession) do(req *http.Request) (*goquery.Document, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, porterr.Newf(porterr.KindAuthentication, "portal returned %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, porterr.Newf(porterr.KindTransientNetwork, "portal returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, porterr.Newf(porterr.KindAdapterShape, "portal returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, porterr.Wrap(err, porterr.KindAdapterShape, "parse portal page")
	}
	return doc, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return porterr.Wrap(err, porterr.KindTimeout, "portal request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return porterr.Wrap(err, porterr.KindTimeout, "portal request cancelled").WithRetryable(false)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return porterr.Wrap(err, porterr.KindTimeout, "portal request timed out")
	}
	return porterr.Wrap(err, porterr.KindTransientNetwork, "portal request failed")
}

func loggedIn(doc *goquery.Document) bool {
	return doc.Find(`a[href="/logout"]`).Length() > 0
}

// fieldName flattens a table header into a payload key.
func fieldName(header string) string {
	name := strings.ToLower(strings.TrimSpace(header))
	name = strings.ReplaceAll(name, " ", "_")
	return strings.Trim(name, ":_")
}
