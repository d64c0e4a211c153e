package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/ratelimit"

	"sxm-proxy/work/client"
	"sxm-proxy/work/config"
	"sxm-proxy/work/logger"
	"sxm-proxy/work/metrics"
	"sxm-proxy/work/store"
	"sxm-proxy/work/types"
)

// Cookie names the session protocol depends on. SXMDATA marks a completed
// login; AWSALB and JSESSIONID together mark a promoted, request-authorizable
// session; SXMAKTOKEN carries the session-scoped auth token.
const (
	CookieIdentity    = "SXMDATA"
	CookieContinuityA = "AWSALB"
	CookieContinuityB = "JSESSIONID"
	CookieToken       = "SXMAKTOKEN"
)

// ErrAuthenticationFailed is returned when a login or session-resume round
// trip did not produce an authenticated session. Callers abort the current
// operation; the next inbound request starts a fresh attempt.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Manager owns the authentication state machine and the session cookies.
// All mutation of session state (login, resume, forced expiry, cookie
// updates) is serialized under one mutex so concurrent requests observing
// an expired session trigger a single re-authentication round trip.
type Manager struct {
	cfg    *config.Config
	log    *logger.Logger
	client *client.HeaderSettingClient
	store  *store.CredentialStore

	limiter ratelimit.Limiter

	mu       sync.Mutex
	cookies  map[string]string
	lastAuth time.Time // zero when never authenticated or force-expired
}

// NewManager builds a Manager and restores any persisted credential state
// so a restarted proxy resumes its previous session instead of logging in
// from scratch.
func NewManager(cfg *config.Config, log *logger.Logger, httpClient *client.HeaderSettingClient, credStore *store.CredentialStore) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     log,
		client:  httpClient,
		store:   credStore,
		limiter: ratelimit.New(cfg.APIRateLimit),
		cookies: map[string]string{},
	}

	rec, err := credStore.Load()
	if err != nil {
		log.Warn("Error loading authentication state: %v", err)
		return m
	}
	for name, value := range rec.Cookies {
		m.cookies[name] = value
	}
	if rec.LastAuthTime != nil {
		m.lastAuth = time.Unix(*rec.LastAuthTime, 0)
		log.Info("Restored session state, last auth: %s", m.lastAuth.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	return m
}

// LoggedIn reports whether the identity cookie is present.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedInLocked()
}

// Authenticated reports whether both session-continuity cookies are
// present. This is a cookie predicate only; the freshness window is
// checked separately by EnsureAuthenticated.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticatedLocked()
}

func (m *Manager) loggedInLocked() bool {
	_, ok := m.cookies[CookieIdentity]
	return ok
}

func (m *Manager) authenticatedLocked() bool {
	_, a := m.cookies[CookieContinuityA]
	_, b := m.cookies[CookieContinuityB]
	return a && b
}

// EnsureAuthenticated brings the session into the Authenticated state.
// Within the refresh window and with both continuity cookies present it is
// a no-op; otherwise it performs a login (only if the identity cookie is
// absent) followed by a session resume. The whole sequence runs under the
// session mutex, so only one re-authentication is ever in flight.
func (m *Manager) EnsureAuthenticated() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.authenticatedLocked() && !m.refreshDueLocked() {
		return nil
	}
	return m.authenticateLocked()
}

// ForceExpire clears the last-auth timestamp without touching cookies, so
// the next EnsureAuthenticated re-runs the session resume (and the login
// too, if the identity cookie is also gone).
func (m *Manager) ForceExpire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAuth = time.Time{}
}

func (m *Manager) refreshDueLocked() bool {
	if m.lastAuth.IsZero() {
		return true
	}
	return time.Since(m.lastAuth) >= m.cfg.AuthRefreshWindow
}

// authenticateLocked performs login-if-needed plus session resume. Caller
// holds the mutex.
func (m *Manager) authenticateLocked() error {
	if !m.loggedInLocked() {
		if err := m.loginLocked(); err != nil {
			m.log.Error("Unable to authenticate because login failed: %v", err)
			return err
		}
	}
	return m.resumeLocked()
}

// loginLocked posts the device/credential descriptor to the identity
// endpoint. Success requires the API status flag and the identity cookie.
func (m *Manager) loginLocked() error {
	payload := modulePayload{
		ModuleList: moduleListPayload{
			Modules: []moduleEntryPayload{{
				ModuleRequest: moduleRequestPayload{
					ResultTemplate: "web",
					DeviceInfo:     m.deviceInfo(),
					StandardAuth: &standardAuthPayload{
						Username: m.cfg.Username,
						Password: m.cfg.Password,
					},
				},
			}},
		},
	}

	env, err := m.sendLocked(http.MethodPost, "modify/authentication", nil, payload)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("login", "failed").Inc()
		return err
	}

	if env.ModuleListResponse.Status != 1 || !m.loggedInLocked() {
		metrics.AuthAttempts.WithLabelValues("login", "failed").Inc()
		return fmt.Errorf("%w: login rejected (status %d)", ErrAuthenticationFailed, env.ModuleListResponse.Status)
	}

	metrics.AuthAttempts.WithLabelValues("login", "ok").Inc()
	m.log.Debug("Login successful")
	return nil
}

// resumeLocked promotes a login into an active session. On success the
// last-auth timestamp is set and the credential state persisted.
func (m *Manager) resumeLocked() error {
	payload := modulePayload{
		ModuleList: moduleListPayload{
			Modules: []moduleEntryPayload{{
				ModuleRequest: moduleRequestPayload{
					ResultTemplate: "web",
					DeviceInfo:     m.deviceInfo(),
				},
			}},
		},
	}

	env, err := m.sendLocked(http.MethodPost, "resume?OAtrial=false", nil, payload)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("resume", "failed").Inc()
		return err
	}

	if env.ModuleListResponse.Status != 1 || !m.authenticatedLocked() {
		metrics.AuthAttempts.WithLabelValues("resume", "failed").Inc()
		return fmt.Errorf("%w: session resume rejected (status %d)", ErrAuthenticationFailed, env.ModuleListResponse.Status)
	}

	m.lastAuth = time.Now()
	metrics.AuthAttempts.WithLabelValues("resume", "ok").Inc()

	if err := m.store.Save(m.recordLocked()); err != nil {
		// the session itself is good; persistence failure only costs a
		// fresh login after the next restart
		m.log.Warn("Error saving authentication state: %v", err)
	}

	m.log.Info("Authentication successful, state saved")
	return nil
}

// recordLocked snapshots the session into a persistable record.
func (m *Manager) recordLocked() *store.CredentialRecord {
	cookies := make(map[string]string, len(m.cookies))
	for name, value := range m.cookies {
		cookies[name] = value
	}
	rec := &store.CredentialRecord{Cookies: cookies}
	if !m.lastAuth.IsZero() {
		t := m.lastAuth.Unix()
		rec.LastAuthTime = &t
	}
	return rec
}

// Get performs an authenticated GET against the REST API.
func (m *Manager) Get(method string, params url.Values) (*types.Envelope, error) {
	if err := m.EnsureAuthenticated(); err != nil {
		m.log.Error("Unable to authenticate for '%s'", method)
		return nil, err
	}
	return m.call(http.MethodGet, method, params, nil)
}

// Post performs an authenticated POST against the REST API with a JSON
// body.
func (m *Manager) Post(method string, body any) (*types.Envelope, error) {
	if err := m.EnsureAuthenticated(); err != nil {
		m.log.Error("Unable to authenticate for '%s'", method)
		return nil, err
	}
	return m.call(http.MethodPost, method, nil, body)
}

// call sends one API request outside the session mutex, taking it only
// briefly to snapshot and merge cookies.
func (m *Manager) call(httpMethod, apiMethod string, params url.Values, body any) (*types.Envelope, error) {
	m.mu.Lock()
	header := m.cookieHeaderLocked()
	m.mu.Unlock()

	env, cookies, err := m.send(httpMethod, apiMethod, params, body, header)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.mergeCookiesLocked(cookies)
	m.mu.Unlock()
	return env, nil
}

// sendLocked is the variant used by login/resume while the caller already
// holds the mutex.
func (m *Manager) sendLocked(httpMethod, apiMethod string, params url.Values, body any) (*types.Envelope, error) {
	env, cookies, err := m.send(httpMethod, apiMethod, params, body, m.cookieHeaderLocked())
	if err != nil {
		return nil, err
	}
	m.mergeCookiesLocked(cookies)
	return env, nil
}

// send performs the HTTP round trip: rate-limited, cookie header attached,
// JSON envelope decoded. Non-200 statuses and undecodable bodies both fail
// the call.
func (m *Manager) send(httpMethod, apiMethod string, params url.Values, body any, cookieHeader string) (*types.Envelope, []cookiePair, error) {
	m.limiter.Take()

	endpoint := m.cfg.APIBaseURL + "/" + apiMethod
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode request for '%s': %w", apiMethod, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(httpMethod, endpoint, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request for '%s': %w", apiMethod, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request for '%s' failed: %w", apiMethod, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.log.Error("Received status code %d for method '%s'", resp.StatusCode, apiMethod)
		return nil, nil, fmt.Errorf("method '%s' returned status %d", apiMethod, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response for '%s': %w", apiMethod, err)
	}

	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.log.Error("Error decoding json for method '%s'", apiMethod)
		return nil, nil, fmt.Errorf("failed to decode response for '%s': %w", apiMethod, err)
	}

	return &env, parseSetCookies(resp.Header.Values("Set-Cookie")), nil
}

// cookiePair is one name/value from a Set-Cookie header.
type cookiePair struct {
	name  string
	value string
}

// parseSetCookies parses Set-Cookie headers leniently. The token cookie's
// value embeds '=' and ',', which the standard library's strict cookie
// parser rejects outright, so the split is done by hand: everything before
// the first ';' is the pair, everything after the first '=' is the value.
func parseSetCookies(headers []string) []cookiePair {
	pairs := make([]cookiePair, 0, len(headers))
	for _, h := range headers {
		kv, _, _ := strings.Cut(h, ";")
		name, value, found := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			continue
		}
		pairs = append(pairs, cookiePair{name: name, value: strings.TrimSpace(value)})
	}
	return pairs
}

func (m *Manager) cookieHeaderLocked() string {
	if len(m.cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.cookies))
	for name, value := range m.cookies {
		parts = append(parts, name+"="+value)
	}
	return strings.Join(parts, "; ")
}

func (m *Manager) mergeCookiesLocked(cs []cookiePair) {
	for _, c := range cs {
		m.cookies[c.name] = c.value
	}
}

// Token extracts the session auth token from the token cookie, whose value
// is shaped "name=token,scope". Absence or a malformed value yields
// ok=false; the upstream service rejects the request on its own.
func (m *Manager) Token() (string, bool) {
	m.mu.Lock()
	raw, ok := m.cookies[CookieToken]
	m.mu.Unlock()
	if !ok {
		return "", false
	}

	_, rest, found := strings.Cut(raw, "=")
	if !found {
		return "", false
	}
	token, _, _ := strings.Cut(rest, ",")
	if token == "" {
		return "", false
	}
	return token, true
}

// GupID extracts the global user profile id from the URL-encoded JSON in
// the identity cookie. Absence or malformed content yields ok=false.
func (m *Manager) GupID() (string, bool) {
	m.mu.Lock()
	raw, ok := m.cookies[CookieIdentity]
	m.mu.Unlock()
	if !ok {
		return "", false
	}

	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return "", false
	}
	var data struct {
		GupID types.FlexString `json:"gupId"`
	}
	if err := json.Unmarshal([]byte(decoded), &data); err != nil {
		return "", false
	}
	if data.GupID == "" {
		return "", false
	}
	return string(data.GupID), true
}

// AuthParams builds the query parameters every playlist and segment fetch
// must carry. Missing token or profile id are simply omitted.
func (m *Manager) AuthParams() url.Values {
	params := url.Values{}
	if token, ok := m.Token(); ok {
		params.Set("token", token)
	}
	params.Set("consumer", "k2")
	if gup, ok := m.GupID(); ok {
		params.Set("gupId", gup)
	}
	return params
}

func (m *Manager) deviceInfo() *deviceInfoPayload {
	return &deviceInfoPayload{
		OSVersion:        "Mac",
		Platform:         "Web",
		SxmAppVersion:    "3.1802.10011.0",
		Browser:          "Safari",
		BrowserVersion:   "11.0.3",
		AppRegion:        m.cfg.Region,
		DeviceModel:      "K2WebClient",
		ClientDeviceID:   "null",
		Player:           "html5",
		ClientDeviceType: "web",
	}
}
