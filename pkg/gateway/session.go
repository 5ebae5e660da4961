package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// SessionState is the lifecycle state of the administrative session.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateActive
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "Unauthenticated"
	case StateActive:
		return "Active"
	case StateExpired:
		return "Expired"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Session is the client-side view of the device session. The token is the
// anti-automation value the device embeds in its login page; it is opaque
// to the client and accompanies every mutating call.
type Session struct {
	Token         string
	EstablishedAt time.Time
	State         SessionState
}

// ExpiryDetector reports whether a response signals an expired session.
// The device's exact signal is firmware-dependent, so it is supplied by
// the collaborator rather than hard-coded.
type ExpiryDetector func(resp *Response) bool

// DefaultExpiryDetector treats a 403, or an answer that is the login page
// instead of data, as an expiry signal.
func DefaultExpiryDetector(resp *Response) bool {
	if resp.StatusCode == http.StatusForbidden {
		return true
	}
	return looksLikeLoginPage(resp.Body)
}

// looksLikeLoginPage recognizes the device's login form by its password
// field. Data endpoints answer JSON, never markup.
func looksLikeLoginPage(body []byte) bool {
	return bytes.Contains(body, []byte(`name="psd"`))
}

// Device paths, per the luci admin interface.
const (
	LoginPath    = "/cgi-bin/luci"
	LogoutPath   = "/cgi-bin/luci/admin/logout"
	GwInfoPath   = "/cgi-bin/luci/admin/settings/gwinfo"
	RuleListPath = "/cgi-bin/luci/admin/settings/pmDisplay"
	RuleSetPath  = "/cgi-bin/luci/admin/settings/pmSetSingle"
)

// SessionManagerConfig wires the session manager's collaborators.
type SessionManagerConfig struct {
	Transport Transport
	Decoder   Decoder
	Username  string
	Password  string
	// ExpiryDetector defaults to DefaultExpiryDetector.
	ExpiryDetector ExpiryDetector
}

// SessionManager owns the authenticated session lifecycle: login, token
// caching, logout, and the single transparent re-login on detected expiry.
// Session state transitions are serialized behind a mutex; authenticated
// calls proceed concurrently once a session is Active.
type SessionManager struct {
	transport Transport
	decoder   Decoder
	username  string
	password  string
	expired   ExpiryDetector

	mu      sync.Mutex
	session Session
}

// NewSessionManager builds a session manager in the Unauthenticated state.
func NewSessionManager(config SessionManagerConfig) *SessionManager {
	detector := config.ExpiryDetector
	if detector == nil {
		detector = DefaultExpiryDetector
	}
	return &SessionManager{
		transport: config.Transport,
		decoder:   config.Decoder,
		username:  config.Username,
		password:  config.Password,
		expired:   detector,
	}
}

// State returns the current session state.
func (m *SessionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

// Login performs the authentication handshake and moves the session to
// Active. A failed login leaves the previous state untouched.
func (m *SessionManager) Login(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx)
}

func (m *SessionManager) loginLocked(ctx context.Context) error {
	logger := logr.FromContextOrDiscard(ctx)

	form := url.Values{}
	form.Set("username", m.username)
	form.Set("psd", m.password)

	resp, err := m.transport.Send(ctx, &Request{
		Method: http.MethodPost,
		Path:   LoginPath,
		Form:   form,
	})
	if err != nil {
		return newAuthError(AuthUnreachable, "login", err)
	}

	record, err := m.decoder.Decode(resp.Body, KindLoginResult)
	if err != nil {
		// The rejected-login page is the login form again, without a
		// token. Anything else that fails to decode is a firmware shape
		// we do not speak.
		if looksLikeLoginPage(resp.Body) {
			return newAuthError(AuthInvalidCredentials, "login", err)
		}
		return newAuthError(AuthProtocolMismatch, "login", err)
	}
	result, ok := record.(*LoginResult)
	if !ok || result.Token == "" {
		return newAuthError(AuthProtocolMismatch, "login", fmt.Errorf("login response carried no token"))
	}

	m.session = Session{
		Token:         result.Token,
		EstablishedAt: time.Now(),
		State:         StateActive,
	}
	logger.V(1).Info("session established")
	return nil
}

// Logout is best effort. An Active session is marked Expired regardless
// of the transport outcome: once a logout has been attempted the
// server-side state is unknown, and treating the session as live would be
// unsafe. A session that never authenticated has nothing to end and
// stays Unauthenticated.
func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.session.State != StateActive {
		m.mu.Unlock()
		return nil
	}
	token := m.session.Token
	m.session.State = StateExpired
	m.session.Token = ""
	m.mu.Unlock()

	if token == "" {
		return nil
	}

	form := url.Values{}
	form.Set("token", token)
	_, err := m.transport.Send(ctx, &Request{
		Method: http.MethodPost,
		Path:   LogoutPath,
		Form:   form,
	})
	if err != nil {
		return newAuthError(AuthUnreachable, "logout", err)
	}
	return nil
}

// AuthenticatedCall attaches the session token to the request and sends
// it. If the response signals expiry, exactly one re-login is performed
// and the call retried once; a second expiry signal fails the call with
// AuthError(SessionExpired) and marks the session Expired.
func (m *SessionManager) AuthenticatedCall(ctx context.Context, req *Request) (*Response, error) {
	logger := logr.FromContextOrDiscard(ctx)

	token, err := m.currentToken(req.Path)
	if err != nil {
		return nil, err
	}

	resp, err := m.transport.Send(ctx, withToken(req, token))
	if err != nil {
		return nil, err
	}
	if !m.expired(resp) {
		return resp, nil
	}

	logger.Info("session expiry detected, reauthenticating", "path", req.Path)
	if err := m.refresh(ctx, token); err != nil {
		return nil, err
	}

	token, err = m.currentToken(req.Path)
	if err != nil {
		return nil, err
	}
	resp, err = m.transport.Send(ctx, withToken(req, token))
	if err != nil {
		return nil, err
	}
	if m.expired(resp) {
		m.mu.Lock()
		m.session.State = StateExpired
		m.mu.Unlock()
		return nil, newAuthError(AuthSessionExpired, req.Path, fmt.Errorf("session still expired after re-login"))
	}
	return resp, nil
}

// currentToken snapshots the Active session's token.
func (m *SessionManager) currentToken(operation string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != StateActive {
		return "", newAuthError(AuthSessionExpired, operation,
			fmt.Errorf("session is %s, login required", m.session.State))
	}
	return m.session.Token, nil
}

// refresh re-establishes the session, unless a concurrent caller already
// did so since staleToken was snapshotted.
func (m *SessionManager) refresh(ctx context.Context, staleToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State == StateActive && m.session.Token != staleToken {
		return nil
	}
	if err := m.loginLocked(ctx); err != nil {
		m.session.State = StateExpired
		m.session.Token = ""
		return err
	}
	return nil
}

// withToken copies the request, adding the session token to mutating form
// bodies. Read calls are authorized by the session cookie alone.
func withToken(req *Request, token string) *Request {
	if req.Form == nil {
		return req
	}
	form := url.Values{}
	for key, values := range req.Form {
		form[key] = values
	}
	form.Set("token", token)
	return &Request{
		Method: req.Method,
		Path:   req.Path,
		Query:  req.Query,
		Form:   form,
	}
}
