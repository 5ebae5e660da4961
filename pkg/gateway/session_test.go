package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/edsky/tianyi-api/testutils"
)

func newTestSession(t *testing.T, fake *testutils.FakeGateway, username, password string) *SessionManager {
	t.Helper()
	transport, err := NewTransport(TransportConfig{
		BaseURL: fake.URL(),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	return NewSessionManager(SessionManagerConfig{
		Transport: transport,
		Decoder:   NewDecoder(),
		Username:  username,
		Password:  password,
	})
}

func listRequest() *Request {
	return &Request{Method: http.MethodGet, Path: RuleListPath}
}

func TestLoginSuccess(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()

	session := newTestSession(t, fake, "useradmin", "secret")
	if err := session.Login(context.Background()); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if session.State() != StateActive {
		t.Errorf("state = %v, want Active", session.State())
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()

	session := newTestSession(t, fake, "useradmin", "wrong")
	err := session.Login(context.Background())
	if !IsAuthKind(err, AuthInvalidCredentials) {
		t.Fatalf("expected InvalidCredentials, got %v", err)
	}
	if session.State() != StateUnauthenticated {
		t.Errorf("state = %v, want Unauthenticated", session.State())
	}
}

func TestLoginUnreachable(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	session := newTestSession(t, fake, "useradmin", "secret")
	fake.Close()

	err := session.Login(context.Background())
	if !IsAuthKind(err, AuthUnreachable) {
		t.Fatalf("expected Unreachable, got %v", err)
	}
}

func TestAuthenticatedCallAfterLoginNeedsNoRetry(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()

	session := newTestSession(t, fake, "useradmin", "secret")
	ctx := context.Background()
	if err := session.Login(ctx); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if _, err := session.AuthenticatedCall(ctx, listRequest()); err != nil {
		t.Fatalf("authenticated call failed: %v", err)
	}
	if got := fake.CallCount("login"); got != 1 {
		t.Errorf("login count = %d, want 1 (re-login path must not trigger)", got)
	}
}

func TestAuthenticatedCallWithoutSession(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()

	session := newTestSession(t, fake, "useradmin", "secret")
	_, err := session.AuthenticatedCall(context.Background(), listRequest())
	if !IsAuthKind(err, AuthSessionExpired) {
		t.Fatalf("expected SessionExpired for unauthenticated caller, got %v", err)
	}
}

func TestAuthenticatedCallRecoversFromExpiry(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()

	session := newTestSession(t, fake, "useradmin", "secret")
	ctx := context.Background()
	if err := session.Login(ctx); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	fake.ExpireSession()

	if _, err := session.AuthenticatedCall(ctx, listRequest()); err != nil {
		t.Fatalf("call after expiry should recover via re-login: %v", err)
	}
	if got := fake.CallCount("login"); got != 2 {
		t.Errorf("login count = %d, want 2 (exactly one re-login)", got)
	}
	if session.State() != StateActive {
		t.Errorf("state = %v, want Active", session.State())
	}
}

func TestAuthenticatedCallGivesUpAfterSecondExpiry(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()

	session := newTestSession(t, fake, "useradmin", "secret")
	ctx := context.Background()
	if err := session.Login(ctx); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	// Re-login succeeds but the device keeps answering the login page.
	fake.SetSimulatedFailure("session", true)

	_, err := session.AuthenticatedCall(ctx, listRequest())
	if !IsAuthKind(err, AuthSessionExpired) {
		t.Fatalf("expected SessionExpired after failed retry, got %v", err)
	}
	if got := fake.CallCount("login"); got != 2 {
		t.Errorf("login count = %d, want 2 (no retry loop)", got)
	}
	if session.State() != StateExpired {
		t.Errorf("state = %v, want Expired", session.State())
	}

	// An expired session is not reusable.
	if _, err := session.AuthenticatedCall(ctx, listRequest()); !IsAuthKind(err, AuthSessionExpired) {
		t.Fatalf("expected SessionExpired on reuse, got %v", err)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()

	session := newTestSession(t, fake, "useradmin", "secret")
	ctx := context.Background()
	if err := session.Login(ctx); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := session.Logout(ctx); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if session.State() != StateExpired {
		t.Errorf("state = %v, want Expired", session.State())
	}
}

func TestLogoutBeforeLoginIsANoOp(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()

	session := newTestSession(t, fake, "useradmin", "secret")
	if err := session.Logout(context.Background()); err != nil {
		t.Fatalf("logout without a session should be a no-op: %v", err)
	}
	if session.State() != StateUnauthenticated {
		t.Errorf("state = %v, want Unauthenticated", session.State())
	}
	if got := fake.CallCount("logout"); got != 0 {
		t.Errorf("logout calls = %d, want 0 (no session to end)", got)
	}
}

func TestLogoutReportsTransportFailureButExpires(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")

	session := newTestSession(t, fake, "useradmin", "secret")
	ctx := context.Background()
	if err := session.Login(ctx); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	fake.Close()

	err := session.Logout(ctx)
	if !IsAuthKind(err, AuthUnreachable) {
		t.Fatalf("expected Unreachable, got %v", err)
	}
	// The session must not be resurrected client-side.
	if session.State() != StateExpired {
		t.Errorf("state = %v, want Expired", session.State())
	}
}

func TestDefaultExpiryDetector(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		want bool
	}{
		{"forbidden status", Response{StatusCode: http.StatusForbidden}, true},
		{"login page body", Response{StatusCode: http.StatusOK, Body: []byte(`<input name="psd"/>`)}, true},
		{"json data body", Response{StatusCode: http.StatusOK, Body: []byte(`{"count": 0}`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultExpiryDetector(&tt.resp); got != tt.want {
				t.Errorf("DefaultExpiryDetector() = %v, want %v", got, tt.want)
			}
		})
	}
}
