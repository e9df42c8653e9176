package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/personad/internal/auth"
	"github.com/hitoshi/personad/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	authenticateFn func(ctx context.Context, assertion, audience string) (*model.User, error)
	loginFn        func(ctx context.Context, userID string) (*model.Session, error)
	logoutFn       func(ctx context.Context, sessionID string) error
}

func (m *mockAuthService) Authenticate(ctx context.Context, assertion, audience string) (*model.User, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, assertion, audience)
	}
	return nil, nil
}

func (m *mockAuthService) Login(ctx context.Context, userID string) (*model.Session, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, userID)
	}
	return &model.Session{ID: "session-id-abc", UserID: userID, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

type mockRecorder struct {
	successes    int
	failures     []string
	logouts      int
	httpStatuses []int
}

func (m *mockRecorder) RecordVerifySuccess()                { m.successes++ }
func (m *mockRecorder) RecordVerifyFailure(reason string)   { m.failures = append(m.failures, reason) }
func (m *mockRecorder) RecordVerifyLatency(d time.Duration) {}
func (m *mockRecorder) RecordLogout()                       { m.logouts++ }
func (m *mockRecorder) RecordHTTPStatus(statusCode int)     { m.httpStatuses = append(m.httpStatuses, statusCode) }

func staticTokenSource(token string) CSRFTokenSource {
	return func(w http.ResponseWriter, r *http.Request) (string, error) {
		return token, nil
	}
}

func newTestHandler(svc *mockAuthService, config AuthHandlerConfig, rec *mockRecorder) *AuthHandler {
	if len(config.Audiences) == 0 {
		config.Audiences = []string{"http://example.com"}
	}
	return NewAuthHandler(svc, config, staticTokenSource("test-token"), rec)
}

func newVerifyRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/verify", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

// --- Verify のテスト ---

func TestAuthHandler_Verify_ActiveUser_Returns200WithEmailAndRedirect(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			if assertion != "valid-token" {
				t.Errorf("assertion = %q, want %q", assertion, "valid-token")
			}
			if audience != "http://example.com" {
				t.Errorf("audience = %q, want %q", audience, "http://example.com")
			}
			return &model.User{ID: "user-1", Email: "a@b.com", IsActive: true}, nil
		},
	}
	rec := &mockRecorder{}
	h := newTestHandler(svc, AuthHandlerConfig{
		LoginRedirectURL: "/success",
		SessionMaxAge:    86400,
	}, rec)

	req := newVerifyRequest(url.Values{"assertion": {"valid-token"}})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	body := decodeBody(t, w)
	if body["email"] != "a@b.com" {
		t.Errorf("email = %q, want %q", body["email"], "a@b.com")
	}
	if body["redirect"] != "/success" {
		t.Errorf("redirect = %q, want %q", body["redirect"], "/success")
	}

	if rec.successes != 1 {
		t.Errorf("recorded successes = %d, want 1", rec.successes)
	}
}

func TestAuthHandler_Verify_Success_SetsSessionCookie(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			return &model.User{ID: "user-1", Email: "a@b.com", IsActive: true}, nil
		},
		loginFn: func(ctx context.Context, userID string) (*model.Session, error) {
			return &model.Session{ID: "session-xyz", UserID: userID}, nil
		},
	}
	h := newTestHandler(svc, AuthHandlerConfig{SessionMaxAge: 3600}, &mockRecorder{})

	req := newVerifyRequest(url.Values{"assertion": {"valid-token"}})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	var sessionCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("session cookie should be set")
	}
	if sessionCookie.Value != "session-xyz" {
		t.Errorf("cookie value = %q, want %q", sessionCookie.Value, "session-xyz")
	}
	if !sessionCookie.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}
	if sessionCookie.MaxAge != 3600 {
		t.Errorf("cookie MaxAge = %d, want 3600", sessionCookie.MaxAge)
	}
}

func TestAuthHandler_Verify_MissingAssertion_Returns403WithFailureRedirect(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			t.Fatal("Authenticate should not be called when assertion is missing")
			return nil, nil
		},
	}
	rec := &mockRecorder{}
	h := newTestHandler(svc, AuthHandlerConfig{
		LoginRedirectURLFailure: "/fail",
	}, rec)

	req := newVerifyRequest(url.Values{})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}

	body := decodeBody(t, w)
	if body["redirect"] != "/fail" {
		t.Errorf("redirect = %q, want %q", body["redirect"], "/fail")
	}
	if _, ok := body["email"]; ok {
		t.Error("failure response should not contain email")
	}
}

func TestAuthHandler_Verify_VerifierRejection_Returns403(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			return nil, &auth.VerificationError{Reason: "assertion expired"}
		},
	}
	rec := &mockRecorder{}
	h := newTestHandler(svc, AuthHandlerConfig{LoginRedirectURLFailure: "/fail"}, rec)

	req := newVerifyRequest(url.Values{"assertion": {"expired-token"}})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}
	if len(rec.failures) != 1 || rec.failures[0] != "verifier_rejected" {
		t.Errorf("recorded failures = %v, want [verifier_rejected]", rec.failures)
	}
}

func TestAuthHandler_Verify_BackendError_Returns403(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			return nil, errors.New("verifier unreachable")
		},
	}
	rec := &mockRecorder{}
	h := newTestHandler(svc, AuthHandlerConfig{LoginRedirectURLFailure: "/fail"}, rec)

	req := newVerifyRequest(url.Values{"assertion": {"some-token"}})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}

	body := decodeBody(t, w)
	if body["redirect"] != "/fail" {
		t.Errorf("redirect = %q, want %q", body["redirect"], "/fail")
	}
	if len(rec.failures) != 1 || rec.failures[0] != "backend_error" {
		t.Errorf("recorded failures = %v, want [backend_error]", rec.failures)
	}
}

func TestAuthHandler_Verify_NilUser_Returns403(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			return nil, nil
		},
	}
	h := newTestHandler(svc, AuthHandlerConfig{LoginRedirectURLFailure: "/fail"}, &mockRecorder{})

	req := newVerifyRequest(url.Values{"assertion": {"valid-token"}})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}
}

func TestAuthHandler_Verify_InactiveUser_Returns403(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			return &model.User{ID: "user-1", Email: "a@b.com", IsActive: false}, nil
		},
		loginFn: func(ctx context.Context, userID string) (*model.Session, error) {
			t.Fatal("Login should not be called for inactive user")
			return nil, nil
		},
	}
	h := newTestHandler(svc, AuthHandlerConfig{LoginRedirectURLFailure: "/fail"}, &mockRecorder{})

	req := newVerifyRequest(url.Values{"assertion": {"valid-token"}})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}
}

func TestAuthHandler_Verify_UnknownAudience_Returns403(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			t.Fatal("Authenticate should not be called when audience is unknown")
			return nil, nil
		},
	}
	rec := &mockRecorder{}
	h := NewAuthHandler(svc, AuthHandlerConfig{
		Audiences:               []string{"http://trusted.example.com"},
		LoginRedirectURLFailure: "/fail",
	}, staticTokenSource("t"), rec)

	// Audiencesに含まれないホストからのリクエスト
	req := newVerifyRequest(url.Values{"assertion": {"valid-token"}})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}
	if len(rec.failures) != 1 || rec.failures[0] != "unknown_audience" {
		t.Errorf("recorded failures = %v, want [unknown_audience]", rec.failures)
	}
}

func TestAuthHandler_Verify_AudienceHostMatch_IsCaseInsensitive(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			if audience != "http://example.com" {
				t.Errorf("audience = %q, want %q", audience, "http://example.com")
			}
			return &model.User{ID: "user-1", Email: "a@b.com", IsActive: true}, nil
		},
	}
	rec := &mockRecorder{}
	h := newTestHandler(svc, AuthHandlerConfig{SessionMaxAge: 86400}, rec)

	// Hostヘッダーは大文字小文字を区別しないため、大文字混じりでも一致すること
	req := newVerifyRequest(url.Values{"assertion": {"valid-token"}})
	req.Host = "Example.COM"
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if rec.successes != 1 {
		t.Errorf("recorded successes = %d, want 1", rec.successes)
	}
}

func TestAuthHandler_Verify_SafeNext_UsedAsRedirect(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			return &model.User{ID: "user-1", Email: "a@b.com", IsActive: true}, nil
		},
	}
	h := newTestHandler(svc, AuthHandlerConfig{LoginRedirectURL: "/success"}, &mockRecorder{})

	req := newVerifyRequest(url.Values{
		"assertion": {"valid-token"},
		"next":      {"/dashboard"},
	})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	body := decodeBody(t, w)
	if body["redirect"] != "/dashboard" {
		t.Errorf("redirect = %q, want %q", body["redirect"], "/dashboard")
	}
}

func TestAuthHandler_Verify_UnsafeNext_FallsBackToConfiguredURL(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			return &model.User{ID: "user-1", Email: "a@b.com", IsActive: true}, nil
		},
	}
	h := newTestHandler(svc, AuthHandlerConfig{LoginRedirectURL: "/success"}, &mockRecorder{})

	req := newVerifyRequest(url.Values{
		"assertion": {"valid-token"},
		"next":      {"http://evil.com/phish"},
	})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	body := decodeBody(t, w)
	if body["redirect"] != "/success" {
		t.Errorf("redirect = %q, want %q", body["redirect"], "/success")
	}
}

func TestAuthHandler_Verify_SessionError_Returns403(t *testing.T) {
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, assertion, audience string) (*model.User, error) {
			return &model.User{ID: "user-1", Email: "a@b.com", IsActive: true}, nil
		},
		loginFn: func(ctx context.Context, userID string) (*model.Session, error) {
			return nil, errors.New("db down")
		},
	}
	rec := &mockRecorder{}
	h := newTestHandler(svc, AuthHandlerConfig{LoginRedirectURLFailure: "/fail"}, rec)

	req := newVerifyRequest(url.Values{"assertion": {"valid-token"}})
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}
	if len(rec.failures) != 1 || rec.failures[0] != "session_error" {
		t.Errorf("recorded failures = %v, want [session_error]", rec.failures)
	}
}

func TestAuthHandler_Verify_GETRequest_Returns405WithAllowHeader(t *testing.T) {
	h := newTestHandler(&mockAuthService{}, AuthHandlerConfig{}, &mockRecorder{})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/verify", nil)
	w := httptest.NewRecorder()

	h.VerifyView()(w, req)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusMethodNotAllowed)
	}
	if allow := w.Result().Header.Get("Allow"); allow != "POST" {
		t.Errorf("Allow = %q, want %q", allow, "POST")
	}

	body := decodeBody(t, w)
	if body["error"] != "Method not allowed." {
		t.Errorf("error = %q, want %q", body["error"], "Method not allowed.")
	}
}

// --- CsrfToken のテスト ---

func TestAuthHandler_CsrfToken_ReturnsPlainTextWithNoCache(t *testing.T) {
	h := newTestHandler(&mockAuthService{}, AuthHandlerConfig{}, &mockRecorder{})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/csrf", nil)
	w := httptest.NewRecorder()

	h.CsrfTokenView()(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "max-age=0" {
		t.Errorf("Cache-Control = %q, want %q", cc, "max-age=0")
	}
	if w.Body.String() != "test-token" {
		t.Errorf("body = %q, want %q", w.Body.String(), "test-token")
	}
}

func TestAuthHandler_CsrfToken_ForcesLazyTokenToString(t *testing.T) {
	// トークンソースがレスポンス構築時に初めて評価されることを確認する
	evaluated := false
	source := func(w http.ResponseWriter, r *http.Request) (string, error) {
		evaluated = true
		return "lazily-generated", nil
	}
	h := NewAuthHandler(&mockAuthService{}, AuthHandlerConfig{
		Audiences: []string{"http://example.com"},
	}, source, &mockRecorder{})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/csrf", nil)
	w := httptest.NewRecorder()

	h.CsrfTokenView()(w, req)

	if !evaluated {
		t.Fatal("token source should have been evaluated")
	}
	if w.Body.String() != "lazily-generated" {
		t.Errorf("body = %q, want %q", w.Body.String(), "lazily-generated")
	}
}

func TestAuthHandler_CsrfToken_SourceError_Returns500(t *testing.T) {
	source := func(w http.ResponseWriter, r *http.Request) (string, error) {
		return "", errors.New("rand failure")
	}
	h := NewAuthHandler(&mockAuthService{}, AuthHandlerConfig{
		Audiences: []string{"http://example.com"},
	}, source, &mockRecorder{})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/csrf", nil)
	w := httptest.NewRecorder()

	h.CsrfTokenView()(w, req)

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}
}

func TestAuthHandler_CsrfToken_POSTRequest_Returns405(t *testing.T) {
	h := newTestHandler(&mockAuthService{}, AuthHandlerConfig{}, &mockRecorder{})

	req := httptest.NewRequest(http.MethodPost, "http://example.com/csrf", nil)
	w := httptest.NewRecorder()

	h.CsrfTokenView()(w, req)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusMethodNotAllowed)
	}
	if allow := w.Result().Header.Get("Allow"); allow != "GET" {
		t.Errorf("Allow = %q, want %q", allow, "GET")
	}
}

// --- Logout のテスト ---

func TestAuthHandler_Logout_InvalidatesSessionAndClearsCookie(t *testing.T) {
	logoutCalled := false
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, sessionID string) error {
			logoutCalled = true
			if sessionID != "session-abc" {
				t.Errorf("sessionID = %q, want %q", sessionID, "session-abc")
			}
			return nil
		},
	}
	rec := &mockRecorder{}
	h := newTestHandler(svc, AuthHandlerConfig{LogoutRedirectURL: "/"}, rec)

	req := httptest.NewRequest(http.MethodPost, "http://example.com/logout", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "session-abc"})
	w := httptest.NewRecorder()

	h.LogoutView()(w, req)

	if !logoutCalled {
		t.Fatal("Logout should have been called")
	}
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	body := decodeBody(t, w)
	if body["redirect"] != "/" {
		t.Errorf("redirect = %q, want %q", body["redirect"], "/")
	}

	var cleared *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			cleared = c
		}
	}
	if cleared == nil {
		t.Fatal("session cookie should be cleared")
	}
	if cleared.MaxAge != -1 {
		t.Errorf("cookie MaxAge = %d, want -1", cleared.MaxAge)
	}

	if rec.logouts != 1 {
		t.Errorf("recorded logouts = %d, want 1", rec.logouts)
	}
}

func TestAuthHandler_Logout_ServiceError_StillClearsCookieAndReturns200(t *testing.T) {
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, sessionID string) error {
			return errors.New("db down")
		},
	}
	h := newTestHandler(svc, AuthHandlerConfig{LogoutRedirectURL: "/"}, &mockRecorder{})

	req := httptest.NewRequest(http.MethodPost, "http://example.com/logout", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "session-abc"})
	w := httptest.NewRecorder()

	h.LogoutView()(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	var cleared *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			cleared = c
		}
	}
	if cleared == nil || cleared.MaxAge != -1 {
		t.Error("session cookie should be cleared even when logout fails")
	}
}

func TestAuthHandler_Logout_SafeNext_UsedAsRedirect(t *testing.T) {
	h := newTestHandler(&mockAuthService{}, AuthHandlerConfig{LogoutRedirectURL: "/"}, &mockRecorder{})

	form := url.Values{"next": {"/goodbye"}}
	req := httptest.NewRequest(http.MethodPost, "http://example.com/logout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.LogoutView()(w, req)

	body := decodeBody(t, w)
	if body["redirect"] != "/goodbye" {
		t.Errorf("redirect = %q, want %q", body["redirect"], "/goodbye")
	}
}

func TestAuthHandler_Logout_GETRequest_Returns405(t *testing.T) {
	h := newTestHandler(&mockAuthService{}, AuthHandlerConfig{}, &mockRecorder{})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/logout", nil)
	w := httptest.NewRecorder()

	h.LogoutView()(w, req)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusMethodNotAllowed)
	}
	if allow := w.Result().Header.Get("Allow"); allow != "POST" {
		t.Errorf("Allow = %q, want %q", allow, "POST")
	}
}
