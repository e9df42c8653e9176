package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/personad/internal/auth"
	"github.com/hitoshi/personad/internal/metrics"
	"github.com/hitoshi/personad/internal/model"
)

const sessionCookieName = "session_id"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Authenticate(ctx context.Context, assertion, audience string) (*model.User, error)
	Login(ctx context.Context, userID string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
}

// CSRFTokenSource は現在のCSRFトークンを返す。トークンが未発行の場合は
// 生成してレスポンスにCookieを設定する遅延評価の形をとる。
type CSRFTokenSource func(w http.ResponseWriter, r *http.Request) (string, error)

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// Audiences は自サイトとして受け付けるoriginのリスト。
	// リクエストのHostと照合してVerifierへ渡すaudienceを決定する。
	Audiences []string

	LoginRedirectURL        string // 検証成功時のデフォルトリダイレクト先
	LoginRedirectURLFailure string // 検証失敗時のリダイレクト先
	LogoutRedirectURL       string // ログアウト時のデフォルトリダイレクト先

	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はアサーション検証によるログイン関連のHTTPハンドラー。
type AuthHandler struct {
	service    AuthServiceInterface
	config     AuthHandlerConfig
	csrfTokens CSRFTokenSource
	recorder   metrics.Recorder
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(
	service AuthServiceInterface,
	config AuthHandlerConfig,
	csrfTokens CSRFTokenSource,
	recorder metrics.Recorder,
) *AuthHandler {
	if config.LoginRedirectURL == "" {
		config.LoginRedirectURL = "/"
	}
	if config.LoginRedirectURLFailure == "" {
		config.LoginRedirectURLFailure = "/"
	}
	if config.LogoutRedirectURL == "" {
		config.LogoutRedirectURL = "/"
	}

	return &AuthHandler{
		service:    service,
		config:     config,
		csrfTokens: csrfTokens,
		recorder:   recorder,
	}
}

// VerifyView はPOSTのみを受け付けるアサーション検証ビューを返す。
func (h *AuthHandler) VerifyView() http.HandlerFunc {
	return methodView(map[string]http.HandlerFunc{
		http.MethodPost: h.Verify,
	})
}

// CsrfTokenView はGETのみを受け付けるCSRFトークン配布ビューを返す。
func (h *AuthHandler) CsrfTokenView() http.HandlerFunc {
	return methodView(map[string]http.HandlerFunc{
		http.MethodGet: h.CsrfToken,
	})
}

// LogoutView はPOSTのみを受け付けるログアウトビューを返す。
func (h *AuthHandler) LogoutView() http.HandlerFunc {
	return methodView(map[string]http.HandlerFunc{
		http.MethodPost: h.Logout,
	})
}

// Verify はアサーションを検証してログインする。
// POST /verify （フォームフィールド: assertion, 任意でnext）
//
// 成功時は200で {email, redirect} を返す。
// 失敗はすべて403で {redirect} に収束する。
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	assertion := r.PostFormValue("assertion")
	if assertion == "" {
		h.loginFailure(w, nil, metrics.ReasonMissingAssertion)
		return
	}

	audience := h.resolveAudience(r.Host)
	if audience == "" {
		slog.Error("no configured audience matches request host",
			slog.String("host", r.Host),
		)
		h.loginFailure(w, nil, metrics.ReasonUnknownAudience)
		return
	}

	start := time.Now()
	user, err := h.service.Authenticate(r.Context(), assertion, audience)
	h.recorder.RecordVerifyLatency(time.Since(start))

	if err != nil {
		reason := metrics.ReasonBackendError
		var verr *auth.VerificationError
		if errors.As(err, &verr) {
			reason = metrics.ReasonVerifierRejected
		}
		h.loginFailure(w, err, reason)
		return
	}

	// ユーザーが存在しない、または無効な場合は失敗（ログ出力なし）
	if user == nil || !user.IsActive {
		h.loginFailure(w, nil, metrics.ReasonInactiveUser)
		return
	}

	session, err := h.service.Login(r.Context(), user.ID)
	if err != nil {
		h.loginFailure(w, err, metrics.ReasonSessionError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	h.recorder.RecordVerifySuccess()

	redirect := resolveNext(r.PostForm, r.Host)
	if redirect == "" {
		redirect = h.config.LoginRedirectURL
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"email":    user.Email,
		"redirect": redirect,
	})
}

// CsrfToken は現在のCSRFトークンをプレーンテキストで返す。
// GET /csrf
//
// クライアント側スクリプトが読み取るため、キャッシュを無効化する。
func (h *AuthHandler) CsrfToken(w http.ResponseWriter, r *http.Request) {
	// 遅延評価のトークンをここで具体的な文字列に強制する
	token, err := h.csrfTokens(w, r)
	if err != nil {
		slog.Error("failed to obtain CSRF token", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "max-age=0")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(token))
}

// Logout はセッションを破棄する。
// POST /logout （任意でnext）
//
// リダイレクト先の解決結果に関わらず、セッションは常に無効化される。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	h.recorder.RecordLogout()

	redirect := resolveNext(r.PostForm, r.Host)
	if redirect == "" {
		redirect = h.config.LogoutRedirectURL
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"redirect": redirect,
	})
}

// loginFailure は検証失敗の403レスポンスを返す。
// エラーオブジェクトが渡された場合のみerrorレベルでログ出力する。
func (h *AuthHandler) loginFailure(w http.ResponseWriter, err error, reason string) {
	if err != nil {
		slog.Error("login failed", slog.String("error", err.Error()))
	}

	h.recorder.RecordVerifyFailure(reason)

	writeJSON(w, http.StatusForbidden, map[string]string{
		"redirect": h.config.LoginRedirectURLFailure,
	})
}

// resolveAudience はリクエストのHostに一致する設定済みaudienceを返す。
// Hostヘッダーは大文字小文字を区別しないため、照合もcase-insensitiveで行う。
// 一致するものがない場合は空文字を返す。
func (h *AuthHandler) resolveAudience(requestHost string) string {
	for _, a := range h.config.Audiences {
		u, err := url.Parse(a)
		if err != nil {
			continue
		}
		if strings.EqualFold(u.Host, requestHost) {
			return a
		}
	}
	return ""
}
