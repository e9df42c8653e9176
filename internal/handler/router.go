package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/personad/internal/metrics"
	"github.com/hitoshi/personad/internal/middleware"
)

// Pinger はヘルスチェックが必要とするデータベース接続のインターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFProtector     *middleware.CSRFProtector
	Logger            *slog.Logger

	// 可観測性
	Recorder metrics.Recorder
	Gatherer prometheus.Gatherer

	// ヘルスチェック
	DB Pinger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Metrics → RateLimit(General)
//
// 状態変更ルート（/verify, /logout）はさらにCSRF検証を通り、
// /verifyには検証専用のレート制限がかかる。
// /healthzと/metricsはレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewMetricsMiddleware(deps.Recorder))

	authHandler := NewAuthHandler(
		deps.AuthService,
		deps.AuthConfig,
		deps.CSRFProtector.EnsureToken,
		deps.Recorder,
	)

	// --- 運用系のルート（レート制限なし） ---

	r.Get("/healthz", newHealthzHandler(deps.DB))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// --- 認証系のルート ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// CSRFトークン配布（安全なメソッドのみなのでCSRF検証は不要）
		r.HandleFunc("/csrf", authHandler.CsrfTokenView())

		// 状態変更ルートはCSRF検証を必須とする
		r.Group(func(r chi.Router) {
			r.Use(deps.CSRFProtector.Middleware())

			// ブルートフォース対策として検証専用のレート制限を追加
			r.With(deps.RateLimiter.VerifyMiddleware()).HandleFunc("/verify", authHandler.VerifyView())

			r.HandleFunc("/logout", authHandler.LogoutView())
		})
	})

	return r
}

// newHealthzHandler はデータベース接続を確認するヘルスチェックハンドラーを返す。
func newHealthzHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	}
}
