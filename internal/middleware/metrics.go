package middleware

import (
	"net/http"

	"github.com/hitoshi/personad/internal/metrics"
)

// NewMetricsMiddleware はレスポンスのHTTPステータスコードをメトリクスに記録する
// ミドルウェアを返す。
func NewMetricsMiddleware(recorder metrics.Recorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			recorder.RecordHTTPStatus(rec.status())
		})
	}
}
