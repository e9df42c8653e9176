package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder はhttp.ResponseWriterをラップし、最初に確定したステータスコードを保持する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.statusCode == 0 {
		sr.statusCode = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はWriteHeader未呼び出しのまま書き込まれた場合に200を確定させる。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.statusCode == 0 {
		sr.statusCode = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// status は確定済みステータスを返す。未確定（ボディなし・ヘッダーなし）は200扱い。
func (sr *statusRecorder) status() int {
	if sr.statusCode == 0 {
		return http.StatusOK
	}
	return sr.statusCode
}

// levelForStatus はHTTPステータスコードに対応するログレベルを返す。
// 5xxはerror、4xxはwarn、それ以外はinfo。
func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、remoteを含む。
// /verifyは認証前のエンドポイントのため、呼び出し元IPを常に記録する。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			status := rec.status()
			logger.Log(r.Context(), levelForStatus(status), "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Float64("duration_ms", float64(time.Since(start))/float64(time.Millisecond)),
				slog.String("remote", clientIP(r)),
			)
		})
	}
}
