// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// ハンドラーとミドルウェアから利用する。
type Recorder interface {
	RecordVerifySuccess()
	RecordVerifyFailure(reason string)
	RecordVerifyLatency(duration time.Duration)
	RecordLogout()
	RecordHTTPStatus(statusCode int)
}

// 検証失敗理由のラベル値。
const (
	ReasonMissingAssertion = "missing_assertion"
	ReasonVerifierRejected = "verifier_rejected"
	ReasonBackendError     = "backend_error"
	ReasonInactiveUser     = "inactive_user"
	ReasonUnknownAudience  = "unknown_audience"
	ReasonSessionError     = "session_error"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	verifySuccess prometheus.Counter
	verifyFail    *prometheus.CounterVec
	verifyLatency prometheus.Histogram
	logouts       prometheus.Counter
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		verifySuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "personad_verify_success_total",
			Help: "アサーション検証成功の合計数",
		}),
		verifyFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personad_verify_fail_total",
			Help: "アサーション検証失敗の理由別合計数",
		}, []string{"reason"}),
		verifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "personad_verify_latency_seconds",
			Help:    "アサーション検証のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "personad_logout_total",
			Help: "ログアウトの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personad_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.verifySuccess,
		c.verifyFail,
		c.verifyLatency,
		c.logouts,
		c.httpStatus,
	)

	return c
}

// RecordVerifySuccess は検証成功を記録する。
func (c *Collector) RecordVerifySuccess() {
	c.verifySuccess.Inc()
}

// RecordVerifyFailure は検証失敗を理由ラベル付きで記録する。
func (c *Collector) RecordVerifyFailure(reason string) {
	c.verifyFail.WithLabelValues(reason).Inc()
}

// RecordVerifyLatency は検証のレイテンシを記録する。
func (c *Collector) RecordVerifyLatency(duration time.Duration) {
	c.verifyLatency.Observe(duration.Seconds())
}

// RecordLogout はログアウトを記録する。
func (c *Collector) RecordLogout() {
	c.logouts.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ Recorder = (*Collector)(nil)
