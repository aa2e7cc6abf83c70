// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/pulsehours/internal/auth"
	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/session"
)

// Collector はPrometheusメトリクスを収集する実装。
// auth.Observerとsession.Observerを兼ねる。
type Collector struct {
	loginOutcomes     *prometheus.CounterVec
	rateLimitBlocks   prometheus.Counter
	rateLimitFailOpen prometheus.Counter
	csrfFailures      prometheus.Counter
	sessionRotations  prometheus.Counter
	sessionExpired    prometheus.Counter
	cleanupDeleted    *prometheus.CounterVec
	cleanupLatency    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsehours_login_attempts_total",
			Help: "結果種別ごとのログイン試行数",
		}, []string{"outcome"}),
		rateLimitBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsehours_login_rate_limited_total",
			Help: "試行回数制限によりブロックしたログイン数",
		}),
		rateLimitFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsehours_login_rate_limit_fail_open_total",
			Help: "試行ログに到達できず制限なしで通したログイン数",
		}),
		csrfFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsehours_csrf_failures_total",
			Help: "CSRFトークン検証失敗の合計数",
		}),
		sessionRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsehours_session_rotations_total",
			Help: "定期的なセッションID再生成の合計数",
		}),
		sessionExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsehours_session_expirations_total",
			Help: "アイドルタイムアウトで失効したセッション数",
		}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsehours_cleanup_deleted_total",
			Help: "クリーンアップジョブで削除した行数",
		}, []string{"target"}),
		cleanupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsehours_cleanup_duration_seconds",
			Help:    "クリーンアップジョブの実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.loginOutcomes,
		c.rateLimitBlocks,
		c.rateLimitFailOpen,
		c.csrfFailures,
		c.sessionRotations,
		c.sessionExpired,
		c.cleanupDeleted,
		c.cleanupLatency,
	)

	return c
}

// RecordLoginOutcome はログイン結果を種別ラベル付きで記録する。
func (c *Collector) RecordLoginOutcome(kind model.ErrorKind) {
	c.loginOutcomes.WithLabelValues(kind.String()).Inc()
}

// RecordRateLimitBlock は試行回数制限によるブロックを記録する。
func (c *Collector) RecordRateLimitBlock() {
	c.rateLimitBlocks.Inc()
}

// RecordRateLimitFailOpen はfail-openを記録する。
func (c *Collector) RecordRateLimitFailOpen() {
	c.rateLimitFailOpen.Inc()
}

// RecordCSRFFailure はCSRF検証失敗を記録する。
func (c *Collector) RecordCSRFFailure() {
	c.csrfFailures.Inc()
}

// RecordSessionRotated はセッションIDの再生成を記録する。
func (c *Collector) RecordSessionRotated() {
	c.sessionRotations.Inc()
}

// RecordSessionExpired はアイドルタイムアウトによる失効を記録する。
func (c *Collector) RecordSessionExpired() {
	c.sessionExpired.Inc()
}

// RecordCleanup はクリーンアップジョブの削除件数と実行時間を記録する。
func (c *Collector) RecordCleanup(target string, deleted int64, duration time.Duration) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(deleted))
	c.cleanupLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ auth.Observer    = (*Collector)(nil)
	_ session.Observer = (*Collector)(nil)
)
