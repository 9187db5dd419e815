// Package metrics exposes Prometheus counters for the vote ledger and the
// comment tree. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dissden"

type Metrics struct {
	registry *prometheus.Registry

	votesCast        *prometheus.CounterVec
	voteRetries      prometheus.Counter
	commentsCreated  *prometheus.CounterVec
	commentsRemoved  prometheus.Counter
	postsRemoved     prometheus.Counter
	authzDenied      *prometheus.CounterVec
	replyCountRepair prometheus.Counter
	requestDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		votesCast: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "votes_cast_total",
			Help:      "Votes written to the ledger by target kind and direction",
		}, []string{"target", "direction"}),
		voteRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "vote_retries_total",
			Help:      "Vote writes retried after a transient store error",
		}),
		commentsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "comments",
			Name:      "created_total",
			Help:      "Comments created, split by top-level and reply",
		}, []string{"kind"}),
		commentsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "comments",
			Name:      "removed_total",
			Help:      "Comments removed, including cascaded replies",
		}),
		postsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "posts",
			Name:      "removed_total",
			Help:      "Posts removed",
		}),
		authzDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "denied_total",
			Help:      "Mutations rejected by the ownership gate",
		}, []string{"target"}),
		replyCountRepair: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "comments",
			Name:      "reply_count_repairs_total",
			Help:      "Cached reply counts rewritten by reconciliation",
		}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) VoteCast(target string, direction int) {
	if m == nil {
		return
	}
	label := "up"
	if direction < 0 {
		label = "down"
	}
	m.votesCast.WithLabelValues(target, label).Inc()
}

func (m *Metrics) VoteRetried() {
	if m == nil {
		return
	}
	m.voteRetries.Inc()
}

func (m *Metrics) CommentCreated(reply bool) {
	if m == nil {
		return
	}
	kind := "top_level"
	if reply {
		kind = "reply"
	}
	m.commentsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) CommentsRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.commentsRemoved.Add(float64(n))
}

func (m *Metrics) PostRemoved() {
	if m == nil {
		return
	}
	m.postsRemoved.Inc()
}

func (m *Metrics) AuthzDenied(target string) {
	if m == nil {
		return
	}
	m.authzDenied.WithLabelValues(target).Inc()
}

func (m *Metrics) ReplyCountsRepaired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.replyCountRepair.Add(float64(n))
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
