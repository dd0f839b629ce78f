package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"skillvault-service/internal/domain"
)

const namespace = "skillvault"

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	AttemptsStarted    *prometheus.CounterVec
	Submissions        *prometheus.CounterVec
	CertificatesIssued prometheus.Counter
	Verifications      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AttemptsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_started_total",
				Help:      "Attempts started or resumed",
			},
			[]string{"resumed"},
		),
		Submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Terminal submissions by resulting state",
			},
			[]string{"state", "replayed"},
		),
		CertificatesIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "certificates_issued_total",
				Help:      "Certificates minted",
			},
		),
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifications_total",
				Help:      "Public certificate lookups by outcome",
			},
			[]string{"outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
	}
}

func (m *Metrics) AttemptStarted(resumed bool) {
	m.AttemptsStarted.WithLabelValues(strconv.FormatBool(resumed)).Inc()
}

func (m *Metrics) AttemptSubmitted(state domain.AttemptState, replayed bool) {
	m.Submissions.WithLabelValues(string(state), strconv.FormatBool(replayed)).Inc()
}

func (m *Metrics) CertificateIssued() {
	m.CertificatesIssued.Inc()
}

func (m *Metrics) Verification(outcome string) {
	m.Verifications.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one HTTP request against its route pattern.
func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	m.RequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
