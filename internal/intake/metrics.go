package intake

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the intake subsystem.
type Metrics struct {
	AdmissionsTotal    *prometheus.CounterVec
	DischargesTotal    *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec
	SweptTotal         prometheus.Counter
}

// NewMetrics registers and returns intake metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_admissions_total",
			Help: "Total admitted appointments by triage level.",
		}, []string{"triage_level"}),
		DischargesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_discharges_total",
			Help: "Total discharge attempts by result.",
		}, []string{"result"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_notifications_total",
			Help: "Total finalized notifications by type and status.",
		}, []string{"type", "status"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_delivery_duration_seconds",
			Help:    "Duration of transport delivery calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"outcome"}),
		SweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_notifications_swept_total",
			Help: "Pending notifications failed by the sweeper.",
		}),
	}

	reg.MustRegister(
		m.AdmissionsTotal,
		m.DischargesTotal,
		m.NotificationsTotal,
		m.DeliveryDuration,
		m.SweptTotal,
	)

	return m
}

// QueueHooks returns QueueHooks that increment the corresponding metrics.
func (m *Metrics) QueueHooks() QueueHooks {
	return QueueHooks{
		OnAdmit: func(level TriageLevel) {
			m.AdmissionsTotal.WithLabelValues(string(level)).Inc()
		},
		OnDischarge: func(err error) {
			result := "ok"
			switch {
			case errors.Is(err, ErrNotFound):
				result = "not_found"
			case err != nil:
				result = "error"
			}
			m.DischargesTotal.WithLabelValues(result).Inc()
		},
	}
}

// DispatchHooks returns DispatchHooks that increment the corresponding metrics.
func (m *Metrics) DispatchHooks() DispatchHooks {
	return DispatchHooks{
		OnFinalize: func(n *Notification) {
			m.NotificationsTotal.WithLabelValues(string(n.Type), string(n.Status)).Inc()
		},
		OnDelivery: func(duration float64, err error) {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			m.DeliveryDuration.WithLabelValues(outcome).Observe(duration)
		},
		OnSweep: func(n int) {
			m.SweptTotal.Add(float64(n))
		},
	}
}
