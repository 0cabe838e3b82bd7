package work

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the work queue gauges and counters, labelled by queue id.
type Metrics struct {
	scheduled *prometheus.GaugeVec
	running   *prometheus.GaugeVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
}

// NewMetrics registers the work metrics on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		scheduled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ecm_work_scheduled",
			Help: "Number of work instances waiting in a queue.",
		}, []string{"queue"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ecm_work_running",
			Help: "Number of work instances currently running.",
		}, []string{"queue"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecm_work_completed_total",
			Help: "Total number of work instances completed successfully.",
		}, []string{"queue"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecm_work_failed_total",
			Help: "Total number of work instances that returned an error.",
		}, []string{"queue"}),
	}
	for _, c := range []prometheus.Collector{m.scheduled, m.running, m.completed, m.failed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) addScheduled(queue string, n int) {
	if m != nil {
		m.scheduled.WithLabelValues(queue).Add(float64(n))
	}
}

func (m *Metrics) started(queue string) {
	if m != nil {
		m.scheduled.WithLabelValues(queue).Dec()
		m.running.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) finished(queue string, state State) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(queue).Dec()
	switch state {
	case StateCompleted:
		m.completed.WithLabelValues(queue).Inc()
	case StateFailed:
		m.failed.WithLabelValues(queue).Inc()
	}
}
