// Package metrics exposes Prometheus instrumentation for the presence service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "script_presence"

type Metrics struct {
	operations      *prometheus.CounterVec
	onlineUsers     *prometheus.GaugeVec
	requestDuration *prometheus.HistogramVec
}

// Coder is satisfied by errors carrying a stable code.
type Coder interface {
	error
	ErrorCode() string
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Presence operations by name and result code.",
		}, []string{"operation", "result"}),
		onlineUsers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Online users per script as of the last register, heartbeat or unregister.",
		}, []string{"script_id"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(m.operations, m.onlineUsers, m.requestDuration)

	return m
}

// ObserveOperation counts one call of op; result is "ok" or the error code.
func (m *Metrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		var coded Coder
		if errors.As(err, &coded) {
			result = coded.ErrorCode()
		}
	}
	m.operations.WithLabelValues(op, result).Inc()
}

// SetOnline records the online count after a write. A script with nobody
// online has no series.
func (m *Metrics) SetOnline(scriptID string, count int64) {
	if m == nil {
		return
	}
	if count <= 0 {
		m.onlineUsers.DeleteLabelValues(scriptID)
		return
	}
	m.onlineUsers.WithLabelValues(scriptID).Set(float64(count))
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
