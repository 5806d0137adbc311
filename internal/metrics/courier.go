package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CourierMetrics records the agent's feed, tracking and notification activity.
type CourierMetrics struct {
	refreshes      *prometheus.CounterVec
	actions        *prometheus.CounterVec
	events         *prometheus.CounterVec
	pushes         *prometheus.CounterVec
	heartbeats     *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	activeOrders   prometheus.Gauge
	trackingActive prometheus.Gauge
	pollDuration   prometheus.Histogram
}

// NewCourierMetrics registers the courier metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewCourierMetrics(reg prometheus.Registerer) *CourierMetrics {
	if reg == nil {
		return &CourierMetrics{}
	}
	m := &CourierMetrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_feed_refresh_total",
			Help: "Order feed refreshes by result.",
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_order_action_total",
			Help: "Claim, release, deliver and report actions by result.",
		}, []string{"action", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_realtime_event_total",
			Help: "Realtime events applied to the feed.",
		}, []string{"event"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_location_push_total",
			Help: "Location pushes by result.",
		}, []string{"result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_heartbeat_total",
			Help: "Heartbeats by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_notification_total",
			Help: "Inbound push notifications by routing outcome.",
		}, []string{"outcome"}),
		activeOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_active_orders",
			Help: "Orders currently owned by the courier.",
		}),
		trackingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_tracking_active",
			Help: "1 while location tracking runs.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_poll_duration_seconds",
			Help:    "Duration of realtime poll cycles.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.refreshes, m.actions, m.events, m.pushes, m.heartbeats,
		m.notifications, m.activeOrders, m.trackingActive, m.pollDuration)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *CourierMetrics) ObserveRefresh(err error) {
	if m == nil || m.refreshes == nil {
		return
	}
	m.refreshes.WithLabelValues(result(err)).Inc()
}

func (m *CourierMetrics) ObserveAction(action string, err error) {
	if m == nil || m.actions == nil {
		return
	}
	m.actions.WithLabelValues(normalizeLabel(action), result(err)).Inc()
}

func (m *CourierMetrics) IncEvent(name string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(name)).Inc()
}

func (m *CourierMetrics) ObservePush(err error) {
	if m == nil || m.pushes == nil {
		return
	}
	m.pushes.WithLabelValues(result(err)).Inc()
}

func (m *CourierMetrics) ObserveHeartbeat(err error) {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.WithLabelValues(result(err)).Inc()
}

func (m *CourierMetrics) IncNotification(outcome string) {
	if m == nil || m.notifications == nil {
		return
	}
	m.notifications.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *CourierMetrics) SetActiveOrders(n int) {
	if m == nil || m.activeOrders == nil {
		return
	}
	m.activeOrders.Set(float64(n))
}

func (m *CourierMetrics) SetTracking(active bool) {
	if m == nil || m.trackingActive == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.trackingActive.Set(v)
}

func (m *CourierMetrics) ObservePoll(d time.Duration) {
	if m == nil || m.pollDuration == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
}

func normalizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
