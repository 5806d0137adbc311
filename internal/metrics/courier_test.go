package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCourierMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCourierMetrics(reg)

	m.ObserveRefresh(nil)
	m.ObserveRefresh(errors.New("x"))
	m.ObserveAction("claim", nil)
	m.ObservePush(nil)
	m.SetActiveOrders(2)
	m.SetTracking(true)
	m.IncNotification("")

	require.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("claim", "ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.activeOrders))
	require.Equal(t, 1.0, testutil.ToFloat64(m.trackingActive))
	require.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("unknown")))
}

func TestCourierMetrics_NilSafe(t *testing.T) {
	var m *CourierMetrics
	m.ObserveRefresh(nil)
	m.ObservePoll(time.Second)

	empty := NewCourierMetrics(nil)
	empty.ObserveHeartbeat(nil)
	empty.IncEvent("connect")
}
