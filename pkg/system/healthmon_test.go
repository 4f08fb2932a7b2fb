package system

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

func healthEndpoint(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testShared(t *testing.T) state.Store {
	t.Helper()
	shared, err := state.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = shared.Close() })
	return shared
}

func TestMonitorPublishesServiceHealth(t *testing.T) {
	healthy := healthEndpoint(t, http.StatusOK, `{"status":"healthy"}`)
	shared := testShared(t)

	m := newHealthMonitor([]Target{{Name: "device", URL: healthy.URL, Critical: true}}, shared)
	m.tick(context.Background(), Stats{CPUPercent: 12})

	var doc map[string]serviceHealth
	found, err := shared.ReadFresh(state.KeyServiceHealth, &doc)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, doc["device"].Healthy)
	assert.Equal(t, types.StatusHealthy, doc["device"].Status)

	// Host stats ride along for heartbeat-sourced alarms.
	var raw struct {
		SystemStats map[string]float64 `json:"system_stats"`
	}
	found, err = shared.ReadFresh(state.KeyServiceHealth, &raw)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 12.0, raw.SystemStats["cpu_percent"])
}

func TestMonitorTripsSafeModeAfterThreeStrikes(t *testing.T) {
	down := healthEndpoint(t, http.StatusServiceUnavailable, `{"status":"unhealthy"}`)
	shared := testShared(t)

	m := newHealthMonitor([]Target{{Name: "control", URL: down.URL, Critical: true}}, shared)
	for i := 0; i < 2; i++ {
		m.tick(context.Background(), Stats{})
		var trigger types.SafeModeTrigger
		found, err := shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
		require.NoError(t, err)
		assert.False(t, found && trigger.Active, "tripped before the third strike")
	}

	m.tick(context.Background(), Stats{})

	var trigger types.SafeModeTrigger
	found, err := shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, trigger.Active)
	assert.Equal(t, "health-monitor", trigger.TriggeredBy)
	assert.Contains(t, trigger.Reason, "control")
}

func TestMonitorNonCriticalFailureOnlyAlerts(t *testing.T) {
	down := healthEndpoint(t, http.StatusServiceUnavailable, `{"status":"unhealthy"}`)
	shared := testShared(t)

	m := newHealthMonitor([]Target{{Name: "logging", URL: down.URL, Critical: false}}, shared)
	for i := 0; i < 3; i++ {
		m.tick(context.Background(), Stats{})
	}

	var trigger types.SafeModeTrigger
	found, err := shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
	require.NoError(t, err)
	assert.False(t, found && trigger.Active)

	alerts, err := state.ConsumeAlerts(shared)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlarmServiceFailure, alerts[0].Type)
	assert.Equal(t, types.SeverityMajor, alerts[0].Severity)
}

func TestMonitorEscalatesOncePerOutage(t *testing.T) {
	down := healthEndpoint(t, http.StatusServiceUnavailable, `{"status":"unhealthy"}`)
	shared := testShared(t)

	m := newHealthMonitor([]Target{{Name: "logging", URL: down.URL, Critical: false}}, shared)
	for i := 0; i < 6; i++ {
		m.tick(context.Background(), Stats{})
	}

	alerts, err := state.ConsumeAlerts(shared)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestMonitorRecoveryResetsStrikes(t *testing.T) {
	var status int = http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"status":"healthy"}`))
		} else {
			w.Write([]byte(`{"status":"unhealthy"}`))
		}
	}))
	t.Cleanup(srv.Close)
	shared := testShared(t)

	m := newHealthMonitor([]Target{{Name: "device", URL: srv.URL, Critical: true}}, shared)
	m.tick(context.Background(), Stats{})
	m.tick(context.Background(), Stats{})
	require.Equal(t, 2, m.strikes["device"])

	status = http.StatusOK
	m.tick(context.Background(), Stats{})
	assert.Equal(t, 0, m.strikes["device"])

	// Two more failures after recovery still sit under the threshold.
	status = http.StatusServiceUnavailable
	m.tick(context.Background(), Stats{})
	m.tick(context.Background(), Stats{})

	var trigger types.SafeModeTrigger
	found, err := shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
	require.NoError(t, err)
	assert.False(t, found && trigger.Active)
}

// flakyEndpoint serves unhealthy until flipped healthy.
func flakyEndpoint(t *testing.T, status *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(*status)
		if *status == http.StatusOK {
			w.Write([]byte(`{"status":"healthy"}`))
		} else {
			w.Write([]byte(`{"status":"unhealthy"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMonitorClearsTriggerWhenServiceRecovers(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := flakyEndpoint(t, &status)
	shared := testShared(t)

	m := newHealthMonitor([]Target{{Name: "control", URL: srv.URL, Critical: true}}, shared)
	for i := 0; i < failureStrikes; i++ {
		m.tick(context.Background(), Stats{})
	}

	var trigger types.SafeModeTrigger
	found, err := shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
	require.NoError(t, err)
	require.True(t, found && trigger.Active)

	status = http.StatusOK
	m.tick(context.Background(), Stats{})

	found, err = shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
	require.NoError(t, err)
	assert.False(t, found, "trigger still latched after the service recovered")
}

func TestMonitorKeepsTriggerWhileAnotherCriticalServiceDown(t *testing.T) {
	controlStatus := http.StatusServiceUnavailable
	deviceStatus := http.StatusServiceUnavailable
	control := flakyEndpoint(t, &controlStatus)
	device := flakyEndpoint(t, &deviceStatus)
	shared := testShared(t)

	m := newHealthMonitor([]Target{
		{Name: "control", URL: control.URL, Critical: true},
		{Name: "device", URL: device.URL, Critical: true},
	}, shared)
	for i := 0; i < failureStrikes; i++ {
		m.tick(context.Background(), Stats{})
	}

	// Control recovers, device is still down: the trigger stays.
	controlStatus = http.StatusOK
	m.tick(context.Background(), Stats{})

	var trigger types.SafeModeTrigger
	found, err := shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
	require.NoError(t, err)
	assert.True(t, found && trigger.Active)

	deviceStatus = http.StatusOK
	m.tick(context.Background(), Stats{})

	found, _ = shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
	assert.False(t, found)
}

func TestMonitorLeavesForeignTriggerAlone(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := flakyEndpoint(t, &status)
	shared := testShared(t)

	m := newHealthMonitor([]Target{{Name: "control", URL: srv.URL, Critical: true}}, shared)
	for i := 0; i < failureStrikes; i++ {
		m.tick(context.Background(), Stats{})
	}

	// The supervisor overwrites the trigger with its own before recovery.
	require.NoError(t, shared.Write(state.KeySafeModeTrigger, types.SafeModeTrigger{
		Active:      true,
		Reason:      "service control failed after 3 restarts",
		TriggeredBy: "supervisor",
	}))

	status = http.StatusOK
	m.tick(context.Background(), Stats{})

	var trigger types.SafeModeTrigger
	found, err := shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
	require.NoError(t, err)
	assert.True(t, found && trigger.Active)
	assert.Equal(t, "supervisor", trigger.TriggeredBy)
}

func TestMonitorUnreachableServiceReportsStopped(t *testing.T) {
	shared := testShared(t)
	m := newHealthMonitor([]Target{{Name: "device", URL: "http://127.0.0.1:1/health", Critical: true}}, shared)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	m.tick(context.Background(), Stats{})

	var doc map[string]serviceHealth
	found, err := shared.ReadFresh(state.KeyServiceHealth, &doc)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.StatusStopped, doc["device"].Status)
	assert.Equal(t, 1, doc["device"].Strikes)
}
