package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

// fakeService serves its own health endpoint and records lifecycle calls.
type fakeService struct {
	name     string
	critical bool
	startErr error

	mu      sync.Mutex
	healthy bool
	starts  int
	stops   int
	onStop  func()

	srv *httptest.Server
}

func newFakeService(t *testing.T, name string, critical bool) *fakeService {
	t.Helper()
	f := &fakeService{name: name, critical: critical, healthy: true}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if f.healthy {
			w.Write([]byte(`{"status":"healthy"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unhealthy"}`))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) Name() string      { return f.name }
func (f *fakeService) Critical() bool    { return f.critical }
func (f *fakeService) HealthURL() string { return f.srv.URL }

func (f *fakeService) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeService) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.onStop != nil {
		f.onStop()
	}
}

func (f *fakeService) setHealthy(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = v
}

func testSupervisor(t *testing.T, services ...Service) (*Supervisor, state.Store) {
	t.Helper()
	shared, err := state.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = shared.Close() })

	s := New(shared, services...)
	s.startProbeTimeout = 50 * time.Millisecond
	s.startProbeInterval = 10 * time.Millisecond
	s.sleep = func(time.Duration) {}
	return s, shared
}

func readTrigger(t *testing.T, shared state.Store) (types.SafeModeTrigger, bool) {
	t.Helper()
	var trigger types.SafeModeTrigger
	found, err := shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
	require.NoError(t, err)
	return trigger, found
}

func TestStartAllInOrder(t *testing.T) {
	a := newFakeService(t, "system", false)
	b := newFakeService(t, "device", true)
	s, shared := testSupervisor(t, a, b)

	s.StartAll()
	defer s.StopAll()

	assert.Equal(t, 1, a.starts)
	assert.Equal(t, 1, b.starts)
	_, found := readTrigger(t, shared)
	assert.False(t, found)
}

func TestStopAllReverseOrder(t *testing.T) {
	var order []string
	a := newFakeService(t, "first", false)
	b := newFakeService(t, "second", false)
	a.onStop = func() { order = append(order, "first") }
	b.onStop = func() { order = append(order, "second") }
	s, _ := testSupervisor(t, a, b)

	s.StartAll()
	s.StopAll()

	assert.Equal(t, []string{"second", "first"}, order)
}

func TestStartAllClearsPersistedTrigger(t *testing.T) {
	svc := newFakeService(t, "control", true)
	s, shared := testSupervisor(t, svc)

	// Trigger left over from a previous run; a restart clears it.
	require.NoError(t, shared.Write(state.KeySafeModeTrigger, types.SafeModeTrigger{
		Active:      true,
		Reason:      "service control failed after 3 restarts",
		TriggeredBy: "supervisor",
	}))

	s.StartAll()
	defer s.StopAll()

	_, found := readTrigger(t, shared)
	assert.False(t, found)
}

func TestCriticalStartFailureTripsSafeMode(t *testing.T) {
	svc := newFakeService(t, "control", true)
	svc.startErr = errors.New("bind failed")
	s, shared := testSupervisor(t, svc)

	s.StartAll()
	defer s.StopAll()

	trigger, found := readTrigger(t, shared)
	require.True(t, found)
	assert.True(t, trigger.Active)
	assert.Equal(t, "supervisor", trigger.TriggeredBy)
	assert.Contains(t, trigger.Reason, "control")
}

func TestNonCriticalStartFailureOnlyAlerts(t *testing.T) {
	svc := newFakeService(t, "logging", false)
	svc.startErr = errors.New("disk full")
	s, shared := testSupervisor(t, svc)

	s.StartAll()
	defer s.StopAll()

	_, found := readTrigger(t, shared)
	assert.False(t, found)

	alerts, err := state.ConsumeAlerts(shared)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlarmServiceFailure, alerts[0].Type)
}

func TestUnhealthyServiceGetsRestarted(t *testing.T) {
	svc := newFakeService(t, "device", true)
	s, _ := testSupervisor(t, svc)
	s.StartAll()
	defer s.StopAll()

	svc.setHealthy(false)
	s.tick(context.Background())

	assert.Equal(t, 1, svc.stops)
	assert.Equal(t, 2, svc.starts)
	assert.Equal(t, 1, s.restarts["device"])
}

func TestHealthyProbeResetsRestartBudget(t *testing.T) {
	svc := newFakeService(t, "device", true)
	s, _ := testSupervisor(t, svc)
	s.StartAll()
	defer s.StopAll()

	svc.setHealthy(false)
	s.tick(context.Background())
	require.Equal(t, 1, s.restarts["device"])

	svc.setHealthy(true)
	s.tick(context.Background())
	assert.Equal(t, 0, s.restarts["device"])
}

func TestRestartBudgetExhaustedAbandonsAndEscalates(t *testing.T) {
	svc := newFakeService(t, "control", true)
	s, shared := testSupervisor(t, svc)
	s.StartAll()
	defer s.StopAll()

	svc.setHealthy(false)
	for i := 0; i < maxRestarts+1; i++ {
		s.tick(context.Background())
	}

	assert.True(t, s.abandoned["control"])
	trigger, found := readTrigger(t, shared)
	require.True(t, found)
	assert.True(t, trigger.Active)
	assert.Contains(t, trigger.Reason, "after 3 restarts")

	// Abandoned services are left alone afterwards.
	stops := svc.stops
	s.tick(context.Background())
	assert.Equal(t, stops, svc.stops)
}
