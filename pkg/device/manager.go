package device

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/metrics"
	"github.com/volteria/controller/pkg/sched"
	"github.com/volteria/controller/pkg/types"
)

const (
	// offlineThreshold is the consecutive-failure count that declares a
	// device offline and starts its backoff window.
	offlineThreshold = 3

	backoffInitial = 5 * time.Second
	backoffMax     = 60 * time.Second

	// registerFailureThreshold is the consecutive per-register failure
	// count reported upward for alarm generation.
	registerFailureThreshold = 20
)

// deviceState tracks liveness and cached readings for one device.
type deviceState struct {
	device types.Device

	online              bool
	lastSeen            time.Time
	consecutiveFailures int
	lastError           string
	nextRetry           time.Time
	window              *backoff.ExponentialBackOff

	readings    map[string]types.Reading
	regFailures map[string]int
}

func newWindow() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.Multiplier = 2
	b.MaxInterval = backoffMax
	b.MaxElapsedTime = 0 // bounded by MaxInterval, never expires
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Manager tracks per-device liveness, buffers readings, and computes
// site-level aggregates from role-tagged registers of online devices.
type Manager struct {
	mu      sync.RWMutex
	devices map[string]*deviceState
	order   []string

	now func() time.Time
}

// NewManager builds the manager from the configured device set. Devices are
// never mutated in place: a config reload constructs a new manager.
func NewManager(devices []types.Device) *Manager {
	m := &Manager{
		devices: make(map[string]*deviceState, len(devices)),
		now:     time.Now,
	}
	for _, d := range devices {
		m.devices[d.ID] = &deviceState{
			device:      d,
			online:      false,
			readings:    make(map[string]types.Reading),
			regFailures: make(map[string]int),
			window:      newWindow(),
		}
		m.order = append(m.order, d.ID)
	}
	return m
}

// Devices returns the configured devices in declaration order.
func (m *Manager) Devices() []types.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Device, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id].device)
	}
	return out
}

// Device returns the configured device by id.
func (m *Manager) Device(id string) (types.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.devices[id]
	if !ok {
		return types.Device{}, false
	}
	return st.device, true
}

// ShouldPoll reports whether the device is pollable now: it is false while
// the device sits inside its backoff window.
func (m *Manager) ShouldPoll(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.devices[id]
	if !ok {
		return false
	}
	return !m.now().Before(st.nextRetry)
}

// MarkSuccess records a successful read: the device is online, its failure
// count and backoff window reset.
func (m *Manager) MarkSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[id]
	if !ok {
		return
	}
	if !st.online {
		logger := log.WithDevice(id)
		logger.Info().Msg("device back online")
	}
	st.online = true
	st.lastSeen = m.now()
	st.consecutiveFailures = 0
	st.lastError = ""
	st.nextRetry = time.Time{}
	st.window = newWindow()
}

// MarkFailure records a failed connection cycle. After the offline
// threshold the device is declared offline, its cached readings are removed
// so the aggregation layer never re-stamps a stale value as current, and
// the backoff window starts doubling 5 s → 60 s.
func (m *Manager) MarkFailure(id string, err error) (wentOffline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[id]
	if !ok {
		return false
	}

	st.consecutiveFailures++
	if err != nil {
		st.lastError = err.Error()
	}

	if st.consecutiveFailures >= offlineThreshold {
		wentOffline = st.online || st.consecutiveFailures == offlineThreshold
		if st.online {
			logger := log.WithDevice(id)
			logger.Warn().
				Int("failures", st.consecutiveFailures).
				Str("error", st.lastError).
				Msg("device declared offline")
		}
		st.online = false
		st.readings = make(map[string]types.Reading)
		st.nextRetry = m.now().Add(st.window.NextBackOff())
	}
	return wentOffline
}

// UpdateReading stores a fresh reading, timestamp already aligned down to
// the register's logging period.
func (m *Manager) UpdateReading(reading types.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[reading.DeviceID]
	if !ok {
		return
	}
	st.readings[reading.Register] = reading
	st.regFailures[reading.Register] = 0
}

// RegisterFailure bumps the per-register consecutive-failure count and
// returns true when it crosses the alarm threshold.
func (m *Manager) RegisterFailure(deviceID, register string) (count int, crossed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[deviceID]
	if !ok {
		return 0, false
	}
	st.regFailures[register]++
	count = st.regFailures[register]
	return count, count == registerFailureThreshold
}

// OfflineDurations returns, for each currently offline device, how long it
// has been without a successful read.
func (m *Manager) OfflineDurations() map[string]time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Duration)
	now := m.now()
	for id, st := range m.devices {
		if st.online {
			continue
		}
		if st.lastSeen.IsZero() {
			out[id] = now.Sub(st.lastSeen) // effectively "forever"
			continue
		}
		out[id] = now.Sub(st.lastSeen)
	}
	return out
}

// Snapshot builds the shared readings document: per-device readings and
// status plus role-tag aggregates over online devices only. The aggregates
// also populate the virtual controller device so downstream logging treats
// them uniformly.
func (m *Manager) Snapshot() types.ReadingsDocument {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now().UTC()
	doc := types.ReadingsDocument{
		Timestamp:  now,
		Devices:    make(map[string]types.DeviceSnapshot, len(m.devices)+1),
		Aggregates: make(map[string]float64),
	}

	onlineByType := make(map[types.DeviceType]int)
	for id, st := range m.devices {
		snap := types.DeviceSnapshot{
			Online:   st.online,
			LastSeen: st.lastSeen,
			Error:    st.lastError,
			Readings: make(map[string]types.Reading, len(st.readings)),
		}
		for name, r := range st.readings {
			snap.Readings[name] = r
		}
		doc.Devices[id] = snap

		if !st.online {
			continue
		}
		onlineByType[st.device.Type]++
		for _, reg := range st.device.Registers {
			if reg.Role == "" {
				continue
			}
			if r, ok := st.readings[reg.Name]; ok {
				doc.Aggregates[reg.Role] += r.Value
			}
		}
	}

	for t, n := range onlineByType {
		metrics.DevicesOnline.WithLabelValues(string(t)).Set(float64(n))
	}

	// Virtual controller device carrying the aggregates.
	ctrl := types.DeviceSnapshot{
		Online:   true,
		LastSeen: now,
		Readings: make(map[string]types.Reading, len(doc.Aggregates)),
	}
	for role, value := range doc.Aggregates {
		ctrl.Readings[role] = types.Reading{
			DeviceID:  types.VirtualControllerID,
			Register:  role,
			Value:     value,
			Unit:      types.RoleUnit(role),
			Timestamp: sched.AlignDown(now, time.Minute),
			Source:    types.SourceLive,
		}
	}
	doc.Devices[types.VirtualControllerID] = ctrl

	return doc
}

// OnlineCount returns the number of online devices of the given type.
func (m *Manager) OnlineCount(t types.DeviceType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.devices {
		if st.online && st.device.Type == t {
			n++
		}
	}
	return n
}
