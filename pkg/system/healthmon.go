package system

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/api"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

const (
	healthProbeTimeout = 5 * time.Second

	// failureStrikes is how many consecutive failed observations declare a
	// service down.
	failureStrikes = 3
)

// Target is one loopback health endpoint to watch.
type Target struct {
	Name     string
	URL      string
	Critical bool
}

// DefaultTargets returns the standard per-service health endpoints.
func DefaultTargets() []Target {
	return []Target{
		{Name: "config", URL: api.HealthURL(api.PortConfig), Critical: true},
		{Name: "device", URL: api.HealthURL(api.PortDevice), Critical: true},
		{Name: "control", URL: api.HealthURL(api.PortControl), Critical: true},
		{Name: "logging", URL: api.HealthURL(api.PortLogging), Critical: false},
	}
}

// healthMonitor probes every service's /health endpoint and publishes the
// combined picture (plus host stats) to shared state. Three consecutive
// failures of a critical service raise the safe-mode trigger; logging only
// raises an alert.
type healthMonitor struct {
	targets []Target
	shared  state.Store
	http    *http.Client
	logger  zerolog.Logger

	strikes map[string]int
	tripped map[string]bool

	now func() time.Time
}

func newHealthMonitor(targets []Target, shared state.Store) *healthMonitor {
	return &healthMonitor{
		targets: targets,
		shared:  shared,
		http:    &http.Client{Timeout: healthProbeTimeout},
		logger:  log.WithComponent("health-monitor"),
		strikes: make(map[string]int),
		tripped: make(map[string]bool),
		now:     time.Now,
	}
}

// serviceHealth is the published per-service entry.
type serviceHealth struct {
	Status    types.ServiceStatus `json:"status"`
	Healthy   bool                `json:"healthy"`
	Strikes   int                 `json:"strikes"`
	CheckedAt time.Time           `json:"checked_at"`
}

// tick probes every target once.
func (m *healthMonitor) tick(ctx context.Context, stats Stats) {
	now := m.now().UTC()
	doc := map[string]any{"system_stats": stats.asMetrics()}

	for _, target := range m.targets {
		status, healthy := m.probe(ctx, target)
		if healthy {
			m.strikes[target.Name] = 0
			if m.tripped[target.Name] {
				m.tripped[target.Name] = false
				m.recover(target)
			}
		} else {
			m.strikes[target.Name]++
		}

		doc[target.Name] = serviceHealth{
			Status:    status,
			Healthy:   healthy,
			Strikes:   m.strikes[target.Name],
			CheckedAt: now,
		}

		if m.strikes[target.Name] >= failureStrikes && !m.tripped[target.Name] {
			m.tripped[target.Name] = true
			m.escalate(target)
		}
	}

	if err := m.shared.Update(state.KeyServiceHealth, doc); err != nil {
		m.logger.Error().Err(err).Msg("failed to publish service health")
	}
}

func (m *healthMonitor) probe(ctx context.Context, target Target) (types.ServiceStatus, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return types.StatusUnhealthy, false
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return types.StatusStopped, false
	}
	defer resp.Body.Close()

	var body struct {
		Status types.ServiceStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return types.StatusUnhealthy, false
	}
	return body.Status, resp.StatusCode == http.StatusOK && body.Status == types.StatusHealthy
}

// escalate handles a service crossing the strike threshold.
func (m *healthMonitor) escalate(target Target) {
	m.logger.Error().
		Str("service", target.Name).
		Int("strikes", failureStrikes).
		Bool("critical", target.Critical).
		Msg("service failed consecutive health checks")

	if target.Critical {
		trigger := types.SafeModeTrigger{
			Active:      true,
			Reason:      fmt.Sprintf("service %s failed %d consecutive health checks", target.Name, failureStrikes),
			TriggeredBy: "health-monitor",
			TriggeredAt: m.now().UTC(),
		}
		if err := m.shared.Write(state.KeySafeModeTrigger, trigger); err != nil {
			m.logger.Error().Err(err).Msg("failed to write safe mode trigger")
		}
		return
	}

	alert := types.AlertRequest{
		Type:      types.AlarmServiceFailure,
		DeviceID:  "",
		Message:   fmt.Sprintf("Service %s failed %d consecutive health checks", target.Name, failureStrikes),
		Severity:  types.SeverityMajor,
		Timestamp: m.now().UTC(),
	}
	if err := state.AppendAlert(m.shared, alert); err != nil {
		m.logger.Error().Err(err).Msg("failed to queue service failure alert")
	}
}

// recover clears the safe-mode trigger this monitor raised once the last
// tripped critical service is healthy again. Triggers raised elsewhere are
// left to their owners.
func (m *healthMonitor) recover(target Target) {
	m.logger.Info().Str("service", target.Name).Msg("service recovered after health check failures")
	if !target.Critical {
		return
	}
	for name, tripped := range m.tripped {
		if tripped && m.criticalTarget(name) {
			return
		}
	}

	var trigger types.SafeModeTrigger
	found, err := m.shared.ReadFresh(state.KeySafeModeTrigger, &trigger)
	if err != nil || !found || trigger.TriggeredBy != "health-monitor" {
		return
	}
	if err := m.shared.Delete(state.KeySafeModeTrigger); err != nil {
		m.logger.Error().Err(err).Msg("failed to clear safe mode trigger")
		return
	}
	m.logger.Info().Str("service", target.Name).Msg("safe mode trigger cleared")
}

func (m *healthMonitor) criticalTarget(name string) bool {
	for _, t := range m.targets {
		if t.Name == name {
			return t.Critical
		}
	}
	return false
}
