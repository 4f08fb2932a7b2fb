package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/metrics"
	"github.com/volteria/controller/pkg/sched"
	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

// Service is one supervised controller service. Critical services trip the
// safe-mode path when they cannot be kept alive; non-critical ones only
// raise an alert.
type Service interface {
	Name() string
	Critical() bool
	Start() error
	Stop()
	HealthURL() string
}

const (
	monitorInterval = 10 * time.Second

	// maxRestarts bounds restart attempts per outage; the counter resets on
	// the first healthy probe.
	maxRestarts     = 3
	restartCooldown = 10 * time.Second
)

// Supervisor starts the services in order, probes each until healthy, then
// monitors and restarts them. A critical service that cannot be revived
// trips the safe-mode trigger while the remaining services stay up.
type Supervisor struct {
	shared   state.Store
	services []Service
	http     *http.Client
	logger   zerolog.Logger
	monitor  *sched.Runner

	restarts   map[string]int
	abandoned  map[string]bool
	monitoring bool

	startProbeTimeout  time.Duration
	startProbeInterval time.Duration

	sleep func(time.Duration)
	now   func() time.Time
}

// New creates a supervisor over the given services. Order matters: StartAll
// starts them first to last, StopAll stops them last to first.
func New(shared state.Store, services ...Service) *Supervisor {
	s := &Supervisor{
		shared:             shared,
		services:           services,
		http:               &http.Client{Timeout: 5 * time.Second},
		logger:             log.WithService("supervisor"),
		restarts:           make(map[string]int),
		abandoned:          make(map[string]bool),
		startProbeTimeout:  30 * time.Second,
		startProbeInterval: time.Second,
		sleep:              time.Sleep,
		now:                time.Now,
	}
	s.monitor = sched.NewRunner("supervisor-monitor", monitorInterval, s.tick)
	return s
}

// Add appends services to supervise. Useful when a service needs a handle
// on the supervisor itself (the system service's reboot path).
func (s *Supervisor) Add(services ...Service) {
	s.services = append(s.services, services...)
}

// StartAll starts every service in order and waits for each to report
// healthy before starting the next. A service that fails to come up is
// escalated but does not block the rest. A safe-mode trigger persisted from
// a previous run is cleared first: restarting the controller is the
// operator's path out of a latched trigger.
func (s *Supervisor) StartAll() {
	if err := s.shared.Delete(state.KeySafeModeTrigger); err != nil {
		s.logger.Error().Err(err).Msg("failed to clear persisted safe mode trigger")
	}
	for _, svc := range s.services {
		s.startOne(svc)
	}
}

// Monitor begins the periodic health check loop.
func (s *Supervisor) Monitor() {
	s.monitoring = true
	s.monitor.Start()
}

func (s *Supervisor) startOne(svc Service) {
	s.logger.Info().Str("service", svc.Name()).Msg("starting service")
	if err := svc.Start(); err != nil {
		s.logger.Error().Str("service", svc.Name()).Err(err).Msg("service failed to start")
		s.escalate(svc, fmt.Sprintf("service %s failed to start: %v", svc.Name(), err))
		return
	}
	if !s.probeUntilHealthy(svc) {
		s.logger.Error().Str("service", svc.Name()).Msg("service did not become healthy in time")
		s.escalate(svc, fmt.Sprintf("service %s did not become healthy within %s", svc.Name(), s.startProbeTimeout))
	}
}

// StopAll stops monitoring and the services in reverse start order.
func (s *Supervisor) StopAll() {
	if s.monitoring {
		s.monitoring = false
		s.monitor.Stop()
	}
	for i := len(s.services) - 1; i >= 0; i-- {
		svc := s.services[i]
		s.logger.Info().Str("service", svc.Name()).Msg("stopping service")
		svc.Stop()
	}
}

// WaitHealthy blocks until every supervised service reports healthy or the
// context expires. The firmware updater uses it to validate a restart before
// declaring an update good.
func (s *Supervisor) WaitHealthy(ctx context.Context) error {
	for {
		unhealthy := ""
		for _, svc := range s.services {
			if !s.healthy(svc) {
				unhealthy = svc.Name()
				break
			}
		}
		if unhealthy == "" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("service %s not healthy: %w", unhealthy, err)
		}
		s.sleep(s.startProbeInterval)
	}
}

// probeUntilHealthy polls the service's health endpoint until it reports
// healthy or the startup window closes.
func (s *Supervisor) probeUntilHealthy(svc Service) bool {
	deadline := s.now().Add(s.startProbeTimeout)
	for {
		if s.healthy(svc) {
			return true
		}
		if !s.now().Before(deadline) {
			return false
		}
		s.sleep(s.startProbeInterval)
	}
}

func (s *Supervisor) healthy(svc Service) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.HealthURL(), nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var body struct {
		Status types.ServiceStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return resp.StatusCode == http.StatusOK && body.Status == types.StatusHealthy
}

// tick probes every live service and restarts the unhealthy ones.
func (s *Supervisor) tick(ctx context.Context) {
	for _, svc := range s.services {
		if s.abandoned[svc.Name()] {
			continue
		}
		if s.healthy(svc) {
			s.restarts[svc.Name()] = 0
			continue
		}
		s.restart(svc)
	}
}

func (s *Supervisor) restart(svc Service) {
	name := svc.Name()
	if s.restarts[name] >= maxRestarts {
		s.abandoned[name] = true
		s.logger.Error().
			Str("service", name).
			Int("restarts", s.restarts[name]).
			Msg("service exhausted restart budget, abandoning")
		s.escalate(svc, fmt.Sprintf("service %s failed after %d restarts", name, s.restarts[name]))
		return
	}

	s.restarts[name]++
	metrics.ServiceRestartsTotal.WithLabelValues(name).Inc()
	s.logger.Warn().
		Str("service", name).
		Int("attempt", s.restarts[name]).
		Msg("restarting unhealthy service")

	svc.Stop()
	s.sleep(restartCooldown)
	if err := svc.Start(); err != nil {
		s.logger.Error().Str("service", name).Err(err).Msg("service restart failed")
	}
}

// escalate handles a service the supervisor cannot keep alive: critical
// services trip the safe-mode trigger, the rest raise a major alert.
func (s *Supervisor) escalate(svc Service, reason string) {
	if svc.Critical() {
		trigger := types.SafeModeTrigger{
			Active:      true,
			Reason:      reason,
			TriggeredBy: "supervisor",
			TriggeredAt: s.now().UTC(),
		}
		if err := s.shared.Write(state.KeySafeModeTrigger, trigger); err != nil {
			s.logger.Error().Err(err).Msg("failed to write safe mode trigger")
		}
		return
	}

	alert := types.AlertRequest{
		Type:      types.AlarmServiceFailure,
		Message:   reason,
		Severity:  types.SeverityMajor,
		Timestamp: s.now().UTC(),
	}
	if err := state.AppendAlert(s.shared, alert); err != nil {
		s.logger.Error().Err(err).Msg("failed to queue service failure alert")
	}
}
