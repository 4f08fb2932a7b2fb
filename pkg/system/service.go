package system

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/api"
	"github.com/volteria/controller/pkg/cloud"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/sched"
	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/store"
	"github.com/volteria/controller/pkg/types"
)

const (
	monitorInterval   = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	otaCheckInterval  = time.Hour
	commandInterval   = 10 * time.Second
)

// Options carries the platform-specific pieces of the system service. Zero
// values select safe defaults: HTTP fetch, no-op apply, no-op reboot.
type Options struct {
	// Version is the running firmware version, set from build metadata.
	Version string

	// HardwareTypeID scopes firmware release checks; empty disables OTA.
	HardwareTypeID string

	// StageDir is where firmware packages are staged before apply.
	StageDir string

	Fetcher  Fetcher
	Applier  Applier
	Rebooter Rebooter

	// Power signals mains power loss, usually from a GPIO line.
	Power PowerNotifier

	// StopAll gracefully stops the other services before a reboot or a
	// firmware apply; StartAll brings them back afterwards.
	StopAll  func()
	StartAll func()

	// VerifyHealth confirms every service is healthy after a firmware
	// apply. Returning an error rolls the apply back.
	VerifyHealth func(ctx context.Context) error
}

// Service is the controller's housekeeping service: host stats, per-service
// health monitoring, cloud heartbeats, OTA staging and the operator command
// poll. It also owns the prometheus scrape endpoint.
type Service struct {
	cfg    *types.SiteConfig
	shared state.Store

	monitor   *healthMonitor
	heartbeat *heartbeater
	ota       *otaManager
	commands  *commandPoller

	runners []*sched.Runner
	health  *api.HealthServer
	logger  zerolog.Logger

	power PowerNotifier
	done  chan struct{}

	mu        sync.Mutex
	lastStats Stats
}

// NewService creates the system service.
func NewService(cfg *types.SiteConfig, shared state.Store, db *store.Store, client *cloud.Client, opts Options) *Service {
	s := &Service{
		cfg:    cfg,
		shared: shared,
		logger: log.WithService("system"),
	}

	s.monitor = newHealthMonitor(DefaultTargets(), shared)
	s.heartbeat = newHeartbeater(cfg, shared, db, client, s.monitor, opts.Version)
	s.ota = newOTAManager(shared, client, opts.StageDir, opts.HardwareTypeID, opts.Version, opts.Fetcher, opts.Applier)
	s.commands = newCommandPoller(cfg.ControllerID, shared, client, s.heartbeat, s.ota, opts.Rebooter)
	s.commands.stopAll = opts.StopAll
	s.ota.stopServices = opts.StopAll
	s.ota.startServices = opts.StartAll
	s.ota.verifyHealth = opts.VerifyHealth

	s.power = opts.Power
	if s.power == nil {
		s.power = noopPowerNotifier{}
	}

	s.runners = []*sched.Runner{
		sched.NewRunner("system-monitor", monitorInterval, s.monitorTick),
		sched.NewRunner("system-heartbeat", heartbeatInterval, s.heartbeatTick),
		sched.NewRunner("system-ota", otaCheckInterval, s.ota.check),
		sched.NewRunner("system-commands", commandInterval, s.commands.poll),
	}

	s.health = api.NewHealthServer("system", api.PortSystem, s.status)
	s.health.EnableMetrics()
	return s
}

// Name implements supervisor.Service.
func (s *Service) Name() string { return "system" }

// Critical implements supervisor.Service. Losing housekeeping does not
// endanger the site, so the supervisor restarts it without tripping safe
// mode.
func (s *Service) Critical() bool { return false }

// HealthURL implements supervisor.Service.
func (s *Service) HealthURL() string { return s.health.URL() }

// Start completes any reboot left pending by the previous boot, then begins
// the monitoring loops.
func (s *Service) Start() error {
	if err := s.health.Start(); err != nil {
		return &types.ServiceError{Service: "system", Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.commands.consumePendingReboot(ctx)

	for _, r := range s.runners {
		r.Start()
	}

	s.done = make(chan struct{})
	go s.watchPower(s.done)

	s.logger.Info().Msg("system service started")
	return nil
}

// Stop stops the loops and the health endpoint.
func (s *Service) Stop() {
	for _, r := range s.runners {
		r.Stop()
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.health.Stop(ctx)
	s.logger.Info().Msg("system service stopped")
}

func (s *Service) monitorTick(ctx context.Context) {
	stats := collectStats()
	s.mu.Lock()
	s.lastStats = stats
	s.mu.Unlock()
	s.monitor.tick(ctx, stats)
}

func (s *Service) heartbeatTick(ctx context.Context) {
	s.heartbeat.beat(ctx, s.stats())
}

func (s *Service) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats
}

func (s *Service) status() (types.ServiceStatus, map[string]any) {
	stats := s.stats()
	return types.StatusHealthy, map[string]any{
		"firmware_version":   s.heartbeat.version,
		"heartbeat_failures": s.heartbeat.failCount(),
		"ota_state":          string(s.ota.current().State),
		"cpu_percent":        stats.CPUPercent,
		"memory_percent":     stats.MemoryPercent,
		"disk_percent":       stats.DiskPercent,
	}
}
