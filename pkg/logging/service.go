package logging

import (
	"context"
	"encoding/json"
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

// bufferTick is the T1 cadence: every control cycle's worth of state is
// folded into the in-memory windows and the alarm evaluator runs.
const bufferTick = time.Second

// retentionInterval is how often the retention pass runs.
const retentionInterval = time.Hour

// resolutionPullInterval is how often cloud-side alarm resolutions are
// polled.
const resolutionPullInterval = 10 * time.Minute

// Service is the logging subsystem: in-memory buffering, local durable
// persistence, alarm evaluation, and cloud sync.
type Service struct {
	cfg       *types.SiteConfig
	logCfg    types.LoggingConfig
	shared    state.Store
	db        *store.Store
	client    *cloud.Client
	evaluator *Evaluator
	syncer    *Syncer

	loadWin  window
	solarWin window

	// pendingReadings accumulate between flushes; lastPersisted dedupes by
	// (device/register) aligned bucket so each bucket is stored once.
	pendingReadings []store.ReadingRow
	lastPersisted   map[string]time.Time

	runners []*sched.Runner
	health  *api.HealthServer
	logger  zerolog.Logger

	now func() time.Time
}

// NewService creates the logging service.
func NewService(cfg *types.SiteConfig, shared state.Store, db *store.Store, client *cloud.Client) *Service {
	logCfg := cfg.Logging.Normalize()
	evaluator := NewEvaluator(cfg, db, client)

	s := &Service{
		cfg:           cfg,
		logCfg:        logCfg,
		shared:        shared,
		db:            db,
		client:        client,
		evaluator:     evaluator,
		syncer:        NewSyncer(cfg, db, client, evaluator),
		lastPersisted: make(map[string]time.Time),
		logger:        log.WithService("logging"),
		now:           time.Now,
	}

	s.runners = []*sched.Runner{
		sched.NewRunner("logging-buffer", bufferTick, s.bufferTick),
		sched.NewRunner("logging-flush", time.Duration(logCfg.FlushSeconds)*time.Second, s.flush),
		sched.NewRunner("sync-readings", time.Duration(logCfg.ReadingSyncSeconds)*time.Second, s.syncer.SyncReadings),
		sched.NewRunner("sync-control", time.Duration(logCfg.ControlSyncSeconds)*time.Second, s.syncer.SyncControlAndAlarms),
		sched.NewRunner("retention", retentionInterval, s.retention),
		sched.NewRunner("resolution-pull", resolutionPullInterval, s.syncer.PullResolutions),
	}
	s.health = api.NewHealthServer("logging", api.PortLogging, s.status)
	return s
}

// Name implements supervisor.Service.
func (s *Service) Name() string { return "logging" }

// Critical implements supervisor.Service. Logging failures degrade the
// site's history, not its safety.
func (s *Service) Critical() bool { return false }

// HealthURL implements supervisor.Service.
func (s *Service) HealthURL() string { return s.health.URL() }

// Start starts all logging schedules.
func (s *Service) Start() error {
	if err := s.health.Start(); err != nil {
		return &types.ServiceError{Service: "logging", Err: err}
	}
	for _, r := range s.runners {
		r.Start()
	}
	s.logger.Info().
		Int("flush_seconds", s.logCfg.FlushSeconds).
		Int("reading_sync_seconds", s.logCfg.ReadingSyncSeconds).
		Int("control_sync_seconds", s.logCfg.ControlSyncSeconds).
		Msg("logging service started")
	return nil
}

// Stop flushes once more and stops all schedules.
func (s *Service) Stop() {
	for _, r := range s.runners {
		r.Stop()
	}
	s.flush(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.health.Stop(ctx)
	s.logger.Info().Msg("logging service stopped")
}

func (s *Service) status() (types.ServiceStatus, map[string]any) {
	pending, _ := s.db.PendingReadingCount()
	active, _ := s.db.ActiveAlarmCount()
	return types.StatusHealthy, map[string]any{
		"pending_readings": pending,
		"active_alarms":    active,
		"buffered_samples": s.loadWin.len(),
	}
}

// bufferTick folds the latest control state and readings into the windows,
// queues new reading buckets for persistence, evaluates alarms, and drains
// operational alerts from shared state.
func (s *Service) bufferTick(ctx context.Context) {
	var cs types.ControlState
	if found, err := s.shared.Read(state.KeyControlState, &cs); err == nil && found {
		s.loadWin.push(cs.TotalLoadKW)
		s.solarWin.push(cs.TotalSolarKW)
	}

	var readings types.ReadingsDocument
	found, err := s.shared.Read(state.KeyReadings, &readings)
	if err != nil || !found {
		return
	}

	s.collectReadings(readings)
	s.evaluator.Evaluate(ctx, readings, s.heartbeatMetrics())

	alerts, err := state.ConsumeAlerts(s.shared)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to consume pending alerts")
		return
	}
	for _, alert := range alerts {
		s.evaluator.RecordAlert(ctx, alert)
	}
}

// collectReadings queues one row per new (device, register, bucket).
func (s *Service) collectReadings(readings types.ReadingsDocument) {
	for deviceID, snap := range readings.Devices {
		if !snap.Online {
			continue
		}
		for name, r := range snap.Readings {
			key := deviceID + "/" + name
			if last, ok := s.lastPersisted[key]; ok && !r.Timestamp.After(last) {
				continue
			}
			s.lastPersisted[key] = r.Timestamp
			s.pendingReadings = append(s.pendingReadings, store.ReadingRow{
				SiteID:       s.cfg.SiteID,
				DeviceID:     deviceID,
				RegisterName: name,
				Value:        r.Value,
				TextValue:    r.Text,
				Unit:         r.Unit,
				Source:       string(r.Source),
				Timestamp:    r.Timestamp.UTC(),
			})
		}
	}
}

// heartbeatMetrics exposes system stats to heartbeat-sourced alarm
// definitions.
func (s *Service) heartbeatMetrics() map[string]float64 {
	var health map[string]json.RawMessage
	found, err := s.shared.Read(state.KeyServiceHealth, &health)
	if err != nil || !found {
		return nil
	}
	raw, ok := health["system_stats"]
	if !ok {
		return nil
	}
	var stats map[string]float64
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil
	}
	return stats
}

// flush is the T2 cadence: control-log row with window min/max plus the
// accumulated reading rows go to the local store, and the windows reset.
func (s *Service) flush(ctx context.Context) {
	var cs types.ControlState
	found, err := s.shared.Read(state.KeyControlState, &cs)
	if err == nil && found && s.loadWin.len() > 0 {
		loadMin, _, loadMax := s.loadWin.stats()
		solarMin, _, solarMax := s.solarWin.stats()

		row := store.ControlLogRow{
			Timestamp:          sched.AlignDown(s.now(), time.Duration(s.logCfg.FlushSeconds)*time.Second),
			SiteID:             s.cfg.SiteID,
			TotalLoadKW:        cs.TotalLoadKW,
			LoadMin:            loadMin,
			LoadMax:            loadMax,
			SolarOutputKW:      cs.TotalSolarKW,
			SolarMin:           solarMin,
			SolarMax:           solarMax,
			DGPowerKW:          cs.TotalGenKW,
			SolarLimitPct:      cs.SolarLimitPct,
			SolarLimitKW:       cs.SolarLimitKW,
			SafeModeActive:     cs.SafeModeActive,
			ConfigMode:         string(s.cfg.Mode),
			OperationMode:      string(cs.Mode),
			LoadMetersOnline:   cs.LoadMetersOnline,
			InvertersOnline:    cs.InvertersOnline,
			GeneratorsOnline:   cs.GeneratorsOnline,
			ExecutionTimeMs:    cs.ExecutionMs,
			DeviceReadingsJSON: s.readingsJSON(),
		}
		if err := s.db.InsertControlLog(row); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist control log")
		} else {
			s.loadWin.reset()
			s.solarWin.reset()
		}
	}

	if len(s.pendingReadings) == 0 {
		return
	}
	if err := s.db.InsertReadings(s.pendingReadings); err != nil {
		// Keep the rows for the next flush.
		s.logger.Error().Err(err).Int("rows", len(s.pendingReadings)).Msg("failed to persist readings")
		return
	}
	s.pendingReadings = s.pendingReadings[:0]
}

// readingsJSON snapshots the aggregates for the control-log row.
func (s *Service) readingsJSON() string {
	var readings types.ReadingsDocument
	found, err := s.shared.Read(state.KeyReadings, &readings)
	if err != nil || !found {
		return "{}"
	}
	data, err := json.Marshal(readings.Aggregates)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (s *Service) retention(ctx context.Context) {
	if err := s.db.Retention(s.logCfg.RetentionDays); err != nil {
		s.logger.Error().Err(err).Msg("retention pass failed")
	}
}
