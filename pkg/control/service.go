package control

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/api"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/metrics"
	"github.com/volteria/controller/pkg/sched"
	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

// Service runs the control loop: one cycle per configured interval reads
// the published aggregates, decides the solar limit, and enqueues the
// writes for the device service.
type Service struct {
	cfg      *types.SiteConfig
	store    state.Store
	mode     Mode
	safe     *SafeMode
	warnings []string

	runner *sched.Runner
	health *api.HealthServer
	logger zerolog.Logger

	deviceType map[string]types.DeviceType

	// lastOutput holds the previous cycle's mode decision so a cycle with
	// no fresh load estimate can keep the limit in place.
	lastOutput   *ModeOutput
	lastCommands []string

	now func() time.Time
}

// NewService creates the control service for one loaded config.
func NewService(cfg *types.SiteConfig, store state.Store) *Service {
	s := &Service{
		cfg:        cfg,
		store:      store,
		mode:       modeFor(cfg),
		safe:       NewSafeMode(cfg.SafeMode),
		logger:     log.WithService("control"),
		deviceType: make(map[string]types.DeviceType, len(cfg.Devices)),
		now:        time.Now,
	}
	for _, d := range cfg.Devices {
		s.deviceType[d.ID] = d.Type
	}

	s.warnings = s.mode.Validate(cfg)
	for _, w := range s.warnings {
		s.logger.Warn().Str("mode", string(s.mode.ID())).Msg(w)
	}

	s.runner = sched.NewRunner("control-cycle", cfg.Control.Interval(), s.cycle)
	s.health = api.NewHealthServer("control", api.PortControl, s.status)
	return s
}

// Name implements supervisor.Service.
func (s *Service) Name() string { return "control" }

// Critical implements supervisor.Service.
func (s *Service) Critical() bool { return true }

// HealthURL implements supervisor.Service.
func (s *Service) HealthURL() string { return s.health.URL() }

// Start begins the control loop.
func (s *Service) Start() error {
	if err := s.health.Start(); err != nil {
		return &types.ServiceError{Service: "control", Err: err}
	}
	s.runner.Start()
	s.logger.Info().
		Str("mode", string(s.mode.ID())).
		Dur("interval", s.cfg.Control.Interval()).
		Msg("control service started")
	return nil
}

// Stop stops the loop.
func (s *Service) Stop() {
	s.runner.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.health.Stop(ctx)
	s.logger.Info().Msg("control service stopped")
}

func (s *Service) status() (types.ServiceStatus, map[string]any) {
	st := s.safe.State()
	return types.StatusHealthy, map[string]any{
		"mode":             string(s.mode.ID()),
		"safe_mode_active": st.Active,
	}
}

// cycle is one control iteration.
func (s *Service) cycle(ctx context.Context) {
	started := s.now()

	var readings types.ReadingsDocument
	found, err := s.store.Read(state.KeyReadings, &readings)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read readings document")
		return
	}
	if !found {
		s.logger.Debug().Msg("no readings yet, skipping cycle")
		return
	}

	in := s.modeInput(readings)
	cs := types.ControlState{
		Timestamp:        started.UTC(),
		TotalLoadKW:      in.Aggregates[types.RoleLoadActivePower],
		TotalSolarKW:     in.Aggregates[types.RoleSolarActivePower],
		TotalGenKW:       in.Aggregates[types.RoleGenActivePower],
		LoadMetersOnline: in.LoadMetersOnline,
		InvertersOnline:  in.InvertersOnline,
		GeneratorsOnline: in.GeneratorsOnline,
		Mode:             s.mode.ID(),
		WriteSuccess:     s.collectWriteResults(),
	}

	safeState := s.safe.Evaluate(SafeModeInput{
		Offline:  s.offlineDurations(readings),
		LoadKW:   cs.TotalLoadKW,
		SolarKW:  cs.TotalSolarKW,
		External: s.externalTrigger(),
	})
	cs.SafeModeActive = safeState.Active
	cs.SafeModeReason = safeState.Reason

	out := s.decide(in, safeState)
	cs.SolarLimitPct = out.SolarLimitPct
	cs.SolarLimitKW = out.SolarLimitKW
	cs.LoadSource = out.LoadSource
	cs.Reason = out.Reason

	s.enqueueWrites(out)

	cs.ExecutionMs = s.now().Sub(started).Milliseconds()
	if err := s.store.Write(state.KeyControlState, cs); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish control state")
	}
	if err := s.store.Write(state.KeySafeModeState, safeState); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish safe mode state")
	}

	metrics.ControlCycleSeconds.Observe(s.now().Sub(started).Seconds())
	metrics.SolarLimitPct.Set(cs.SolarLimitPct)
	if safeState.Active {
		metrics.SafeModeActive.Set(1)
	} else {
		metrics.SafeModeActive.Set(0)
	}
}

// decide picks this cycle's output: safe-mode override, config-warning
// fallback, fresh mode calculation, or the held previous value when the
// mode has no usable input.
func (s *Service) decide(in ModeInput, safeState types.SafeModeState) ModeOutput {
	if safeState.Active {
		return s.safeModeOutput(in, safeState.Reason)
	}
	if len(s.warnings) > 0 {
		return s.safeModeOutput(in, "mode configuration incomplete: "+s.warnings[0])
	}

	out := s.mode.Calculate(in)
	if out.MissingInput {
		if s.lastOutput != nil {
			held := *s.lastOutput
			held.Reason = "holding previous limit: " + out.Reason
			return held
		}
		return s.safeModeOutput(in, out.Reason)
	}

	s.lastOutput = &out
	return out
}

// safeModeOutput expresses the configured safe power limit as a write.
func (s *Service) safeModeOutput(in ModeInput, reason string) ModeOutput {
	limitKW := s.cfg.SafeMode.PowerLimitKW
	return ModeOutput{
		SolarLimitPct:   limitPct(limitKW, in.InverterCapacityKW),
		SolarLimitKW:    limitKW,
		Reason:          reason,
		WriteSolarLimit: true,
	}
}

// modeInput derives this cycle's aggregates and online counts from the
// published readings document.
func (s *Service) modeInput(readings types.ReadingsDocument) ModeInput {
	in := ModeInput{
		Aggregates:         readings.Aggregates,
		InverterCapacityKW: s.cfg.InverterCapacityKW(),
	}
	if in.Aggregates == nil {
		in.Aggregates = make(map[string]float64)
	}
	for id, snap := range readings.Devices {
		if !snap.Online {
			continue
		}
		switch s.deviceType[id] {
		case types.DeviceLoadMeter:
			in.LoadMetersOnline++
		case types.DeviceInverter:
			in.InvertersOnline++
		case types.DeviceGenerator:
			in.GeneratorsOnline++
		case types.DeviceBattery:
			in.BatteriesOnline++
		}
	}
	return in
}

// offlineDurations derives per-device outage durations from the readings
// document; never-seen devices count from the document timestamp.
func (s *Service) offlineDurations(readings types.ReadingsDocument) map[string]time.Duration {
	out := make(map[string]time.Duration)
	now := s.now()
	for id, snap := range readings.Devices {
		if snap.Online || id == types.VirtualControllerID {
			continue
		}
		if _, configured := s.deviceType[id]; !configured {
			continue
		}
		out[id] = now.Sub(snap.LastSeen)
	}
	return out
}

func (s *Service) externalTrigger() *types.SafeModeTrigger {
	var trig types.SafeModeTrigger
	found, err := s.store.Read(state.KeySafeModeTrigger, &trig)
	if err != nil || !found {
		return nil
	}
	return &trig
}

// collectWriteResults reports whether every command enqueued last cycle
// succeeded. The device service executes asynchronously, so the feedback
// is one cycle behind.
func (s *Service) collectWriteResults() bool {
	if len(s.lastCommands) == 0 {
		return true
	}
	var results map[string]types.WriteResult
	found, err := s.store.Read(state.KeyWriteResults, &results)
	if err != nil || !found {
		return false
	}
	for _, id := range s.lastCommands {
		res, ok := results[id]
		if !ok || !res.Success {
			return false
		}
	}
	return true
}

// enqueueWrites translates the action map into write commands for the
// device service, addressed by register role on each online inverter.
func (s *Service) enqueueWrites(out ModeOutput) {
	var commands []types.WriteCommand
	now := s.now().UTC()

	for _, dev := range s.cfg.Devices {
		switch dev.Type {
		case types.DeviceInverter:
			if out.WriteSolarLimit {
				if cmd, ok := s.limitCommand(dev, out.SolarLimitPct, now); ok {
					commands = append(commands, cmd)
				}
			}
			if out.WriteReactive {
				if cmd, ok := s.roleCommand(dev, types.RoleReactiveSetpoint, out.ReactiveKVAR, now); ok {
					commands = append(commands, cmd)
				}
			}
		case types.DeviceBattery:
			if out.WriteBattery {
				if cmd, ok := s.roleCommand(dev, types.RoleBatteryDischarge, out.BatteryDischargeKW, now); ok {
					commands = append(commands, cmd)
				}
			}
		}
	}

	if len(commands) == 0 {
		s.lastCommands = nil
		return
	}

	if err := s.store.Write(state.KeyWriteCommands, types.WriteCommandQueue{Commands: commands}); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue write commands")
		s.lastCommands = nil
		return
	}
	s.lastCommands = s.lastCommands[:0]
	for _, cmd := range commands {
		s.lastCommands = append(s.lastCommands, cmd.ID)
	}
}

// limitCommand builds the verified solar-limit write, composite with the
// enable register when the inverter has one.
func (s *Service) limitCommand(dev types.Device, pct float64, now time.Time) (types.WriteCommand, bool) {
	limit, ok := registerByRole(dev, types.RoleSolarLimitPct)
	if !ok {
		return types.WriteCommand{}, false
	}
	cmd := types.WriteCommand{
		ID:         uuid.NewString(),
		DeviceID:   dev.ID,
		Register:   limit.Name,
		Value:      pct,
		Verify:     true,
		EnqueuedAt: now,
	}
	if enable, ok := registerByRole(dev, types.RoleSolarLimitEnable); ok {
		cmd.EnableRegister = enable.Name
		cmd.EnableValue = 1
	}
	return cmd, true
}

func (s *Service) roleCommand(dev types.Device, role string, value float64, now time.Time) (types.WriteCommand, bool) {
	reg, ok := registerByRole(dev, role)
	if !ok {
		return types.WriteCommand{}, false
	}
	return types.WriteCommand{
		ID:         uuid.NewString(),
		DeviceID:   dev.ID,
		Register:   reg.Name,
		Value:      value,
		EnqueuedAt: now,
	}, true
}

func registerByRole(dev types.Device, role string) (types.Register, bool) {
	for _, r := range dev.Registers {
		if r.Role == role {
			return r, true
		}
	}
	return types.Register{}, false
}
