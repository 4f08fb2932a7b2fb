package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/api"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/modbus"
	"github.com/volteria/controller/pkg/sched"
	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

// pollTick is the fixed service tick; individual registers advance on
// their own due-by timestamps and are read at most once per tick.
const pollTick = 100 * time.Millisecond

// Service polls configured devices, maintains the device manager, serves
// queued write commands and publishes the readings document.
type Service struct {
	cfg    *types.SiteConfig
	store  state.Store
	pool   *modbus.Pool
	mgr    *Manager
	reader *modbus.Reader
	writer *modbus.Writer

	runner *sched.Runner
	health *api.HealthServer
	logger zerolog.Logger

	due map[string]time.Time

	now func() time.Time
}

// NewService creates the device service.
func NewService(cfg *types.SiteConfig, store state.Store, pool *modbus.Pool) *Service {
	s := &Service{
		cfg:    cfg,
		store:  store,
		pool:   pool,
		mgr:    NewManager(cfg.Devices),
		reader: modbus.NewReader(),
		writer: modbus.NewWriter(),
		logger: log.WithService("device"),
		due:    make(map[string]time.Time),
		now:    time.Now,
	}
	s.runner = sched.NewRunner("device-poll", pollTick, s.tick)
	s.health = api.NewHealthServer("device", api.PortDevice, s.status)
	return s
}

// Name implements supervisor.Service.
func (s *Service) Name() string { return "device" }

// Critical implements supervisor.Service.
func (s *Service) Critical() bool { return true }

// HealthURL implements supervisor.Service.
func (s *Service) HealthURL() string { return s.health.URL() }

// Manager exposes the device manager for in-process readers (heartbeat).
func (s *Service) Manager() *Manager { return s.mgr }

// Start begins polling.
func (s *Service) Start() error {
	if err := s.health.Start(); err != nil {
		return &types.ServiceError{Service: "device", Err: err}
	}
	s.pool.Start()
	s.runner.Start()
	s.logger.Info().Int("devices", len(s.cfg.Devices)).Msg("device service started")
	return nil
}

// Stop stops polling and closes connections.
func (s *Service) Stop() {
	s.runner.Stop()
	s.pool.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.health.Stop(ctx)
	s.logger.Info().Msg("device service stopped")
}

func (s *Service) status() (types.ServiceStatus, map[string]any) {
	online := 0
	for _, t := range []types.DeviceType{types.DeviceInverter, types.DeviceLoadMeter, types.DeviceGenerator, types.DeviceBattery, types.DeviceSensor} {
		online += s.mgr.OnlineCount(t)
	}
	return types.StatusHealthy, map[string]any{
		"device_count":   len(s.cfg.Devices),
		"devices_online": online,
	}
}

func (s *Service) tick(ctx context.Context) {
	for _, dev := range s.mgr.Devices() {
		if !s.mgr.ShouldPoll(dev.ID) {
			continue
		}
		s.pollDevice(ctx, dev)
	}

	s.processWriteCommands(ctx)

	if err := s.store.Write(state.KeyReadings, s.mgr.Snapshot()); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish readings")
	}
}

// pollDevice reads every due register of one device. A transport-class
// failure marks the whole device failed for this cycle and skips its
// remaining registers; one summary line is logged instead of per-register
// errors.
func (s *Service) pollDevice(ctx context.Context, dev types.Device) {
	now := s.now()

	var due []types.Register
	for _, reg := range dev.Registers {
		if reg.Kind == types.RegisterVirtual || reg.Access == types.AccessWrite {
			continue
		}
		key := dev.ID + "/" + reg.Name
		if now.Before(s.due[key]) {
			continue
		}
		s.due[key] = now.Add(reg.PollPeriod())
		due = append(due, reg)
	}
	if len(due) == 0 {
		return
	}

	conn, err := s.pool.Get(dev.Transport)
	if err != nil {
		s.connectionFailed(dev, err, len(due))
		return
	}

	for _, reg := range due {
		value, err := s.readOne(ctx, conn, dev, reg)
		if err == nil {
			s.mgr.UpdateReading(types.Reading{
				DeviceID:  dev.ID,
				Register:  reg.Name,
				Value:     value.Float,
				Text:      value.Text,
				Unit:      reg.Unit,
				Timestamp: sched.AlignDown(now, reg.LogPeriod()),
				Source:    types.SourceLive,
			})
			s.mgr.MarkSuccess(dev.ID)
			continue
		}

		if types.IsCommunicationError(err) {
			s.connectionFailed(dev, err, len(due))
			return
		}

		// Register-specific: confined to this register, device stays up.
		count, crossed := s.mgr.RegisterFailure(dev.ID, reg.Name)
		s.logger.Debug().
			Str("device_id", dev.ID).
			Str("register", reg.Name).
			Int("failures", count).
			Err(err).
			Msg("register read failed")
		if crossed {
			s.reportRegisterAlert(dev, reg, count)
		}
	}
}

// readOne holds the serial bus mutex across the full read-with-retries
// sequence when the device sits on an RTU-direct port.
func (s *Service) readOne(ctx context.Context, conn *modbus.Conn, dev types.Device, reg types.Register) (modbus.Value, error) {
	if mu := conn.BusMutex(); mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	return s.reader.ReadRegister(ctx, conn, dev.SlaveID, reg)
}

func (s *Service) connectionFailed(dev types.Device, err error, skipped int) {
	s.logger.Warn().
		Str("device_id", dev.ID).
		Int("registers_skipped", skipped).
		Err(err).
		Msg("device connection failed for this cycle")

	s.mgr.MarkFailure(dev.ID, err)
	if dev.Transport.Serial() {
		s.pool.Reconnect(dev.Transport.SerialPort)
	}
}

func (s *Service) reportRegisterAlert(dev types.Device, reg types.Register, count int) {
	alert := types.AlertRequest{
		Type:       types.AlarmRegisterReadFailed,
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		Message:    fmt.Sprintf("Register %s on %s failed %d consecutive reads", reg.Name, dev.Name, count),
		Severity:   types.SeverityMajor,
		Timestamp:  s.now().UTC(),
	}
	if err := state.AppendAlert(s.store, alert); err != nil {
		s.logger.Error().Err(err).Msg("failed to queue register alert")
	}
}

// processWriteCommands drains the write_commands queue the control service
// fills, decoupling device I/O from the control cadence. Results go to the
// write_results document keyed by command id.
func (s *Service) processWriteCommands(ctx context.Context) {
	var queue types.WriteCommandQueue
	found, err := s.store.ReadFresh(state.KeyWriteCommands, &queue)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read write commands")
		return
	}
	if !found || len(queue.Commands) == 0 {
		return
	}

	results := make(map[string]any, len(queue.Commands))
	for _, cmd := range queue.Commands {
		res := s.executeWrite(ctx, cmd)
		results[cmd.ID] = res
		if !res.Success {
			s.logger.Error().
				Str("command_id", cmd.ID).
				Str("device_id", cmd.DeviceID).
				Str("register", cmd.Register).
				Str("error", res.Error).
				Msg("write command failed")
		}
	}

	if err := s.store.Write(state.KeyWriteCommands, types.WriteCommandQueue{}); err != nil {
		s.logger.Error().Err(err).Msg("failed to clear write commands")
	}
	if err := s.store.Update(state.KeyWriteResults, results); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish write results")
	}
}

func (s *Service) executeWrite(ctx context.Context, cmd types.WriteCommand) types.WriteResult {
	res := types.WriteResult{CommandID: cmd.ID, FinishedAt: s.now().UTC()}

	dev, ok := s.mgr.Device(cmd.DeviceID)
	if !ok {
		res.Error = "unknown device " + cmd.DeviceID
		return res
	}
	reg, ok := dev.Register(cmd.Register)
	if !ok {
		res.Error = "unknown register " + cmd.Register
		return res
	}

	conn, err := s.pool.Get(dev.Transport)
	if err != nil {
		s.mgr.MarkFailure(dev.ID, err)
		res.Error = err.Error()
		return res
	}

	switch {
	case cmd.EnableRegister != "":
		enable, ok := dev.Register(cmd.EnableRegister)
		if !ok {
			res.Error = "unknown enable register " + cmd.EnableRegister
			return res
		}
		err = s.writer.SetSolarLimit(ctx, conn, dev.SlaveID, enable, reg, cmd.EnableValue, cmd.Value)
	case cmd.Verify:
		err = s.writer.WriteAndVerify(ctx, conn, dev.SlaveID, reg, cmd.Value)
	default:
		err = s.writer.Write(ctx, conn, dev.SlaveID, reg, cmd.Value)
	}

	if err != nil {
		res.Error = err.Error()
		var cnt *types.CommandNotTakenError
		if errors.As(err, &cnt) {
			s.reportCommandNotTaken(dev, reg, cnt)
		}
		return res
	}

	res.Success = true
	return res
}

func (s *Service) reportCommandNotTaken(dev types.Device, reg types.Register, cnt *types.CommandNotTakenError) {
	alert := types.AlertRequest{
		Type:       types.AlarmCommandNotTaken,
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		Message:    fmt.Sprintf("Write to %s not taken: wrote %g, read back %g", reg.Name, cnt.Written, cnt.ReadBack),
		Severity:   types.SeverityCritical,
		Timestamp:  s.now().UTC(),
	}
	if err := state.AppendAlert(s.store, alert); err != nil {
		s.logger.Error().Err(err).Msg("failed to queue command-not-taken alert")
	}
}
