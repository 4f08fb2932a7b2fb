package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

func controlConfig() *types.SiteConfig {
	return &types.SiteConfig{
		SiteID: "site-1",
		Mode:   types.ModeZeroGeneratorFeed,
		ModeSettings: types.ModeSettings{
			ZeroGenFeed: &types.ZeroGenFeedSettings{DGReserveKW: 10},
		},
		SafeMode: types.SafeModeConfig{
			Policy:       types.SafeModeTimeBased,
			TimeoutS:     30,
			PowerLimitKW: 0,
		},
		Devices: []types.Device{
			{
				ID:           "inv-1",
				Type:         types.DeviceInverter,
				RatedPowerKW: 100,
				Registers: []types.Register{
					{Name: "active_power", Kind: types.RegisterHolding, Encoding: types.EncodingUint16, Access: types.AccessRead, Role: types.RoleSolarActivePower},
					{Name: "power_limit", Kind: types.RegisterHolding, Encoding: types.EncodingUint16, Access: types.AccessReadWrite, Role: types.RoleSolarLimitPct},
					{Name: "limit_enable", Kind: types.RegisterHolding, Encoding: types.EncodingUint16, Access: types.AccessReadWrite, Role: types.RoleSolarLimitEnable},
				},
			},
			{
				ID:   "meter-1",
				Type: types.DeviceLoadMeter,
				Registers: []types.Register{
					{Name: "load_power", Kind: types.RegisterHolding, Encoding: types.EncodingUint16, Access: types.AccessRead, Role: types.RoleLoadActivePower},
				},
			},
			{
				ID:   "gen-1",
				Type: types.DeviceGenerator,
				Registers: []types.Register{
					{Name: "gen_power", Kind: types.RegisterHolding, Encoding: types.EncodingUint16, Access: types.AccessRead, Role: types.RoleGenActivePower},
				},
			},
		},
	}
}

func readingsDoc(now time.Time, online map[string]bool, aggregates map[string]float64) types.ReadingsDocument {
	doc := types.ReadingsDocument{
		Timestamp:  now,
		Devices:    make(map[string]types.DeviceSnapshot),
		Aggregates: aggregates,
	}
	for id, up := range online {
		doc.Devices[id] = types.DeviceSnapshot{Online: up, LastSeen: now.Add(-time.Minute)}
	}
	return doc
}

func controlService(t *testing.T, cfg *types.SiteConfig) (*Service, state.Store) {
	t.Helper()
	store, err := state.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(cfg, store), store
}

func TestCyclePublishesControlState(t *testing.T) {
	s, store := controlService(t, controlConfig())
	now := time.Unix(5000, 0)
	s.now = func() time.Time { return now }
	s.safe.now = s.now

	doc := readingsDoc(now, map[string]bool{"inv-1": true, "meter-1": true, "gen-1": true},
		map[string]float64{
			types.RoleLoadActivePower:  60,
			types.RoleSolarActivePower: 20,
			types.RoleGenActivePower:   40,
		})
	require.NoError(t, store.Write(state.KeyReadings, doc))

	s.cycle(context.Background())

	var cs types.ControlState
	found, err := store.ReadFresh(state.KeyControlState, &cs)
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, 50.0, cs.SolarLimitKW)
	assert.Equal(t, 50.0, cs.SolarLimitPct)
	assert.Equal(t, "load_meter", cs.LoadSource)
	assert.Equal(t, 60.0, cs.TotalLoadKW)
	assert.Equal(t, 1, cs.LoadMetersOnline)
	assert.Equal(t, 1, cs.InvertersOnline)
	assert.False(t, cs.SafeModeActive)
	assert.Equal(t, types.ModeZeroGeneratorFeed, cs.Mode)
}

func TestCycleEnqueuesCompositeLimitWrite(t *testing.T) {
	s, store := controlService(t, controlConfig())
	now := time.Unix(5000, 0)
	s.now = func() time.Time { return now }
	s.safe.now = s.now

	doc := readingsDoc(now, map[string]bool{"inv-1": true, "meter-1": true},
		map[string]float64{types.RoleLoadActivePower: 60})
	require.NoError(t, store.Write(state.KeyReadings, doc))

	s.cycle(context.Background())

	var queue types.WriteCommandQueue
	found, err := store.ReadFresh(state.KeyWriteCommands, &queue)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, queue.Commands, 1)

	cmd := queue.Commands[0]
	assert.Equal(t, "inv-1", cmd.DeviceID)
	assert.Equal(t, "power_limit", cmd.Register)
	assert.Equal(t, 50.0, cmd.Value)
	assert.True(t, cmd.Verify)
	assert.Equal(t, "limit_enable", cmd.EnableRegister)
	assert.Equal(t, 1.0, cmd.EnableValue)
}

func TestCycleSafeModeOverridesLimit(t *testing.T) {
	s, store := controlService(t, controlConfig())
	now := time.Unix(5000, 0)
	s.now = func() time.Time { return now }
	s.safe.now = s.now

	// Inverter offline for a minute trips the time-based policy.
	doc := readingsDoc(now, map[string]bool{"inv-1": false, "meter-1": true},
		map[string]float64{types.RoleLoadActivePower: 60})
	require.NoError(t, store.Write(state.KeyReadings, doc))

	s.cycle(context.Background())

	var cs types.ControlState
	found, err := store.ReadFresh(state.KeyControlState, &cs)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cs.SafeModeActive)
	assert.Equal(t, 0.0, cs.SolarLimitPct)
	assert.Contains(t, cs.SafeModeReason, "inv-1")

	var sm types.SafeModeState
	found, err = store.ReadFresh(state.KeySafeModeState, &sm)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, sm.Active)
}

func TestCycleHoldsPreviousLimitOnMissingInput(t *testing.T) {
	s, store := controlService(t, controlConfig())
	now := time.Unix(5000, 0)
	s.now = func() time.Time { return now }
	s.safe.now = s.now

	doc := readingsDoc(now, map[string]bool{"inv-1": true, "meter-1": true},
		map[string]float64{types.RoleLoadActivePower: 60})
	require.NoError(t, store.Write(state.KeyReadings, doc))
	s.cycle(context.Background())

	// Meter now reads zero: no fresh estimate, limit held.
	doc = readingsDoc(now, map[string]bool{"inv-1": true, "meter-1": true}, map[string]float64{})
	require.NoError(t, store.Write(state.KeyReadings, doc))
	s.cycle(context.Background())

	var cs types.ControlState
	found, err := store.ReadFresh(state.KeyControlState, &cs)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 50.0, cs.SolarLimitPct)
	assert.Contains(t, cs.Reason, "holding previous limit")
}

func TestCycleConfigWarningsForceSafeLimit(t *testing.T) {
	cfg := controlConfig()
	cfg.ModeSettings.ZeroGenFeed = nil
	s, store := controlService(t, cfg)
	now := time.Unix(5000, 0)
	s.now = func() time.Time { return now }
	s.safe.now = s.now

	doc := readingsDoc(now, map[string]bool{"inv-1": true, "meter-1": true},
		map[string]float64{types.RoleLoadActivePower: 60})
	require.NoError(t, store.Write(state.KeyReadings, doc))

	s.cycle(context.Background())

	var cs types.ControlState
	found, err := store.ReadFresh(state.KeyControlState, &cs)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0.0, cs.SolarLimitPct)
	assert.Contains(t, cs.Reason, "mode configuration incomplete")
}

func TestCycleExternalTrigger(t *testing.T) {
	s, store := controlService(t, controlConfig())
	now := time.Unix(5000, 0)
	s.now = func() time.Time { return now }
	s.safe.now = s.now

	doc := readingsDoc(now, map[string]bool{"inv-1": true, "meter-1": true},
		map[string]float64{types.RoleLoadActivePower: 60})
	require.NoError(t, store.Write(state.KeyReadings, doc))
	require.NoError(t, store.Write(state.KeySafeModeTrigger, types.SafeModeTrigger{
		Active:      true,
		Reason:      "device service unrecoverable",
		TriggeredBy: "supervisor",
	}))

	s.cycle(context.Background())

	var cs types.ControlState
	found, err := store.ReadFresh(state.KeyControlState, &cs)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cs.SafeModeActive)
	assert.Equal(t, "device service unrecoverable", cs.SafeModeReason)
}

func TestWriteSuccessFeedback(t *testing.T) {
	s, store := controlService(t, controlConfig())
	now := time.Unix(5000, 0)
	s.now = func() time.Time { return now }
	s.safe.now = s.now

	doc := readingsDoc(now, map[string]bool{"inv-1": true, "meter-1": true},
		map[string]float64{types.RoleLoadActivePower: 60})
	require.NoError(t, store.Write(state.KeyReadings, doc))

	s.cycle(context.Background())
	require.Len(t, s.lastCommands, 1)
	cmdID := s.lastCommands[0]

	// Device service reports the write failed.
	require.NoError(t, store.Write(state.KeyWriteResults, map[string]types.WriteResult{
		cmdID: {CommandID: cmdID, Success: false, Error: "not taken"},
	}))
	s.cycle(context.Background())

	var cs types.ControlState
	found, err := store.ReadFresh(state.KeyControlState, &cs)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, cs.WriteSuccess)
}
