package control

import (
	"fmt"
	"math"

	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/types"
)

// ModeInput is the per-cycle view an operation mode calculates from.
type ModeInput struct {
	Aggregates map[string]float64

	LoadMetersOnline int
	GeneratorsOnline int
	InvertersOnline  int
	BatteriesOnline  int

	InverterCapacityKW float64
}

// ModeOutput is an operation mode's decision for one cycle. The Write*
// flags are the action map: they tell the control service which commands
// to enqueue.
type ModeOutput struct {
	SolarLimitPct float64
	SolarLimitKW  float64
	LoadSource    string
	Reason        string

	ReactiveKVAR       float64
	BatteryDischargeKW float64

	WriteSolarLimit bool
	WriteReactive   bool
	WriteBattery    bool

	// MissingInput marks a cycle with no usable load estimate. The control
	// service holds the previous limit or falls back to safe mode.
	MissingInput bool
}

// Mode is one control-law implementation. The set is closed: modeFor
// dispatches over the configured mode id.
type Mode interface {
	ID() types.ModeID
	RequiredDeviceTypes() []types.DeviceType

	// Validate returns human-readable warnings for missing or out-of-range
	// settings. Warnings do not abort the service; the control loop runs in
	// safe mode until the config is fixed.
	Validate(cfg *types.SiteConfig) []string

	Calculate(in ModeInput) ModeOutput
}

// modeFor resolves the configured mode id, mapping the legacy
// zero_dg_reverse alias and falling back to zero generator feed for
// anything unrecognized.
func modeFor(cfg *types.SiteConfig) Mode {
	switch cfg.Mode {
	case types.ModeZeroGeneratorFeed, types.ModeZeroDGReverse, "":
		return &zeroGenFeed{settings: cfg.ModeSettings.ZeroGenFeed}
	case types.ModeZeroDGPowerFactor:
		return &zeroDGPowerFactor{settings: cfg.ModeSettings.PowerFactor}
	case types.ModeZeroDGReactive:
		return &zeroDGReactive{settings: cfg.ModeSettings.Reactive}
	case types.ModePeakShaving:
		return &peakShaving{settings: cfg.ModeSettings.PeakShaving}
	}
	logger := log.WithService("control")
	logger.Warn().
		Str("mode", string(cfg.Mode)).
		Msg("unknown operation mode, falling back to zero_generator_feed")
	return &zeroGenFeed{settings: cfg.ModeSettings.ZeroGenFeed}
}

// round1 rounds to one decimal place.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// limitPct converts a kW limit to a percentage of inverter capacity,
// clamped to [0, 100] and rounded to one decimal. Zero capacity yields 0.
func limitPct(limitKW, capacityKW float64) float64 {
	if capacityKW <= 0 {
		return 0
	}
	return round1(clamp(100*limitKW/capacityKW, 0, 100))
}

// estimateLoad implements the off-grid load fallback chain: prefer live
// load meters, fall back to generator output (gen ≈ load when off-grid),
// otherwise report no fresh estimate.
func estimateLoad(in ModeInput) (loadKW float64, source string, ok bool) {
	if in.LoadMetersOnline > 0 {
		if load := in.Aggregates[types.RoleLoadActivePower]; load > 0 {
			return load, "load_meter", true
		}
	}
	if in.GeneratorsOnline > 0 {
		if gen := in.Aggregates[types.RoleGenActivePower]; gen > 0 {
			return gen, "generator_fallback", true
		}
	}
	return 0, "", false
}

// zeroGenFeed caps solar so the generators never see reverse power. The
// default mode.
type zeroGenFeed struct {
	settings *types.ZeroGenFeedSettings
}

func (m *zeroGenFeed) ID() types.ModeID { return types.ModeZeroGeneratorFeed }

func (m *zeroGenFeed) RequiredDeviceTypes() []types.DeviceType {
	return []types.DeviceType{types.DeviceInverter, types.DeviceGenerator}
}

func (m *zeroGenFeed) Validate(cfg *types.SiteConfig) []string {
	var warnings []string
	if m.settings == nil {
		warnings = append(warnings, "zero_generator_feed settings missing (dg_reserve_kw)")
	} else if m.settings.DGReserveKW < 0 {
		warnings = append(warnings, "dg_reserve_kw must be >= 0")
	}
	return warnings
}

func (m *zeroGenFeed) Calculate(in ModeInput) ModeOutput {
	load, source, ok := estimateLoad(in)
	if !ok {
		return ModeOutput{MissingInput: true, Reason: "no live load estimate"}
	}

	var reserve float64
	if m.settings != nil {
		reserve = m.settings.DGReserveKW
	}

	headroom := load - reserve
	limitKW := clamp(headroom, 0, in.InverterCapacityKW)
	return ModeOutput{
		SolarLimitPct:   limitPct(limitKW, in.InverterCapacityKW),
		SolarLimitKW:    limitKW,
		LoadSource:      source,
		Reason:          fmt.Sprintf("load %.1f kW, reserve %.1f kW", load, reserve),
		WriteSolarLimit: true,
	}
}

// zeroDGPowerFactor is zero generator feed plus a reactive-power setpoint
// holding the generators at a target power factor.
type zeroDGPowerFactor struct {
	settings *types.PowerFactorSettings
}

func (m *zeroDGPowerFactor) ID() types.ModeID { return types.ModeZeroDGPowerFactor }

func (m *zeroDGPowerFactor) RequiredDeviceTypes() []types.DeviceType {
	return []types.DeviceType{types.DeviceInverter, types.DeviceGenerator}
}

func (m *zeroDGPowerFactor) Validate(cfg *types.SiteConfig) []string {
	var warnings []string
	if m.settings == nil {
		return append(warnings, "zero_dg_power_factor settings missing (dg_reserve_kw, target_pf)")
	}
	if m.settings.DGReserveKW < 0 {
		warnings = append(warnings, "dg_reserve_kw must be >= 0")
	}
	if m.settings.TargetPF < 0 || m.settings.TargetPF > 1 {
		warnings = append(warnings, "target_pf must be within [0, 1]")
	}
	return warnings
}

func (m *zeroDGPowerFactor) Calculate(in ModeInput) ModeOutput {
	load, source, ok := estimateLoad(in)
	if !ok {
		return ModeOutput{MissingInput: true, Reason: "no live load estimate"}
	}

	var reserve, targetPF float64
	writeReactive := false
	if m.settings != nil {
		reserve = m.settings.DGReserveKW
		targetPF = m.settings.TargetPF
		writeReactive = m.settings.WriteReactive
	}

	limitKW := clamp(load-reserve, 0, in.InverterCapacityKW)
	out := ModeOutput{
		SolarLimitPct:   limitPct(limitKW, in.InverterCapacityKW),
		SolarLimitKW:    limitKW,
		LoadSource:      source,
		Reason:          fmt.Sprintf("load %.1f kW, reserve %.1f kW, target pf %.2f", load, reserve, targetPF),
		WriteSolarLimit: true,
	}

	// Q the generator may carry at the target power factor, derived from
	// its measured active power. Issued only when the site opts in.
	if writeReactive && targetPF > 0 && targetPF < 1 {
		genKW := in.Aggregates[types.RoleGenActivePower]
		out.ReactiveKVAR = round1(genKW * math.Tan(math.Acos(targetPF)))
		out.WriteReactive = true
	}
	return out
}

// zeroDGReactive caps the reactive power injection at |Q| <= q_max,
// preserving sign. It never curtails active power.
type zeroDGReactive struct {
	settings *types.ReactiveSettings
}

func (m *zeroDGReactive) ID() types.ModeID { return types.ModeZeroDGReactive }

func (m *zeroDGReactive) RequiredDeviceTypes() []types.DeviceType {
	return []types.DeviceType{types.DeviceInverter, types.DeviceGenerator}
}

func (m *zeroDGReactive) Validate(cfg *types.SiteConfig) []string {
	var warnings []string
	if m.settings == nil {
		warnings = append(warnings, "zero_dg_reactive settings missing (q_max_kvar)")
	} else if m.settings.QMaxKVAR < 0 {
		warnings = append(warnings, "q_max_kvar must be >= 0")
	}
	return warnings
}

func (m *zeroDGReactive) Calculate(in ModeInput) ModeOutput {
	var qMax float64
	if m.settings != nil {
		qMax = m.settings.QMaxKVAR
	}
	measured := in.Aggregates[types.RoleGenReactivePower]

	return ModeOutput{
		SolarLimitPct: 100,
		SolarLimitKW:  in.InverterCapacityKW,
		Reason:        fmt.Sprintf("reactive cap %.1f kvar", qMax),
		ReactiveKVAR:  clamp(measured, -qMax, qMax),
		WriteReactive: true,
	}
}

// peakShaving discharges the battery into load peaks above the threshold
// while the state of charge holds above the reserve.
type peakShaving struct {
	settings *types.PeakShavingSettings
}

func (m *peakShaving) ID() types.ModeID { return types.ModePeakShaving }

func (m *peakShaving) RequiredDeviceTypes() []types.DeviceType {
	return []types.DeviceType{types.DeviceLoadMeter, types.DeviceBattery}
}

func (m *peakShaving) Validate(cfg *types.SiteConfig) []string {
	var warnings []string
	if m.settings == nil {
		return append(warnings, "peak_shaving settings missing (peak_threshold_kw, battery_reserve_pct, battery_capacity_kw)")
	}
	if m.settings.PeakThresholdKW < 0 {
		warnings = append(warnings, "peak_threshold_kw must be >= 0")
	}
	if m.settings.BatteryReservePct < 0 || m.settings.BatteryReservePct > 100 {
		warnings = append(warnings, "battery_reserve_pct must be within [0, 100]")
	}
	return warnings
}

func (m *peakShaving) Calculate(in ModeInput) ModeOutput {
	load, source, ok := estimateLoad(in)
	if !ok {
		return ModeOutput{MissingInput: true, Reason: "no live load estimate"}
	}

	out := ModeOutput{
		SolarLimitPct: 100,
		SolarLimitKW:  in.InverterCapacityKW,
		LoadSource:    source,
	}
	if m.settings == nil {
		out.Reason = "peak shaving unconfigured"
		return out
	}

	soc := in.Aggregates[types.RoleBatterySOC]
	excess := load - m.settings.PeakThresholdKW
	if excess > 0 && soc > m.settings.BatteryReservePct {
		out.BatteryDischargeKW = math.Min(excess, m.settings.BatteryCapacityKW)
		out.WriteBattery = true
		out.Reason = fmt.Sprintf("shaving %.1f kW above %.1f kW peak, soc %.0f%%",
			out.BatteryDischargeKW, m.settings.PeakThresholdKW, soc)
	} else {
		out.Reason = fmt.Sprintf("load %.1f kW under %.1f kW peak", load, m.settings.PeakThresholdKW)
	}
	return out
}
