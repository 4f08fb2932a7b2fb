package control

import (
	"fmt"
	"sort"
	"time"

	"github.com/volteria/controller/pkg/types"
)

// Rolling-average policy defaults.
const (
	defaultWindow       = 3 * time.Minute
	defaultThresholdPct = 80.0
	defaultMinSamples   = 10
)

type sample struct {
	at      time.Time
	loadKW  float64
	solarKW float64
}

// SafeModeInput is one cycle's view for the safe-mode decision.
type SafeModeInput struct {
	// Offline maps device id to how long it has been unreachable.
	Offline map[string]time.Duration

	LoadKW  float64
	SolarKW float64

	// External is a trigger raised outside the control loop, typically by
	// the supervisor on unrecoverable service failure.
	External *types.SafeModeTrigger
}

// SafeMode decides whether the site must fall back to its safe power limit.
// It implements the two configured policies: time_based trips on device
// outage alone, rolling_average additionally requires solar to be carrying
// a dangerous share of the load.
type SafeMode struct {
	cfg     types.SafeModeConfig
	samples []sample
	state   types.SafeModeState

	now func() time.Time
}

// NewSafeMode creates the supervisor for one loaded config.
func NewSafeMode(cfg types.SafeModeConfig) *SafeMode {
	return &SafeMode{cfg: cfg, now: time.Now}
}

// State returns the current published state.
func (s *SafeMode) State() types.SafeModeState { return s.state }

func (s *SafeMode) timeout() time.Duration {
	if s.cfg.TimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.cfg.TimeoutS) * time.Second
}

func (s *SafeMode) window() time.Duration {
	if s.cfg.WindowS <= 0 {
		return defaultWindow
	}
	return time.Duration(s.cfg.WindowS) * time.Second
}

func (s *SafeMode) threshold() float64 {
	if s.cfg.ThresholdPct <= 0 {
		return defaultThresholdPct
	}
	return s.cfg.ThresholdPct
}

func (s *SafeMode) minSamples() int {
	if s.cfg.MinSamples <= 0 {
		return defaultMinSamples
	}
	return s.cfg.MinSamples
}

// Evaluate folds one cycle into the supervisor and returns the new state.
func (s *SafeMode) Evaluate(in SafeModeInput) types.SafeModeState {
	now := s.now()

	if in.External != nil && in.External.Active {
		s.trigger(now, in.External.Reason, in.External.TriggeredBy)
		return s.state
	}

	switch s.cfg.Policy {
	case types.SafeModeRollingAverage:
		s.evaluateRollingAverage(now, in)
	default:
		s.evaluateTimeBased(now, in)
	}
	return s.state
}

// evaluateTimeBased trips when any monitored device has been offline past
// the timeout and clears only once every device is back.
func (s *SafeMode) evaluateTimeBased(now time.Time, in SafeModeInput) {
	id, dur, tripped := s.longestOutage(in.Offline)
	if tripped {
		s.trigger(now, fmt.Sprintf("Device %s offline for %ds", id, int(dur.Seconds())), "")
		return
	}
	if len(in.Offline) == 0 {
		s.clear()
	}
}

// evaluateRollingAverage maintains the (load, solar) window and trips only
// when an outage coincides with solar carrying at least the threshold share
// of load over the window.
func (s *SafeMode) evaluateRollingAverage(now time.Time, in SafeModeInput) {
	s.samples = append(s.samples, sample{at: now, loadKW: in.LoadKW, solarKW: in.SolarKW})
	cutoff := now.Add(-s.window())
	for len(s.samples) > 0 && s.samples[0].at.Before(cutoff) {
		s.samples = s.samples[1:]
	}

	if len(s.samples) < s.minSamples() {
		return
	}

	ratio := s.solarShare()
	id, dur, outage := s.longestOutage(in.Offline)

	if outage && ratio >= s.threshold() {
		s.trigger(now, fmt.Sprintf("solar %.0f%% of load while device %s offline for %ds",
			ratio, id, int(dur.Seconds())), "")
		return
	}
	// Recovery is immediate once either leg of the condition drops.
	if len(in.Offline) == 0 || ratio < s.threshold() {
		s.clear()
	}
}

// solarShare is mean(solar)/mean(load) over the window, in percent. A dead
// load bus with live solar is the dangerous case and reads as 100%.
func (s *SafeMode) solarShare() float64 {
	var sumLoad, sumSolar float64
	for _, sm := range s.samples {
		sumLoad += sm.loadKW
		sumSolar += sm.solarKW
	}
	meanLoad := sumLoad / float64(len(s.samples))
	meanSolar := sumSolar / float64(len(s.samples))

	if meanLoad == 0 {
		if meanSolar > 0 {
			return 100
		}
		return 0
	}
	return 100 * meanSolar / meanLoad
}

// longestOutage returns the device that has been offline longest, if any
// outage has reached the timeout.
func (s *SafeMode) longestOutage(offline map[string]time.Duration) (string, time.Duration, bool) {
	ids := make([]string, 0, len(offline))
	for id := range offline {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var worstID string
	var worst time.Duration
	for _, id := range ids {
		if offline[id] > worst {
			worstID, worst = id, offline[id]
		}
	}
	return worstID, worst, worst >= s.timeout()
}

func (s *SafeMode) trigger(now time.Time, reason, service string) {
	if s.state.Active {
		return
	}
	s.state = types.SafeModeState{
		Active:         true,
		TriggeredAt:    now,
		Reason:         reason,
		TriggerService: service,
	}
}

func (s *SafeMode) clear() {
	if !s.state.Active {
		return
	}
	s.state = types.SafeModeState{}
}
