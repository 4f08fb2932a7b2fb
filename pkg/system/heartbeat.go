package system

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/cloud"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/store"
	"github.com/volteria/controller/pkg/types"
)

const (
	// heartbeatRetries is the number of in-beat retries. With a 1 s initial
	// interval and no jitter the delay series is 1, 2, 4, 8, 16 seconds.
	heartbeatRetries = 5

	// heartbeatFailureThreshold is the number of consecutive missed beats
	// before the failure is logged loudly. Fleet monitoring alerts on the
	// missing rows; the controller keeps running.
	heartbeatFailureThreshold = 5
)

// heartbeatPayload is one controller_heartbeats row.
type heartbeatPayload struct {
	ControllerID     string             `json:"controller_id"`
	SiteID           string             `json:"site_id"`
	FirmwareVersion  string             `json:"firmware_version"`
	ConfigVersion    string             `json:"config_version"`
	Timestamp        string             `json:"timestamp"`
	UptimeSeconds    uint64             `json:"uptime_seconds"`
	CPUPercent       float64            `json:"cpu_percent"`
	MemoryPercent    float64            `json:"memory_percent"`
	DiskPercent      float64            `json:"disk_percent"`
	TemperatureC     float64            `json:"temperature_c"`
	Services         map[string]string  `json:"services"`
	Aggregates       map[string]float64 `json:"aggregates,omitempty"`
	ActiveAlarmCount int                `json:"active_alarm_count"`
}

// heartbeater posts a controller heartbeat every interval. Each beat gets
// its own longer retry series on top of the client's short one because a
// missed beat is what fleet monitoring pages on.
type heartbeater struct {
	cfg     *types.SiteConfig
	shared  state.Store
	db      *store.Store
	client  *cloud.Client
	monitor *healthMonitor
	version string
	logger  zerolog.Logger

	mu    sync.Mutex
	fails int

	now func() time.Time
}

func newHeartbeater(cfg *types.SiteConfig, shared state.Store, db *store.Store, client *cloud.Client, monitor *healthMonitor, version string) *heartbeater {
	return &heartbeater{
		cfg:     cfg,
		shared:  shared,
		db:      db,
		client:  client,
		monitor: monitor,
		version: version,
		logger:  log.WithComponent("heartbeat"),
		now:     time.Now,
	}
}

// beat builds and sends one heartbeat.
func (h *heartbeater) beat(ctx context.Context, stats Stats) {
	if !h.client.Configured() {
		return
	}

	payload := h.build(stats)
	if err := h.send(ctx, payload); err != nil {
		fails := h.bumpFails()
		if fails == heartbeatFailureThreshold {
			h.logger.Error().
				Int("consecutive_failures", fails).
				Err(err).
				Msg("heartbeat delivery failing, controller invisible to fleet monitoring")
		} else {
			h.logger.Warn().Int("consecutive_failures", fails).Err(err).Msg("heartbeat failed")
		}
		return
	}

	if h.resetFails() >= heartbeatFailureThreshold {
		h.logger.Info().Msg("heartbeat delivery recovered")
	}
}

func (h *heartbeater) bumpFails() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fails++
	return h.fails
}

// resetFails clears the counter and returns its prior value.
func (h *heartbeater) resetFails() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	prior := h.fails
	h.fails = 0
	return prior
}

func (h *heartbeater) failCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fails
}

func (h *heartbeater) build(stats Stats) heartbeatPayload {
	p := heartbeatPayload{
		ControllerID:    h.cfg.ControllerID,
		SiteID:          h.cfg.SiteID,
		FirmwareVersion: h.version,
		ConfigVersion:   h.cfg.UpdatedAt.UTC().Format(time.RFC3339),
		Timestamp:       h.now().UTC().Format(time.RFC3339),
		UptimeSeconds:   stats.UptimeSeconds,
		CPUPercent:      stats.CPUPercent,
		MemoryPercent:   stats.MemoryPercent,
		DiskPercent:     stats.DiskPercent,
		TemperatureC:    stats.TemperatureC,
		Services:        h.serviceStatuses(),
	}

	var readings types.ReadingsDocument
	if found, err := h.shared.Read(state.KeyReadings, &readings); err == nil && found {
		p.Aggregates = readings.Aggregates
	}

	if n, err := h.db.ActiveAlarmCount(); err == nil {
		p.ActiveAlarmCount = n
	}
	return p
}

func (h *heartbeater) serviceStatuses() map[string]string {
	out := map[string]string{"system": string(types.StatusHealthy)}
	var doc map[string]serviceHealth
	if found, err := h.shared.Read(state.KeyServiceHealth, &doc); err != nil || !found {
		return out
	}
	for _, target := range h.monitor.targets {
		if entry, ok := doc[target.Name]; ok {
			out[target.Name] = string(entry.Status)
		}
	}
	return out
}

// send retries the post on the 1-16 s series. The circuit breaker and 4xx
// responses cut the series short: neither gets better by waiting 16 s.
func (h *heartbeater) send(ctx context.Context, payload heartbeatPayload) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 16 * time.Second

	op := func() error {
		err := h.client.Insert(ctx, "controller_heartbeats", []heartbeatPayload{payload}, "")
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrCircuitOpen) {
			return backoff.Permanent(err)
		}
		var se *types.SyncError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, heartbeatRetries), ctx))
}
