package logging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/cloud"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/metrics"
	"github.com/volteria/controller/pkg/store"
	"github.com/volteria/controller/pkg/types"
)

// Evaluator runs the configured threshold-alarm definitions against each
// readings snapshot and owns local alarm creation, cooldown, de-duplication
// and auto-resolution.
type Evaluator struct {
	siteID string
	defs   []types.AlarmDefinition
	db     *store.Store
	client *cloud.Client
	logger zerolog.Logger

	// lastTriggered keys cooldowns by (device-id|global, definition-id).
	lastTriggered map[string]time.Time

	now func() time.Time
}

// NewEvaluator creates the evaluator for one loaded config.
func NewEvaluator(cfg *types.SiteConfig, db *store.Store, client *cloud.Client) *Evaluator {
	return &Evaluator{
		siteID:        cfg.SiteID,
		defs:          cfg.Alarms,
		db:            db,
		client:        client,
		logger:        log.WithComponent("alarms"),
		lastTriggered: make(map[string]time.Time),
		now:           time.Now,
	}
}

// Evaluate runs every enabled definition against the snapshot. Heartbeat-
// sourced definitions read from the metrics map (cpu_percent and friends).
func (e *Evaluator) Evaluate(ctx context.Context, readings types.ReadingsDocument, heartbeat map[string]float64) {
	for _, def := range e.defs {
		if !def.Enabled {
			continue
		}
		for _, hit := range e.extract(def, readings, heartbeat) {
			e.evaluateOne(ctx, def, hit)
		}
	}
}

// valueHit is one extracted (device, value) pair for a definition.
type valueHit struct {
	deviceID   string
	deviceName string
	value      float64
}

// extract resolves the definition's source reference. Device-bound
// definitions read only their device; unbound register definitions search
// every device carrying the register.
func (e *Evaluator) extract(def types.AlarmDefinition, readings types.ReadingsDocument, heartbeat map[string]float64) []valueHit {
	switch def.Source.Type {
	case types.AlarmSourceRegister:
		var hits []valueHit
		for id, snap := range readings.Devices {
			if !snap.Online {
				continue
			}
			if def.Source.DeviceID != "" && def.Source.DeviceID != id {
				continue
			}
			if r, ok := snap.Readings[def.Source.Register]; ok {
				hits = append(hits, valueHit{deviceID: id, value: r.Value})
			}
		}
		return hits

	case types.AlarmSourceCalculated:
		if v, ok := readings.Aggregates[def.Source.Field]; ok {
			return []valueHit{{value: v}}
		}

	case types.AlarmSourceHeartbeat:
		if v, ok := heartbeat[def.Source.Field]; ok {
			return []valueHit{{value: v}}
		}

	case types.AlarmSourceDeviceInfo:
		if snap, ok := readings.Devices[def.Source.DeviceID]; ok && def.Source.Field == "online" {
			v := 0.0
			if snap.Online {
				v = 1
			}
			return []valueHit{{deviceID: def.Source.DeviceID, value: v}}
		}
	}
	return nil
}

// evaluateOne applies the ordered conditions: the first match wins, subject
// to cooldown and the one-active-row rule; no match auto-resolves.
func (e *Evaluator) evaluateOne(ctx context.Context, def types.AlarmDefinition, hit valueHit) {
	matched := e.firstMatch(def, hit.value)
	if matched == nil {
		e.autoResolve(ctx, def, hit.deviceID)
		return
	}

	key := cooldownKey(def.ID, hit.deviceID)
	now := e.now()
	if last, ok := e.lastTriggered[key]; ok && now.Sub(last) < def.Cooldown() {
		return
	}

	// De-duplication: at most one unresolved row per (site, type, device).
	if existing, err := e.db.ActiveAlarm(e.siteID, def.ID, hit.deviceID); err != nil {
		e.logger.Error().Err(err).Str("definition", def.ID).Msg("failed to check active alarm")
		return
	} else if existing != nil {
		e.lastTriggered[key] = now
		return
	}

	e.trigger(ctx, def, hit, *matched, now)
}

func (e *Evaluator) firstMatch(def types.AlarmDefinition, value float64) *types.AlarmCondition {
	for i := range def.Conditions {
		if def.Conditions[i].Operator.Match(value, def.Conditions[i].Threshold) {
			return &def.Conditions[i]
		}
	}
	return nil
}

func (e *Evaluator) trigger(ctx context.Context, def types.AlarmDefinition, hit valueHit, cond types.AlarmCondition, now time.Time) {
	message := cond.Message
	if message == "" {
		message = fmt.Sprintf("%s: value %g %s %g", def.Name, hit.value, cond.Operator, cond.Threshold)
	}

	row := store.AlarmRow{
		AlarmUUID:  uuid.NewString(),
		SiteID:     e.siteID,
		AlarmType:  def.ID,
		DeviceID:   hit.deviceID,
		DeviceName: hit.deviceName,
		Message:    message,
		Condition:  fmt.Sprintf("%s %g", cond.Operator, cond.Threshold),
		Severity:   string(cond.Severity),
		Timestamp:  now.UTC(),
	}
	if err := e.db.InsertAlarm(row); err != nil {
		e.logger.Error().Err(err).Str("definition", def.ID).Msg("failed to persist alarm")
		return
	}

	e.lastTriggered[cooldownKey(def.ID, hit.deviceID)] = now
	metrics.AlarmsTriggeredTotal.WithLabelValues(string(cond.Severity)).Inc()
	e.logger.Warn().
		Str("definition", def.ID).
		Str("device_id", hit.deviceID).
		Str("severity", string(cond.Severity)).
		Float64("value", hit.value).
		Msg(message)

	// Critical and major alarms ship immediately rather than waiting for
	// the next sync tick. Failure is fine: the row is unsynced locally.
	if cond.Severity == types.SeverityCritical || cond.Severity == types.SeverityMajor {
		e.uploadNow(ctx, row)
	}
}

func (e *Evaluator) uploadNow(ctx context.Context, row store.AlarmRow) {
	if !e.client.Configured() {
		return
	}
	if err := e.client.Insert(ctx, "alarms", []alarmPayload{alarmToPayload(row)}, "alarm_uuid"); err != nil {
		e.logger.Warn().Err(err).Str("alarm_uuid", row.AlarmUUID).Msg("immediate alarm upload failed")
	}
	// The row stays unsynced locally either way; the sync pass marks it
	// after its duplicate-ignoring re-insert.
}

// autoResolve fires on the first evaluation where no condition matches for
// a definition that has an unresolved alarm on this device.
func (e *Evaluator) autoResolve(ctx context.Context, def types.AlarmDefinition, deviceID string) {
	active, err := e.db.ActiveAlarm(e.siteID, def.ID, deviceID)
	if err != nil || active == nil {
		return
	}

	now := e.now().UTC()
	if err := e.db.ResolveAlarm(active.AlarmUUID, now); err != nil {
		e.logger.Error().Err(err).Str("alarm_uuid", active.AlarmUUID).Msg("failed to auto-resolve alarm")
		return
	}
	// The cooldown stamp stays: a condition flapping around the threshold
	// must not produce an alarm per flap.
	e.logger.Info().
		Str("definition", def.ID).
		Str("device_id", deviceID).
		Msg("alarm auto-resolved")

	if e.client.Configured() {
		err := e.client.Patch(ctx, "alarms",
			map[string]string{"alarm_uuid": "eq." + active.AlarmUUID},
			map[string]any{"resolved": true, "resolved_at": now.Format(time.RFC3339)})
		if err != nil {
			e.logger.Warn().Err(err).Str("alarm_uuid", active.AlarmUUID).Msg("cloud resolve failed, will ship with sync")
		}
	}
}

// RecordAlert persists an operational alert another service queued through
// shared state, with the same de-duplication rule as threshold alarms.
func (e *Evaluator) RecordAlert(ctx context.Context, alert types.AlertRequest) {
	existing, err := e.db.ActiveAlarm(e.siteID, alert.Type, alert.DeviceID)
	if err != nil {
		e.logger.Error().Err(err).Str("type", alert.Type).Msg("failed to check active alert")
		return
	}
	if existing != nil {
		return
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	row := store.AlarmRow{
		AlarmUUID:  uuid.NewString(),
		SiteID:     e.siteID,
		AlarmType:  alert.Type,
		DeviceID:   alert.DeviceID,
		DeviceName: alert.DeviceName,
		Message:    alert.Message,
		Severity:   string(alert.Severity),
		Timestamp:  ts.UTC(),
	}
	if err := e.db.InsertAlarm(row); err != nil {
		e.logger.Error().Err(err).Str("type", alert.Type).Msg("failed to persist alert")
		return
	}
	metrics.AlarmsTriggeredTotal.WithLabelValues(string(alert.Severity)).Inc()

	if alert.Severity == types.SeverityCritical || alert.Severity == types.SeverityMajor {
		e.uploadNow(ctx, row)
	}
}

func cooldownKey(defID, deviceID string) string {
	if deviceID == "" {
		return "global|" + defID
	}
	return deviceID + "|" + defID
}
