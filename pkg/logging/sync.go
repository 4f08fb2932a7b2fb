package logging

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/cloud"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/metrics"
	"github.com/volteria/controller/pkg/sched"
	"github.com/volteria/controller/pkg/store"
	"github.com/volteria/controller/pkg/types"
)

// syncBatchSize bounds one cloud upload.
const syncBatchSize = 100

// cloudOfflineAfter is how long without a successful sync before the
// CLOUD_SYNC_OFFLINE alarm raises.
const cloudOfflineAfter = time.Hour

// backfillPhase tracks where the two-phase backfill stands.
type backfillPhase int

const (
	backfillOff backfillPhase = iota
	backfillRecent
	backfillGaps
)

// Syncer ships local rows to the cloud: readings on one cadence, control
// logs and alarms on another, with per-register downsampling and two-phase
// backfill after extended outages.
type Syncer struct {
	siteID    string
	db        *store.Store
	client    *cloud.Client
	evaluator *Evaluator
	logger    zerolog.Logger

	// logPeriod maps device-id/register to the configured logging period.
	logPeriod map[string]time.Duration

	// lastBucket remembers the newest uploaded bucket per device/register so
	// later batches skip rows whose bucket already shipped.
	lastBucket map[string]time.Time

	backfillThreshold int
	phase             backfillPhase
	backfilled        int

	lastSuccess  time.Time
	offlineAlarm bool

	now func() time.Time
}

// NewSyncer creates the sync engine for one loaded config.
func NewSyncer(cfg *types.SiteConfig, db *store.Store, client *cloud.Client, evaluator *Evaluator) *Syncer {
	s := &Syncer{
		siteID:            cfg.SiteID,
		db:                db,
		client:            client,
		evaluator:         evaluator,
		logger:            log.WithComponent("sync"),
		logPeriod:         make(map[string]time.Duration),
		lastBucket:        make(map[string]time.Time),
		backfillThreshold: cfg.Logging.Normalize().BackfillThreshold,
		now:               time.Now,
	}
	for _, dev := range cfg.Devices {
		for _, reg := range dev.Registers {
			s.logPeriod[dev.ID+"/"+reg.Name] = reg.LogPeriod()
		}
	}
	s.lastSuccess = s.now()
	return s
}

// readingPayload is the cloud row shape for device readings.
type readingPayload struct {
	SiteID       string  `json:"site_id"`
	DeviceID     string  `json:"device_id"`
	RegisterName string  `json:"register_name"`
	Value        float64 `json:"value"`
	TextValue    string  `json:"text_value,omitempty"`
	Unit         string  `json:"unit,omitempty"`
	Source       string  `json:"source"`
	Timestamp    string  `json:"timestamp"`
}

type controlLogPayload struct {
	Timestamp          string  `json:"timestamp"`
	SiteID             string  `json:"site_id"`
	TotalLoadKW        float64 `json:"total_load_kw"`
	LoadMin            float64 `json:"load_min"`
	LoadMax            float64 `json:"load_max"`
	SolarOutputKW      float64 `json:"solar_output_kw"`
	SolarMin           float64 `json:"solar_min"`
	SolarMax           float64 `json:"solar_max"`
	DGPowerKW          float64 `json:"dg_power_kw"`
	SolarLimitPct      float64 `json:"solar_limit_pct"`
	SolarLimitKW       float64 `json:"solar_limit_kw"`
	SafeModeActive     bool    `json:"safe_mode_active"`
	ConfigMode         string  `json:"config_mode"`
	OperationMode      string  `json:"operation_mode"`
	LoadMetersOnline   int     `json:"load_meters_online"`
	InvertersOnline    int     `json:"inverters_online"`
	GeneratorsOnline   int     `json:"generators_online"`
	ExecutionTimeMs    int64   `json:"execution_time_ms"`
	DeviceReadingsJSON string  `json:"device_readings_json"`
}

type alarmPayload struct {
	AlarmUUID  string  `json:"alarm_uuid"`
	SiteID     string  `json:"site_id"`
	AlarmType  string  `json:"alarm_type"`
	DeviceID   string  `json:"device_id,omitempty"`
	DeviceName string  `json:"device_name,omitempty"`
	Message    string  `json:"message"`
	Condition  string  `json:"condition,omitempty"`
	Severity   string  `json:"severity"`
	Timestamp  string  `json:"timestamp"`
	Resolved   bool    `json:"resolved"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
}

func alarmToPayload(row store.AlarmRow) alarmPayload {
	p := alarmPayload{
		AlarmUUID:  row.AlarmUUID,
		SiteID:     row.SiteID,
		AlarmType:  row.AlarmType,
		DeviceID:   row.DeviceID,
		DeviceName: row.DeviceName,
		Message:    row.Message,
		Condition:  row.Condition,
		Severity:   row.Severity,
		Timestamp:  row.Timestamp.UTC().Format(time.RFC3339),
		Resolved:   row.Resolved,
	}
	if row.ResolvedAt != nil {
		s := row.ResolvedAt.UTC().Format(time.RFC3339)
		p.ResolvedAt = &s
	}
	return p
}

// SyncReadings is one readings-sync tick.
func (s *Syncer) SyncReadings(ctx context.Context) {
	if !s.client.Configured() {
		return
	}

	pending, err := s.db.PendingReadingCount()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to count pending readings")
		return
	}
	metrics.CloudSyncPendingRows.WithLabelValues("device_readings").Set(float64(pending))
	if pending == 0 {
		s.phase = backfillOff
		s.checkCloudHealth(ctx, true)
		return
	}

	newestFirst := false
	switch {
	case s.phase == backfillOff && pending > s.backfillThreshold:
		// Phase 1: one newest-first batch so dashboards show current data,
		// then flip to gap filling.
		s.phase = backfillRecent
		s.backfilled = 0
		newestFirst = true
		s.logger.Info().Int("pending", pending).Str("phase", "recent").Msg("entering backfill")
	case s.phase == backfillRecent:
		s.phase = backfillGaps
	case s.phase == backfillGaps && pending <= s.backfillThreshold:
		s.phase = backfillOff
		s.logger.Info().Int("uploaded", s.backfilled).Msg("backfill complete")
	}

	rows, err := s.db.UnsyncedReadings(syncBatchSize, newestFirst)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to select unsynced readings")
		return
	}

	selected, skippedIDs := s.downsample(rows)
	if len(selected) == 0 {
		// Every pending row maps into a bucket already represented; mark
		// them synced and move on.
		if err := s.db.MarkSynced("device_readings", skippedIDs, s.now().UTC()); err != nil {
			s.logger.Error().Err(err).Msg("failed to mark downsampled rows synced")
		}
		return
	}

	payload := make([]readingPayload, 0, len(selected))
	ids := make([]int64, 0, len(rows))
	for _, r := range selected {
		payload = append(payload, readingPayload{
			SiteID:       s.siteID,
			DeviceID:     r.DeviceID,
			RegisterName: r.RegisterName,
			Value:        r.Value,
			TextValue:    r.TextValue,
			Unit:         r.Unit,
			Source:       r.Source,
			Timestamp:    r.Timestamp.UTC().Format(time.RFC3339),
		})
		ids = append(ids, r.ID)
	}
	ids = append(ids, skippedIDs...)

	err = s.client.Insert(ctx, "device_readings", payload, "site_id,device_id,register_name,timestamp")
	if err != nil {
		metrics.CloudSyncBatchesTotal.WithLabelValues("device_readings", "error").Inc()
		s.logger.Warn().Err(err).Int("rows", len(payload)).Msg("readings upload failed")
		s.checkCloudHealth(ctx, false)
		return
	}
	metrics.CloudSyncBatchesTotal.WithLabelValues("device_readings", "ok").Inc()
	s.rememberBuckets(selected)

	if err := s.db.MarkSynced("device_readings", ids, s.now().UTC()); err != nil {
		s.logger.Error().Err(err).Msg("failed to mark readings synced")
		return
	}

	if s.phase != backfillOff {
		s.backfilled += len(ids)
		if s.backfilled%s.backfillThreshold < len(ids) {
			s.logger.Info().Int("uploaded", s.backfilled).Int("pending", pending-len(ids)).Msg("backfill progress")
		}
	}
	s.checkCloudHealth(ctx, true)
}

// downsample keeps one representative per (device, register, period
// bucket), aligned the way readings are timestamped. Rows whose bucket
// already has a representative, in this batch or a previously uploaded one,
// are returned as skipped; they are marked synced without uploading.
func (s *Syncer) downsample(rows []store.ReadingRow) (selected []store.ReadingRow, skippedIDs []int64) {
	seen := make(map[string]bool)
	for _, r := range rows {
		period, ok := s.logPeriod[r.DeviceID+"/"+r.RegisterName]
		if !ok {
			period = time.Minute
		}
		key := r.DeviceID + "/" + r.RegisterName
		bucket := sched.AlignDown(r.Timestamp.UTC(), period)
		// Equality, not ordering: backfill uploads older buckets after newer
		// ones, and those must not be skipped.
		if seen[key+"/"+bucket.Format(time.RFC3339)] || bucket.Equal(s.lastBucket[key]) {
			skippedIDs = append(skippedIDs, r.ID)
			continue
		}
		seen[key+"/"+bucket.Format(time.RFC3339)] = true
		selected = append(selected, r)
	}
	return selected, skippedIDs
}

// rememberBuckets records the uploaded buckets after a successful insert.
func (s *Syncer) rememberBuckets(rows []store.ReadingRow) {
	for _, r := range rows {
		period, ok := s.logPeriod[r.DeviceID+"/"+r.RegisterName]
		if !ok {
			period = time.Minute
		}
		key := r.DeviceID + "/" + r.RegisterName
		bucket := sched.AlignDown(r.Timestamp.UTC(), period)
		if bucket.After(s.lastBucket[key]) {
			s.lastBucket[key] = bucket
		}
	}
}

// SyncControlAndAlarms is one control-log and alarm sync tick.
func (s *Syncer) SyncControlAndAlarms(ctx context.Context) {
	if !s.client.Configured() {
		return
	}
	okLogs := s.syncControlLogs(ctx)
	okAlarms := s.syncAlarms(ctx)
	s.checkCloudHealth(ctx, okLogs && okAlarms)
}

func (s *Syncer) syncControlLogs(ctx context.Context) bool {
	rows, err := s.db.UnsyncedControlLogs(syncBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to select unsynced control logs")
		return false
	}
	metrics.CloudSyncPendingRows.WithLabelValues("control_logs").Set(float64(len(rows)))
	if len(rows) == 0 {
		return true
	}

	payload := make([]controlLogPayload, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		payload = append(payload, controlLogPayload{
			Timestamp:          r.Timestamp.UTC().Format(time.RFC3339),
			SiteID:             r.SiteID,
			TotalLoadKW:        r.TotalLoadKW,
			LoadMin:            r.LoadMin,
			LoadMax:            r.LoadMax,
			SolarOutputKW:      r.SolarOutputKW,
			SolarMin:           r.SolarMin,
			SolarMax:           r.SolarMax,
			DGPowerKW:          r.DGPowerKW,
			SolarLimitPct:      r.SolarLimitPct,
			SolarLimitKW:       r.SolarLimitKW,
			SafeModeActive:     r.SafeModeActive,
			ConfigMode:         r.ConfigMode,
			OperationMode:      r.OperationMode,
			LoadMetersOnline:   r.LoadMetersOnline,
			InvertersOnline:    r.InvertersOnline,
			GeneratorsOnline:   r.GeneratorsOnline,
			ExecutionTimeMs:    r.ExecutionTimeMs,
			DeviceReadingsJSON: r.DeviceReadingsJSON,
		})
		ids = append(ids, r.ID)
	}

	if err := s.client.Insert(ctx, "control_logs", payload, "site_id,timestamp"); err != nil {
		metrics.CloudSyncBatchesTotal.WithLabelValues("control_logs", "error").Inc()
		s.logger.Warn().Err(err).Msg("control log upload failed")
		return false
	}
	metrics.CloudSyncBatchesTotal.WithLabelValues("control_logs", "ok").Inc()

	if err := s.db.MarkSynced("control_logs", ids, s.now().UTC()); err != nil {
		s.logger.Error().Err(err).Msg("failed to mark control logs synced")
		return false
	}
	return true
}

// syncAlarms inserts fresh alarms and PATCHes resolutions.
func (s *Syncer) syncAlarms(ctx context.Context) bool {
	rows, err := s.db.UnsyncedAlarms(syncBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to select unsynced alarms")
		return false
	}
	metrics.CloudSyncPendingRows.WithLabelValues("alarms").Set(float64(len(rows)))
	if len(rows) == 0 {
		return true
	}

	var inserts []alarmPayload
	var insertIDs []int64
	ok := true

	for _, r := range rows {
		if !r.Resolved {
			inserts = append(inserts, alarmToPayload(r))
			insertIDs = append(insertIDs, r.ID)
			continue
		}

		// Resolved rows may already exist upstream from a prior insert:
		// ship the resolution as a PATCH keyed by uuid.
		resolvedAt := s.now().UTC()
		if r.ResolvedAt != nil {
			resolvedAt = r.ResolvedAt.UTC()
		}
		err := s.client.Patch(ctx, "alarms",
			map[string]string{"alarm_uuid": "eq." + r.AlarmUUID},
			map[string]any{"resolved": true, "resolved_at": resolvedAt.Format(time.RFC3339)})
		if err != nil {
			s.logger.Warn().Err(err).Str("alarm_uuid", r.AlarmUUID).Msg("alarm resolution upload failed")
			ok = false
			continue
		}
		if err := s.db.MarkSynced("alarms", []int64{r.ID}, s.now().UTC()); err != nil {
			s.logger.Error().Err(err).Msg("failed to mark alarm synced")
			ok = false
		}
	}

	if len(inserts) > 0 {
		if err := s.client.Insert(ctx, "alarms", inserts, "alarm_uuid"); err != nil {
			metrics.CloudSyncBatchesTotal.WithLabelValues("alarms", "error").Inc()
			s.logger.Warn().Err(err).Msg("alarm upload failed")
			return false
		}
		metrics.CloudSyncBatchesTotal.WithLabelValues("alarms", "ok").Inc()
		if err := s.db.MarkSynced("alarms", insertIDs, s.now().UTC()); err != nil {
			s.logger.Error().Err(err).Msg("failed to mark alarms synced")
			return false
		}
	}
	return ok
}

// PullResolutions applies cloud-side alarm resolutions from the last 24
// hours to matching local rows. Controller-owned alarm types are excluded
// so the controller's own lifecycle never ping-pongs with the UI.
func (s *Syncer) PullResolutions(ctx context.Context) {
	if !s.client.Configured() {
		return
	}

	var rows []struct {
		AlarmType  string    `json:"alarm_type"`
		DeviceID   string    `json:"device_id"`
		ResolvedAt time.Time `json:"resolved_at"`
	}
	since := s.now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	err := s.client.Get(ctx, "alarms", map[string]string{
		"site_id":     "eq." + s.siteID,
		"resolved":    "eq.true",
		"resolved_at": "gte." + since,
	}, &rows)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to pull alarm resolutions")
		return
	}

	for _, r := range rows {
		if types.ControllerOwnedAlarm(r.AlarmType) {
			continue
		}
		n, err := s.db.ResolveMatching(r.AlarmType, r.DeviceID, r.ResolvedAt)
		if err != nil {
			s.logger.Error().Err(err).Str("type", r.AlarmType).Msg("failed to apply cloud resolution")
			continue
		}
		if n > 0 {
			s.logger.Info().Str("type", r.AlarmType).Str("device_id", r.DeviceID).Msg("alarm resolved from cloud")
		}
	}
}

// checkCloudHealth maintains the CLOUD_SYNC_OFFLINE alarm: raised after an
// hour without a successful sync, resolved on the next success.
func (s *Syncer) checkCloudHealth(ctx context.Context, success bool) {
	now := s.now()
	if success {
		s.lastSuccess = now
		if s.offlineAlarm {
			s.offlineAlarm = false
			if active, err := s.db.ActiveAlarm(s.siteID, types.AlarmCloudSyncOffline, ""); err == nil && active != nil {
				_ = s.db.ResolveAlarm(active.AlarmUUID, now.UTC())
			}
			s.logger.Info().Msg("cloud sync recovered")
		}
		return
	}

	if now.Sub(s.lastSuccess) > cloudOfflineAfter && !s.offlineAlarm {
		s.offlineAlarm = true
		s.evaluator.RecordAlert(ctx, types.AlertRequest{
			Type:      types.AlarmCloudSyncOffline,
			Message:   "No successful cloud sync for over an hour",
			Severity:  types.SeverityMajor,
			Timestamp: now.UTC(),
		})
	}
}
