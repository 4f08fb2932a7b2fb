package store

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/volteria/controller/pkg/log"
)

// insertChunkSize bounds how many reading rows go into one transaction so
// a flush never holds the write lock for long on SD-class storage.
const insertChunkSize = 1000

// maxParams stays under sqlite's 999 bound-parameter limit.
const maxParams = 999

// insertRetryDelays is the per-chunk retry schedule for transient errors.
var insertRetryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// vacuumMarker is the filename recording that the one-time full VACUUM ran.
const vacuumMarker = ".vacuum_done"

const schema = `
CREATE TABLE IF NOT EXISTS control_logs (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp            TIMESTAMP NOT NULL,
	site_id              TEXT NOT NULL,
	total_load_kw        REAL NOT NULL DEFAULT 0,
	load_min             REAL NOT NULL DEFAULT 0,
	load_max             REAL NOT NULL DEFAULT 0,
	solar_output_kw      REAL NOT NULL DEFAULT 0,
	solar_min            REAL NOT NULL DEFAULT 0,
	solar_max            REAL NOT NULL DEFAULT 0,
	dg_power_kw          REAL NOT NULL DEFAULT 0,
	solar_limit_pct      REAL NOT NULL DEFAULT 0,
	solar_limit_kw       REAL NOT NULL DEFAULT 0,
	safe_mode_active     INTEGER NOT NULL DEFAULT 0,
	config_mode          TEXT NOT NULL DEFAULT '',
	operation_mode       TEXT NOT NULL DEFAULT '',
	load_meters_online   INTEGER NOT NULL DEFAULT 0,
	inverters_online     INTEGER NOT NULL DEFAULT 0,
	generators_online    INTEGER NOT NULL DEFAULT 0,
	execution_time_ms    INTEGER NOT NULL DEFAULT 0,
	device_readings_json TEXT NOT NULL DEFAULT '{}',
	synced_at            TIMESTAMP,
	created_at           TIMESTAMP NOT NULL,
	UNIQUE (site_id, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_control_logs_timestamp ON control_logs (timestamp);
CREATE INDEX IF NOT EXISTS idx_control_logs_unsynced ON control_logs (id) WHERE synced_at IS NULL;

CREATE TABLE IF NOT EXISTS alarms (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	alarm_uuid  TEXT NOT NULL UNIQUE,
	site_id     TEXT NOT NULL,
	alarm_type  TEXT NOT NULL,
	device_id   TEXT NOT NULL DEFAULT '',
	device_name TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL,
	condition   TEXT NOT NULL DEFAULT '',
	severity    TEXT NOT NULL,
	timestamp   TIMESTAMP NOT NULL,
	resolved    INTEGER NOT NULL DEFAULT 0,
	resolved_at TIMESTAMP,
	synced_at   TIMESTAMP,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alarms_timestamp ON alarms (timestamp);
CREATE INDEX IF NOT EXISTS idx_alarms_unsynced ON alarms (id) WHERE synced_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_alarms_active ON alarms (site_id, alarm_type, device_id) WHERE resolved = 0;

CREATE TABLE IF NOT EXISTS device_readings (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id       TEXT NOT NULL DEFAULT '',
	device_id     TEXT NOT NULL,
	register_name TEXT NOT NULL,
	value         REAL NOT NULL DEFAULT 0,
	text_value    TEXT NOT NULL DEFAULT '',
	unit          TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL DEFAULT 'live',
	timestamp     TIMESTAMP NOT NULL,
	synced_at     TIMESTAMP,
	created_at    TIMESTAMP NOT NULL,
	UNIQUE (device_id, register_name, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_device_readings_timestamp ON device_readings (timestamp);
CREATE INDEX IF NOT EXISTS idx_device_readings_unsynced ON device_readings (id) WHERE synced_at IS NULL;
`

// ControlLogRow is one flushed control-log record.
type ControlLogRow struct {
	ID                 int64      `db:"id"`
	Timestamp          time.Time  `db:"timestamp"`
	SiteID             string     `db:"site_id"`
	TotalLoadKW        float64    `db:"total_load_kw"`
	LoadMin            float64    `db:"load_min"`
	LoadMax            float64    `db:"load_max"`
	SolarOutputKW      float64    `db:"solar_output_kw"`
	SolarMin           float64    `db:"solar_min"`
	SolarMax           float64    `db:"solar_max"`
	DGPowerKW          float64    `db:"dg_power_kw"`
	SolarLimitPct      float64    `db:"solar_limit_pct"`
	SolarLimitKW       float64    `db:"solar_limit_kw"`
	SafeModeActive     bool       `db:"safe_mode_active"`
	ConfigMode         string     `db:"config_mode"`
	OperationMode      string     `db:"operation_mode"`
	LoadMetersOnline   int        `db:"load_meters_online"`
	InvertersOnline    int        `db:"inverters_online"`
	GeneratorsOnline   int        `db:"generators_online"`
	ExecutionTimeMs    int64      `db:"execution_time_ms"`
	DeviceReadingsJSON string     `db:"device_readings_json"`
	SyncedAt           *time.Time `db:"synced_at"`
	CreatedAt          time.Time  `db:"created_at"`
}

// AlarmRow is one triggered-alarm record.
type AlarmRow struct {
	ID         int64      `db:"id"`
	AlarmUUID  string     `db:"alarm_uuid"`
	SiteID     string     `db:"site_id"`
	AlarmType  string     `db:"alarm_type"`
	DeviceID   string     `db:"device_id"`
	DeviceName string     `db:"device_name"`
	Message    string     `db:"message"`
	Condition  string     `db:"condition"`
	Severity   string     `db:"severity"`
	Timestamp  time.Time  `db:"timestamp"`
	Resolved   bool       `db:"resolved"`
	ResolvedAt *time.Time `db:"resolved_at"`
	SyncedAt   *time.Time `db:"synced_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

// ReadingRow is one persisted register sample.
type ReadingRow struct {
	ID           int64      `db:"id"`
	SiteID       string     `db:"site_id"`
	DeviceID     string     `db:"device_id"`
	RegisterName string     `db:"register_name"`
	Value        float64    `db:"value"`
	TextValue    string     `db:"text_value"`
	Unit         string     `db:"unit"`
	Source       string     `db:"source"`
	Timestamp    time.Time  `db:"timestamp"`
	SyncedAt     *time.Time `db:"synced_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

// Store is the local durable store backing the logging subsystem.
type Store struct {
	db      *sqlx.DB
	dataDir string

	sleep func(time.Duration)
	now   func() time.Time
}

// Open opens (or creates) the sqlite database under dataDir. WAL with
// synchronous=NORMAL keeps write amplification low on SD-class storage
// while surviving process crashes.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		dataDir = os.Getenv("VOLTERIA_DATA_DIR")
	}
	if dataDir == "" {
		dataDir = "/opt/volteria/data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dsn := "file:" + filepath.Join(dataDir, "logging.db") + "?" + url.Values{
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
		"_busy_timeout": {"5000"},
		"_loc":          {"UTC"},
	}.Encode()

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open logging database: %w", err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between the flush and sync paths.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA temp_store = MEMORY"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:      db,
		dataDir: dataDir,
		sleep:   time.Sleep,
		now:     time.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetries runs fn up to len(insertRetryDelays)+1 times. sqlite errors
// under write pressure are transient; the schedule bounds the stall.
func (s *Store) withRetries(op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= len(insertRetryDelays) {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt+1, err)
		}
		logger := log.WithComponent("store")
		logger.Warn().
			Str("op", op).
			Int("attempt", attempt+1).
			Err(err).
			Msg("store operation failed, retrying")
		s.sleep(insertRetryDelays[attempt])
	}
}

// InsertControlLog persists one control-log row. Duplicate (site_id,
// timestamp) rows are ignored.
func (s *Store) InsertControlLog(row ControlLogRow) error {
	row.CreatedAt = s.now().UTC()
	return s.withRetries("insert control log", func() error {
		_, err := s.db.NamedExec(`
			INSERT OR IGNORE INTO control_logs (
				timestamp, site_id, total_load_kw, load_min, load_max,
				solar_output_kw, solar_min, solar_max, dg_power_kw,
				solar_limit_pct, solar_limit_kw, safe_mode_active,
				config_mode, operation_mode, load_meters_online,
				inverters_online, generators_online, execution_time_ms,
				device_readings_json, created_at
			) VALUES (
				:timestamp, :site_id, :total_load_kw, :load_min, :load_max,
				:solar_output_kw, :solar_min, :solar_max, :dg_power_kw,
				:solar_limit_pct, :solar_limit_kw, :safe_mode_active,
				:config_mode, :operation_mode, :load_meters_online,
				:inverters_online, :generators_online, :execution_time_ms,
				:device_readings_json, :created_at
			)`, row)
		return err
	})
}

// InsertAlarm persists one triggered alarm.
func (s *Store) InsertAlarm(row AlarmRow) error {
	row.CreatedAt = s.now().UTC()
	return s.withRetries("insert alarm", func() error {
		_, err := s.db.NamedExec(`
			INSERT OR IGNORE INTO alarms (
				alarm_uuid, site_id, alarm_type, device_id, device_name,
				message, condition, severity, timestamp, resolved,
				resolved_at, created_at
			) VALUES (
				:alarm_uuid, :site_id, :alarm_type, :device_id, :device_name,
				:message, :condition, :severity, :timestamp, :resolved,
				:resolved_at, :created_at
			)`, row)
		return err
	})
}

// InsertReadings persists reading rows in bounded chunks, one transaction
// per chunk. Duplicate (device_id, register_name, timestamp) rows are
// ignored so a re-flush after a crash is harmless.
func (s *Store) InsertReadings(rows []ReadingRow) error {
	createdAt := s.now().UTC()
	for start := 0; start < len(rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		err := s.withRetries("insert readings chunk", func() error {
			tx, err := s.db.Beginx()
			if err != nil {
				return err
			}
			defer tx.Rollback()

			for i := range chunk {
				chunk[i].CreatedAt = createdAt
				if _, err := tx.NamedExec(`
					INSERT OR IGNORE INTO device_readings (
						site_id, device_id, register_name, value, text_value,
						unit, source, timestamp, created_at
					) VALUES (
						:site_id, :device_id, :register_name, :value, :text_value,
						:unit, :source, :timestamp, :created_at
					)`, chunk[i]); err != nil {
					return err
				}
			}
			return tx.Commit()
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// PendingReadingCount returns the number of unsynced reading rows.
func (s *Store) PendingReadingCount() (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM device_readings WHERE synced_at IS NULL")
	return n, err
}

// UnsyncedReadings returns up to limit unsynced reading rows, oldest first
// or newest first.
func (s *Store) UnsyncedReadings(limit int, newestFirst bool) ([]ReadingRow, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	var rows []ReadingRow
	err := s.db.Select(&rows, fmt.Sprintf(`
		SELECT * FROM device_readings
		WHERE synced_at IS NULL
		ORDER BY timestamp %s, id %s
		LIMIT ?`, order, order), limit)
	return rows, err
}

// UnsyncedControlLogs returns up to limit unsynced control logs, oldest
// first.
func (s *Store) UnsyncedControlLogs(limit int) ([]ControlLogRow, error) {
	var rows []ControlLogRow
	err := s.db.Select(&rows, `
		SELECT * FROM control_logs
		WHERE synced_at IS NULL
		ORDER BY timestamp ASC, id ASC
		LIMIT ?`, limit)
	return rows, err
}

// UnsyncedAlarms returns up to limit unsynced alarms, oldest first.
func (s *Store) UnsyncedAlarms(limit int) ([]AlarmRow, error) {
	var rows []AlarmRow
	err := s.db.Select(&rows, `
		SELECT * FROM alarms
		WHERE synced_at IS NULL
		ORDER BY timestamp ASC, id ASC
		LIMIT ?`, limit)
	return rows, err
}

// MarkSynced stamps synced_at on the given rows of table. IDs are chunked
// to stay under sqlite's bound-parameter limit.
func (s *Store) MarkSynced(table string, ids []int64, at time.Time) error {
	switch table {
	case "control_logs", "alarms", "device_readings":
	default:
		return fmt.Errorf("unknown table %q", table)
	}

	for start := 0; start < len(ids); start += maxParams - 1 {
		end := start + maxParams - 1
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		query, args, err := sqlx.In(
			fmt.Sprintf("UPDATE %s SET synced_at = ? WHERE id IN (?)", table),
			at.UTC(), chunk)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(s.db.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to mark %s synced: %w", table, err)
		}
	}
	return nil
}

// ActiveAlarm returns the unresolved alarm row for (site, type, device),
// if one exists. The de-duplication contract allows at most one.
func (s *Store) ActiveAlarm(siteID, alarmType, deviceID string) (*AlarmRow, error) {
	var rows []AlarmRow
	err := s.db.Select(&rows, `
		SELECT * FROM alarms
		WHERE site_id = ? AND alarm_type = ? AND device_id = ? AND resolved = 0
		ORDER BY id DESC LIMIT 1`, siteID, alarmType, deviceID)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// ActiveAlarmCount returns the number of unresolved alarms.
func (s *Store) ActiveAlarmCount() (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM alarms WHERE resolved = 0")
	return n, err
}

// ResolveAlarm marks one alarm resolved and clears its synced marker so
// the resolution ships on the next sync tick.
func (s *Store) ResolveAlarm(alarmUUID string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE alarms SET resolved = 1, resolved_at = ?, synced_at = NULL
		WHERE alarm_uuid = ? AND resolved = 0`, at.UTC(), alarmUUID)
	return err
}

// ResolveMatching applies a cloud-side resolution: the unresolved local
// rows with the same type and device created at or before the resolution
// time are marked resolved. Returns the number of rows updated.
func (s *Store) ResolveMatching(alarmType, deviceID string, resolvedAt time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE alarms SET resolved = 1, resolved_at = ?
		WHERE alarm_type = ? AND device_id = ? AND resolved = 0 AND created_at <= ?`,
		resolvedAt.UTC(), alarmType, deviceID, resolvedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Retention deletes synced rows older than the retention window and
// reclaims pages. Unresolved alarms are exempt regardless of age: deleting
// one would let a duplicate slip past the one-unresolved-per-key check. The
// first pass runs a full VACUUM (recorded by a marker file); later passes
// use incremental vacuum in small chunks.
func (s *Store) Retention(retentionDays int) error {
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	logger := log.WithComponent("store")

	deletes := map[string]string{
		"control_logs":    "DELETE FROM control_logs WHERE timestamp < ? AND synced_at IS NOT NULL",
		"alarms":          "DELETE FROM alarms WHERE timestamp < ? AND synced_at IS NOT NULL AND resolved = 1",
		"device_readings": "DELETE FROM device_readings WHERE timestamp < ? AND synced_at IS NOT NULL",
	}
	for _, table := range []string{"control_logs", "alarms", "device_readings"} {
		res, err := s.db.Exec(deletes[table], cutoff)
		if err != nil {
			return fmt.Errorf("retention delete on %s: %w", table, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			logger.Info().Str("table", table).Int64("rows", n).Msg("retention deleted synced rows")
		}
	}

	marker := filepath.Join(s.dataDir, vacuumMarker)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		logger.Info().Msg("running one-time full vacuum")
		if _, err := s.db.Exec("PRAGMA auto_vacuum = INCREMENTAL"); err != nil {
			return err
		}
		if _, err := s.db.Exec("VACUUM"); err != nil {
			return fmt.Errorf("full vacuum: %w", err)
		}
		if err := os.WriteFile(marker, []byte(s.now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write vacuum marker: %w", err)
		}
		return nil
	}

	_, err := s.db.Exec("PRAGMA incremental_vacuum(100)")
	return err
}
