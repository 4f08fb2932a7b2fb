package types

import (
	"strconv"
	"time"
)

// DeviceType categorizes a field device
type DeviceType string

const (
	DeviceInverter  DeviceType = "inverter"
	DeviceLoadMeter DeviceType = "load_meter"
	DeviceGenerator DeviceType = "generator"
	DeviceBattery   DeviceType = "battery"
	DeviceSensor    DeviceType = "sensor"
)

// TransportType selects how a device is reached on the wire
type TransportType string

const (
	TransportTCP        TransportType = "tcp"         // Modbus/TCP
	TransportRTUGateway TransportType = "rtu_gateway" // RTU framing over a TCP gateway
	TransportRTUSerial  TransportType = "rtu_serial"  // RTU direct on a serial port
)

// Transport describes how to reach a device
type Transport struct {
	Type TransportType `yaml:"type" json:"type" validate:"required,oneof=tcp rtu_gateway rtu_serial"`

	// Network transports
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// Serial transports
	SerialPort string `yaml:"serial_port,omitempty" json:"serial_port,omitempty"`
	BaudRate   int    `yaml:"baud_rate,omitempty" json:"baud_rate,omitempty"`
	DataBits   int    `yaml:"data_bits,omitempty" json:"data_bits,omitempty"`
	Parity     string `yaml:"parity,omitempty" json:"parity,omitempty"` // N, E, O
	StopBits   int    `yaml:"stop_bits,omitempty" json:"stop_bits,omitempty"`
}

// Serial reports whether the transport owns a physical serial bus.
func (t Transport) Serial() bool {
	return t.Type == TransportRTUSerial
}

// PoolKey identifies the pooled connection this transport maps to.
func (t Transport) PoolKey() string {
	if t.Serial() {
		return t.SerialPort
	}
	return t.Host + ":" + strconv.Itoa(t.Port)
}

// RegisterKind distinguishes Modbus register tables
type RegisterKind string

const (
	RegisterHolding RegisterKind = "holding"
	RegisterInput   RegisterKind = "input"
	RegisterVirtual RegisterKind = "virtual"
)

// Encoding is the wire encoding of a register value
type Encoding string

const (
	EncodingUint16  Encoding = "uint16"
	EncodingInt16   Encoding = "int16"
	EncodingUint32  Encoding = "uint32"
	EncodingInt32   Encoding = "int32"
	EncodingFloat32 Encoding = "float32"
	EncodingFloat64 Encoding = "float64"
	EncodingUTF8    Encoding = "utf8"
)

// Words returns the number of 16-bit registers the encoding occupies.
// UTF-8 strings carry their own word count on the register.
func (e Encoding) Words() int {
	switch e {
	case EncodingUint16, EncodingInt16:
		return 1
	case EncodingUint32, EncodingInt32, EncodingFloat32:
		return 2
	case EncodingFloat64:
		return 4
	default:
		return 0
	}
}

// Access describes allowed register operations
type Access string

const (
	AccessRead      Access = "read"
	AccessWrite     Access = "write"
	AccessReadWrite Access = "readwrite"
)

// ScaleOrder determines whether scale or offset applies first
type ScaleOrder string

const (
	ScaleThenOffset ScaleOrder = "scale_then_offset" // value*scale + offset
	OffsetThenScale ScaleOrder = "offset_then_scale" // (value+offset)*scale
)

// Well-known register roles used by site aggregation
const (
	RoleSolarActivePower = "solar_active_power"
	RoleLoadActivePower  = "load_active_power"
	RoleGenActivePower   = "generator_active_power"
	RoleGenReactivePower = "generator_reactive_power"
	RoleBatterySOC       = "battery_soc"
	RoleBatteryPower     = "battery_power"
)

// RoleUnit returns the unit an aggregate of the given role is expressed in.
// Unknown roles get no unit; the summed value is still useful but its scale
// is whatever the site config declared.
func RoleUnit(role string) string {
	switch role {
	case RoleSolarActivePower, RoleLoadActivePower, RoleGenActivePower, RoleBatteryPower:
		return "kW"
	case RoleGenReactivePower:
		return "kvar"
	case RoleBatterySOC:
		return "%"
	}
	return ""
}

// Write-target roles. The control service locates the registers it writes
// by role rather than by name, so sites are free to name vendor registers
// whatever the datasheet calls them.
const (
	RoleSolarLimitPct    = "solar_limit_pct"
	RoleSolarLimitEnable = "solar_limit_enable"
	RoleReactiveSetpoint = "reactive_setpoint"
	RoleBatteryDischarge = "battery_discharge"
)

// Register describes one pollable or writable register on a device
type Register struct {
	Address    uint16         `yaml:"address" json:"address"`
	Name       string         `yaml:"name" json:"name" validate:"required"`
	Kind       RegisterKind   `yaml:"kind" json:"kind" validate:"required,oneof=holding input virtual"`
	Encoding   Encoding       `yaml:"encoding" json:"encoding" validate:"required"`
	WordCount  int            `yaml:"word_count,omitempty" json:"word_count,omitempty"` // utf8 only
	Access     Access         `yaml:"access" json:"access" validate:"required,oneof=read write readwrite"`
	Scale      float64        `yaml:"scale,omitempty" json:"scale,omitempty"`
	Offset     float64        `yaml:"offset,omitempty" json:"offset,omitempty"`
	ScaleOrder ScaleOrder     `yaml:"scale_order,omitempty" json:"scale_order,omitempty"`
	Unit       string         `yaml:"unit,omitempty" json:"unit,omitempty"`
	PollMs     int            `yaml:"poll_ms,omitempty" json:"poll_ms,omitempty"`
	LogSeconds int            `yaml:"log_seconds,omitempty" json:"log_seconds,omitempty"`
	Role       string         `yaml:"role,omitempty" json:"role,omitempty"`
	Min        *float64       `yaml:"min,omitempty" json:"min,omitempty"`
	Max        *float64       `yaml:"max,omitempty" json:"max,omitempty"`
	Enum       map[int]string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// EffectiveScale returns the configured scale, defaulting to 1.
func (r Register) EffectiveScale() float64 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}

// PollPeriod returns the poll cadence, defaulting to one second.
func (r Register) PollPeriod() time.Duration {
	if r.PollMs <= 0 {
		return time.Second
	}
	return time.Duration(r.PollMs) * time.Millisecond
}

// LogPeriod returns the logging cadence, defaulting to one minute.
func (r Register) LogPeriod() time.Duration {
	if r.LogSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(r.LogSeconds) * time.Second
}

// Device is one configured field device and its registers
type Device struct {
	ID           string     `yaml:"id" json:"id" validate:"required"`
	Name         string     `yaml:"name" json:"name"`
	Type         DeviceType `yaml:"type" json:"type" validate:"required"`
	Transport    Transport  `yaml:"transport" json:"transport"`
	SlaveID      byte       `yaml:"slave_id" json:"slave_id"`
	RatedPowerKW float64    `yaml:"rated_power_kw,omitempty" json:"rated_power_kw,omitempty"`
	Registers    []Register `yaml:"registers" json:"registers" validate:"dive"`
}

// Register returns the named register, if configured.
func (d *Device) Register(name string) (Register, bool) {
	for _, r := range d.Registers {
		if r.Name == name {
			return r, true
		}
	}
	return Register{}, false
}

// ReadingSource tags reading provenance
type ReadingSource string

const (
	SourceLive     ReadingSource = "live"
	SourceBackfill ReadingSource = "backfill"
)

// Reading is one sampled register value
type Reading struct {
	DeviceID  string        `json:"device_id"`
	Register  string        `json:"register"`
	Value     float64       `json:"value"`
	Text      string        `json:"text,omitempty"` // utf8 registers only
	Unit      string        `json:"unit,omitempty"`
	Timestamp time.Time     `json:"timestamp"` // aligned down to the register log period
	Source    ReadingSource `json:"source"`
}

// DeviceSnapshot is the published per-device view inside the readings document
type DeviceSnapshot struct {
	Online   bool               `json:"online"`
	LastSeen time.Time          `json:"last_seen"`
	Error    string             `json:"error,omitempty"`
	Readings map[string]Reading `json:"readings"`
}

// ReadingsDocument is the shared-state document under KeyReadings.
// The virtual controller device carries the site aggregates so the logging
// service treats them like any other readings.
type ReadingsDocument struct {
	Timestamp  time.Time                 `json:"timestamp"`
	Devices    map[string]DeviceSnapshot `json:"devices"`
	Aggregates map[string]float64        `json:"aggregates"`
}

// VirtualControllerID is the device id the aggregates are published under.
const VirtualControllerID = "controller"

// ModeID selects a control-law implementation
type ModeID string

const (
	ModeZeroGeneratorFeed ModeID = "zero_generator_feed"
	ModeZeroDGPowerFactor ModeID = "zero_dg_power_factor"
	ModeZeroDGReactive    ModeID = "zero_dg_reactive"
	ModePeakShaving       ModeID = "peak_shaving"

	// ModeZeroDGReverse is a legacy alias for zero_generator_feed kept for
	// older site configs.
	ModeZeroDGReverse ModeID = "zero_dg_reverse"
)

// ModeSettings is the per-mode settings variant. Exactly one member is set,
// matching the configured mode id.
type ModeSettings struct {
	ZeroGenFeed *ZeroGenFeedSettings `yaml:"zero_generator_feed,omitempty" json:"zero_generator_feed,omitempty"`
	PowerFactor *PowerFactorSettings `yaml:"zero_dg_power_factor,omitempty" json:"zero_dg_power_factor,omitempty"`
	Reactive    *ReactiveSettings    `yaml:"zero_dg_reactive,omitempty" json:"zero_dg_reactive,omitempty"`
	PeakShaving *PeakShavingSettings `yaml:"peak_shaving,omitempty" json:"peak_shaving,omitempty"`
}

// ZeroGenFeedSettings configures the default zero-generator-feed mode
type ZeroGenFeedSettings struct {
	DGReserveKW float64 `yaml:"dg_reserve_kw" json:"dg_reserve_kw" validate:"gte=0"`
}

// PowerFactorSettings configures the zero-DG power-factor mode
type PowerFactorSettings struct {
	DGReserveKW   float64 `yaml:"dg_reserve_kw" json:"dg_reserve_kw" validate:"gte=0"`
	TargetPF      float64 `yaml:"target_pf" json:"target_pf" validate:"gte=0,lte=1"`
	WriteReactive bool    `yaml:"write_reactive" json:"write_reactive"`
}

// ReactiveSettings configures the reactive-power cap mode
type ReactiveSettings struct {
	QMaxKVAR float64 `yaml:"q_max_kvar" json:"q_max_kvar" validate:"gte=0"`
}

// PeakShavingSettings configures the peak-shaving mode
type PeakShavingSettings struct {
	PeakThresholdKW   float64 `yaml:"peak_threshold_kw" json:"peak_threshold_kw" validate:"gte=0"`
	BatteryReservePct float64 `yaml:"battery_reserve_pct" json:"battery_reserve_pct" validate:"gte=0,lte=100"`
	BatteryCapacityKW float64 `yaml:"battery_capacity_kw" json:"battery_capacity_kw" validate:"gte=0"`
}

// SafeModePolicy selects the safe-mode trigger policy
type SafeModePolicy string

const (
	SafeModeTimeBased      SafeModePolicy = "time_based"
	SafeModeRollingAverage SafeModePolicy = "rolling_average"
)

// SafeModeConfig configures the safe-mode supervisor
type SafeModeConfig struct {
	Policy       SafeModePolicy `yaml:"policy" json:"policy"`
	TimeoutS     int            `yaml:"timeout_s" json:"timeout_s" validate:"omitempty,gte=5,lte=300"`
	PowerLimitKW float64        `yaml:"power_limit_kw" json:"power_limit_kw" validate:"gte=0"`
	WindowS      int            `yaml:"window_s,omitempty" json:"window_s,omitempty"`
	ThresholdPct float64        `yaml:"threshold_pct,omitempty" json:"threshold_pct,omitempty" validate:"gte=0,lte=100"`
	MinSamples   int            `yaml:"min_samples,omitempty" json:"min_samples,omitempty"`
}

// ControlConfig configures the control loop cadence
type ControlConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"interval_ms" validate:"omitempty,gte=100,lte=60000"`
}

// Interval returns the control cadence, defaulting to 1 Hz.
func (c ControlConfig) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// LoggingConfig configures the logging subsystem
type LoggingConfig struct {
	FlushSeconds       int `yaml:"flush_seconds" json:"flush_seconds"`
	ReadingSyncSeconds int `yaml:"reading_sync_seconds" json:"reading_sync_seconds"`
	ControlSyncSeconds int `yaml:"control_sync_seconds" json:"control_sync_seconds"`
	RetentionDays      int `yaml:"retention_days" json:"retention_days"`
	BackfillThreshold  int `yaml:"backfill_threshold" json:"backfill_threshold"`
}

// Defaults for the logging subsystem cadences.
const (
	DefaultFlushSeconds       = 60
	DefaultReadingSyncSeconds = 180
	DefaultControlSyncSeconds = 120
	DefaultRetentionDays      = 30
	DefaultBackfillThreshold  = 1000
)

// Normalize fills zero fields with defaults.
func (l LoggingConfig) Normalize() LoggingConfig {
	if l.FlushSeconds <= 0 {
		l.FlushSeconds = DefaultFlushSeconds
	}
	if l.ReadingSyncSeconds <= 0 {
		l.ReadingSyncSeconds = DefaultReadingSyncSeconds
	}
	if l.ControlSyncSeconds <= 0 {
		l.ControlSyncSeconds = DefaultControlSyncSeconds
	}
	if l.RetentionDays <= 0 {
		l.RetentionDays = DefaultRetentionDays
	}
	if l.BackfillThreshold <= 0 {
		l.BackfillThreshold = DefaultBackfillThreshold
	}
	return l
}

// SiteConfig is the immutable configuration snapshot for one site
type SiteConfig struct {
	SiteID       string            `yaml:"site_id" json:"site_id" validate:"required"`
	ControllerID string            `yaml:"controller_id" json:"controller_id" validate:"required"`
	Name         string            `yaml:"name" json:"name"`
	UpdatedAt    time.Time         `yaml:"updated_at" json:"updated_at"`
	Mode         ModeID            `yaml:"mode" json:"mode"`
	ModeSettings ModeSettings      `yaml:"mode_settings" json:"mode_settings"`
	Control      ControlConfig     `yaml:"control" json:"control"`
	SafeMode     SafeModeConfig    `yaml:"safe_mode" json:"safe_mode"`
	Logging      LoggingConfig     `yaml:"logging" json:"logging"`
	Alarms       []AlarmDefinition `yaml:"alarms" json:"alarms" validate:"dive"`
	Devices      []Device          `yaml:"devices" json:"devices" validate:"dive"`
}

// DevicesByType returns the configured devices with the given type.
func (c *SiteConfig) DevicesByType(t DeviceType) []Device {
	var out []Device
	for _, d := range c.Devices {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

// InverterCapacityKW sums the rated power of all configured inverters.
func (c *SiteConfig) InverterCapacityKW() float64 {
	var total float64
	for _, d := range c.Devices {
		if d.Type == DeviceInverter {
			total += d.RatedPowerKW
		}
	}
	return total
}

// ControlState is the one-per-cycle control document
type ControlState struct {
	Timestamp        time.Time `json:"timestamp"`
	TotalLoadKW      float64   `json:"total_load_kw"`
	TotalSolarKW     float64   `json:"total_solar_kw"`
	TotalGenKW       float64   `json:"total_gen_kw"`
	LoadMetersOnline int       `json:"load_meters_online"`
	InvertersOnline  int       `json:"inverters_online"`
	GeneratorsOnline int       `json:"generators_online"`
	Mode             ModeID    `json:"mode"`
	SolarLimitPct    float64   `json:"solar_limit_pct"`
	SolarLimitKW     float64   `json:"solar_limit_kw"`
	LoadSource       string    `json:"load_source,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	SafeModeActive   bool      `json:"safe_mode_active"`
	SafeModeReason   string    `json:"safe_mode_reason,omitempty"`
	WriteSuccess     bool      `json:"write_success"`
	ExecutionMs      int64     `json:"execution_ms"`
}

// Severity grades triggered alarms
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// ConditionOperator compares a value against a threshold
type ConditionOperator string

const (
	OpGT  ConditionOperator = ">"
	OpGTE ConditionOperator = ">="
	OpLT  ConditionOperator = "<"
	OpLTE ConditionOperator = "<="
	OpEQ  ConditionOperator = "=="
	OpNEQ ConditionOperator = "!="
)

// Match evaluates the operator against a threshold.
func (op ConditionOperator) Match(value, threshold float64) bool {
	switch op {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpNEQ:
		return value != threshold
	}
	return false
}

// AlarmSourceType selects where an alarm definition reads its value from
type AlarmSourceType string

const (
	AlarmSourceRegister   AlarmSourceType = "register"
	AlarmSourceDeviceInfo AlarmSourceType = "device_info"
	AlarmSourceCalculated AlarmSourceType = "calculated"
	AlarmSourceHeartbeat  AlarmSourceType = "heartbeat"
)

// AlarmSource is the value reference of an alarm definition
type AlarmSource struct {
	Type     AlarmSourceType `yaml:"type" json:"type"`
	Register string          `yaml:"register,omitempty" json:"register,omitempty"`
	Field    string          `yaml:"field,omitempty" json:"field,omitempty"`
	DeviceID string          `yaml:"device_id,omitempty" json:"device_id,omitempty"`
}

// AlarmCondition is one ordered threshold condition
type AlarmCondition struct {
	Operator  ConditionOperator `yaml:"operator" json:"operator"`
	Threshold float64           `yaml:"threshold" json:"threshold"`
	Severity  Severity          `yaml:"severity" json:"severity"`
	Message   string            `yaml:"message" json:"message"`
}

// AlarmDefinition is a configured alarm rule. Conditions are evaluated in
// declaration order and the first match wins, so authors order them by
// severity descending.
type AlarmDefinition struct {
	ID         string           `yaml:"id" json:"id" validate:"required"`
	Name       string           `yaml:"name" json:"name"`
	Source     AlarmSource      `yaml:"source" json:"source"`
	Conditions []AlarmCondition `yaml:"conditions" json:"conditions"`
	CooldownS  int              `yaml:"cooldown_s" json:"cooldown_s"`
	Enabled    bool             `yaml:"enabled" json:"enabled"`
}

// Cooldown returns the configured cooldown, defaulting to five minutes.
func (d AlarmDefinition) Cooldown() time.Duration {
	if d.CooldownS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(d.CooldownS) * time.Second
}

// Alarm types the controller owns and must never re-resolve from the cloud.
const (
	AlarmRegisterReadFailed = "REGISTER_READ_FAILED"
	AlarmCloudSyncOffline   = "CLOUD_SYNC_OFFLINE"
	AlarmCommandNotTaken    = "COMMAND_NOT_TAKEN"
	AlarmServiceFailure     = "SERVICE_FAILURE"
)

// AlarmPowerLoss is raised when the mains-power notifier fires. Operators
// resolve it from the cloud once the site is back on grid, so it is not
// controller-owned.
const AlarmPowerLoss = "POWER_LOSS"

// ControllerOwnedAlarm reports whether the controller owns the lifecycle of
// the given alarm type. Cloud-side resolutions of these types are ignored to
// prevent a resolve/re-create oscillation.
func ControllerOwnedAlarm(alarmType string) bool {
	switch alarmType {
	case AlarmRegisterReadFailed, AlarmCloudSyncOffline, AlarmCommandNotTaken, AlarmServiceFailure:
		return true
	}
	return false
}

// TriggeredAlarm is one alarm occurrence. Records are never deleted and
// Resolved is monotonic: a re-occurring condition creates a new record.
type TriggeredAlarm struct {
	UUID       string     `json:"alarm_uuid"`
	SiteID     string     `json:"site_id"`
	Type       string     `json:"alarm_type"`
	DeviceID   string     `json:"device_id,omitempty"`
	DeviceName string     `json:"device_name,omitempty"`
	Message    string     `json:"message"`
	Condition  string     `json:"condition,omitempty"`
	Severity   Severity   `json:"severity"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// WriteCommand is one queued register write consumed by the device service.
// When EnableRegister is set the device service performs the composite
// limit sequence: write enable, write value, verify value, all under one
// bus lock.
type WriteCommand struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"device_id"`
	Register       string    `json:"register"`
	Value          float64   `json:"value"`
	Verify         bool      `json:"verify"`
	EnableRegister string    `json:"enable_register,omitempty"`
	EnableValue    float64   `json:"enable_value,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// WriteCommandQueue is the shared-state document under KeyWriteCommands
type WriteCommandQueue struct {
	Commands []WriteCommand `json:"commands"`
}

// SafeModeState is the shared-state document under KeySafeModeState
type SafeModeState struct {
	Active         bool      `json:"active"`
	TriggeredAt    time.Time `json:"triggered_at,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	TriggerService string    `json:"trigger_service,omitempty"`
}

// SafeModeTrigger is written by the supervisor on unrecoverable failure
type SafeModeTrigger struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggered_by"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// ServiceStatus is a health-endpoint status value
type ServiceStatus string

const (
	StatusHealthy   ServiceStatus = "healthy"
	StatusUnhealthy ServiceStatus = "unhealthy"
	StatusStarting  ServiceStatus = "starting"
	StatusStopped   ServiceStatus = "stopped"
)

// OTAState is the over-the-air update state machine position
type OTAState string

const (
	OTAIdle        OTAState = "idle"
	OTAChecking    OTAState = "checking"
	OTAAvailable   OTAState = "available"
	OTADownloading OTAState = "downloading"
	OTAReady       OTAState = "ready"
	OTAApplying    OTAState = "applying"
	OTASuccess     OTAState = "success"
	OTAFailed      OTAState = "failed"
	OTARolledBack  OTAState = "rolled_back"
)

// OTAStatus is the shared-state document under KeyOTAStatus
type OTAStatus struct {
	State      OTAState  `json:"state"`
	Version    string    `json:"version,omitempty"`
	PackageURL string    `json:"package_url,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
