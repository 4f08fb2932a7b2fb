package state

import (
	"time"
)

// Well-known shared-state keys. By convention each key has exactly one
// writer: config writes KeyConfig, the device service writes KeyReadings,
// the control service writes KeyControlState, and so on.
const (
	KeyConfig          = "config"
	KeyConfigStatus    = "config_status"
	KeyReadings        = "readings"
	KeyControlState    = "control_state"
	KeyServiceHealth   = "service_health"
	KeySafeModeState   = "safe_mode_state"
	KeySafeModeTrigger = "safe_mode_trigger"
	KeyWriteCommands   = "write_commands"
	KeyWriteResults    = "write_results"
	KeyOTAStatus       = "ota_status"
	KeyPendingAlerts   = "pending_alerts"
	KeyRebootPending   = "reboot_pending"
)

// Store is the process-wide key to JSON-document map. It is the only
// channel between services: no direct calls cross a service boundary.
//
// Writes are atomic from the reader's perspective; a reader never observes
// a torn document. Read serves from a short TTL cache, ReadFresh bypasses
// it for callers that need the latest write.
type Store interface {
	// Write replaces the document under key.
	Write(key string, doc any) error

	// Read unmarshals the document under key into out. Returns false if the
	// key does not exist. May serve a cached copy up to the TTL old.
	Read(key string, out any) (bool, error)

	// ReadFresh is Read without the cache.
	ReadFresh(key string, out any) (bool, error)

	// Update performs a read-merge-write: the stored JSON object is merged
	// with patch at the top level and written back atomically. A nil patch
	// value removes that key from the document.
	Update(key string, patch map[string]any) error

	// Delete removes the document under key.
	Delete(key string) error

	// ListKeys returns all present keys.
	ListKeys() ([]string, error)

	// Age returns how long ago the key was last written. Returns false if
	// the key does not exist.
	Age(key string) (time.Duration, bool)

	// Close releases the underlying store.
	Close() error
}
