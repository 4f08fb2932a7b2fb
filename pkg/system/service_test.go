package system

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/volteria/controller/pkg/cloud"
)

func TestStatsAsMetrics(t *testing.T) {
	s := Stats{CPUPercent: 12.5, MemoryPercent: 40, DiskPercent: 71, TemperatureC: 55.5, UptimeSeconds: 3600}
	m := s.asMetrics()
	assert.Equal(t, 12.5, m["cpu_percent"])
	assert.Equal(t, 40.0, m["memory_percent"])
	assert.Equal(t, 71.0, m["disk_percent"])
	assert.Equal(t, 55.5, m["temperature_c"])
	assert.Equal(t, 3600.0, m["uptime_seconds"])
}

func TestServiceStatusDetails(t *testing.T) {
	shared := testShared(t)
	db := testDB(t)
	s := NewService(systemConfig(), shared, db, cloud.NewClient(cloud.Config{}), Options{Version: "1.4.2"})

	s.mu.Lock()
	s.lastStats = Stats{CPUPercent: 20}
	s.mu.Unlock()

	status, details := s.status()
	assert.Equal(t, "healthy", string(status))
	assert.Equal(t, "1.4.2", details["firmware_version"])
	assert.Equal(t, "idle", details["ota_state"])
	assert.Equal(t, 20.0, details["cpu_percent"])
	assert.False(t, s.Critical())
	assert.Equal(t, "system", s.Name())
}
