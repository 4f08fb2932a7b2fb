package system

import (
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// Stats is one sample of the controller host's resources.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	TemperatureC  float64 `json:"temperature_c"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// collectStats samples the host. Individual probe failures zero that field
// rather than failing the sample; SBC images differ in what they expose.
func collectStats() Stats {
	var s Stats

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		s.DiskPercent = du.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		s.UptimeSeconds = up
	}
	if temps, err := host.SensorsTemperatures(); err == nil {
		for _, t := range temps {
			// The CPU thermal zone is the one that matters on an SBC.
			if t.Temperature > s.TemperatureC {
				s.TemperatureC = t.Temperature
			}
		}
	}
	return s
}

// asMetrics flattens the sample for heartbeat-sourced alarm definitions.
func (s Stats) asMetrics() map[string]float64 {
	return map[string]float64{
		"cpu_percent":    s.CPUPercent,
		"memory_percent": s.MemoryPercent,
		"disk_percent":   s.DiskPercent,
		"temperature_c":  s.TemperatureC,
		"uptime_seconds": float64(s.UptimeSeconds),
	}
}
