// Package system is the controller's housekeeping service: host resource
// sampling, per-service health monitoring with safe-mode escalation, cloud
// heartbeats, the OTA firmware state machine and the operator command poll
// (reboot, apply_firmware). It also serves the prometheus scrape endpoint
// on the system health port.
package system
