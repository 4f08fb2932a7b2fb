// Package supervisor owns the controller's service lifecycle: ordered
// startup with health probing, periodic monitoring, bounded restarts with a
// cool-down, and safe-mode escalation when a critical service cannot be
// kept alive.
package supervisor
