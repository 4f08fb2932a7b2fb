// Package device polls the site's Modbus devices and publishes their
// readings.
//
// The service runs a fast fixed tick; each register carries its own poll
// cadence and is read only when due. Device liveness is tracked by the
// Manager: three consecutive connection failures declare a device offline,
// clear its cached readings, and start an exponential retry window so a dead
// device cannot stall the bus.
//
// The service is also the single writer to the field: the control service
// enqueues write commands through shared state and this package executes
// them, verifying read-back where requested and publishing per-command
// results. Keeping all bus traffic in one service gives the serial bus
// mutex a single well-ordered set of holders.
package device
