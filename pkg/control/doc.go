// Package control decides the site's solar limit once per cycle.
//
// The loop reads the aggregates the device service publishes, runs the
// configured operation mode (a closed set: zero generator feed, zero-DG
// power factor, zero-DG reactive cap, peak shaving), and enqueues the
// resulting write commands back through shared state.
//
// The safe-mode supervisor runs ahead of the mode: device outages (and,
// under the rolling-average policy, a dangerous solar-to-load ratio)
// override the mode's decision with the configured safe power limit.
// Incomplete mode configuration is a warning, not a crash; the loop holds
// the safe limit until the config is fixed.
package control
