// Package logging is the controller's three-tier persistence pipeline.
//
// Tier 1 buffers every control cycle in bounded in-memory windows. Tier 2
// flushes control logs (with per-window min/max) and newly bucketed device
// readings into the local sqlite store. Tier 3 ships rows to the cloud in
// small duplicate-ignoring batches, downsampling each register to its
// configured logging period and backfilling in two phases after an outage
// (newest batch first so dashboards recover, then oldest-first gap fill).
//
// The alarm evaluator also lives here: threshold definitions run against
// every readings snapshot, with per-definition cooldowns, a one-active-row
// de-duplication rule, auto-resolution, and immediate upload for critical
// and major severities.
package logging
