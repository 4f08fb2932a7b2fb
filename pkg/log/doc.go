/*
Package log provides structured logging for the Volteria controller using
zerolog.

The log package wraps zerolog to provide JSON-structured logging with
service-specific child loggers, configurable log levels, and helper
functions for common logging patterns. Level and format are taken from the
VOLTERIA_LOG_LEVEL and VOLTERIA_LOG_FORMAT environment variables when
InitFromEnv is used; services running under systemd keep the default JSON
output so the journal stays machine-parseable.

Usage:

	log.InitFromEnv()

	deviceLog := log.WithService("device")
	deviceLog.Info().Str("device_id", "inv-01").Msg("device online")

	log.Logger.Error().
		Err(err).
		Str("register", "active_power").
		Msg("register read failed")

Child loggers carry their context field on every line, which is how the
fleet tooling separates one service's output from another inside a single
process tree.
*/
package log
