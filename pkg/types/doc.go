/*
Package types defines the shared domain model for the Volteria controller.

It contains the typed site configuration (devices, registers, operation mode
settings, safe-mode policy, alarm definitions), the documents exchanged over
the shared state store (readings, control state, write commands, safe-mode
state, OTA status), and the error taxonomy used across services.

Configuration is parsed and validated once at the edge by pkg/config; every
downstream consumer works against these structs. Devices are never mutated in
place; a config reload reconstructs them.

The error taxonomy distinguishes transport-class failures
(CommunicationError, retried and backed off per device) from
register-specific failures (RegisterError, never retried) and from write
verification failures (CommandNotTakenError, surfaced as a critical alarm).
Errors stay inside their service: they cross service boundaries only as
documents, never as Go errors.
*/
package types
