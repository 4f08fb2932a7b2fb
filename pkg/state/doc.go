/*
Package state implements the shared state store: a process-wide mapping from
string key to JSON document backed by bbolt.

This is the only inter-service channel in the controller. Each well-known
key has exactly one writer by convention (the device service writes
"readings", the control service writes "control_state", the supervisor
writes "safe_mode_trigger"). Readers tolerate staleness up to the 100 ms
read cache TTL; ReadFresh bypasses the cache for readers that need the
latest write, such as the control loop snapshotting readings.

bbolt update transactions make every write atomic and crash-safe: a torn
write leaves the previous document readable, and a reader never observes a
partially written document. The file lock is opened with a bounded timeout
so contention fails the call rather than blocking forever.
*/
package state
