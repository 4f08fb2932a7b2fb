/*
Package modbus is the field I/O layer: pooled connections, typed register
decoding, and read/write primitives with the retry and classification rules
the device service relies on.

Three transports (Modbus/TCP, RTU framed over a TCP gateway, and RTU
direct on a serial port) share one interface built on grid-x/modbus.
Connections are pooled by host:port (network) or serial path (RTU-direct),
lazily dialed, and reaped after 300 s idle. Serial ports host many slaves,
so the pool hands out a per-port bus mutex; callers hold it across whole
read or write+verify sequences because those must be atomic on the bus.
Stale serial locks do not self-heal: Reconnect tears the port connection
down when a device on it is declared unreachable.

Errors split into two classes. Modbus exception codes and client-side
address validation produce RegisterError: never retried, confined to the
one register. Everything else on the wire is CommunicationError: retried
twice 500 ms apart, and reported upward so the whole device backs off.

Writes are verified: settle 200 ms, read the register back, compare within
1 % of the written value with a floor of one LSB in engineering units. A
mismatch is CommandNotTakenError, which becomes a critical operational
alarm upstream.
*/
package modbus
