// Package store is the controller's local durable store: an embedded
// sqlite database holding control logs, triggered alarms, and device
// readings until the cloud sync engine ships them.
//
// The database runs WAL with synchronous=NORMAL to keep write
// amplification down on SD-card storage. Every table carries a synced_at
// marker; retention only ever deletes rows the cloud has acknowledged.
package store
