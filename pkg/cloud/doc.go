// Package cloud is the HTTP client for the backend's row API.
//
// Inserts are duplicate-ignoring by contract: the client sends the
// natural-key conflict hint and treats 409 as success, so re-uploading a
// batch after a crash is always safe. A circuit breaker fronts every call
// so a dead uplink costs one fast error per tick instead of a stack of
// 30 second timeouts.
package cloud
