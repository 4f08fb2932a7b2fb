// Package config loads, validates and serves the site configuration. The
// YAML file is the source of truth at boot; the cloud can supersede it with
// a newer updated_at, and every accepted version is cached on disk so the
// controller boots air-gapped. Other services receive reloads through the
// Changes channel and are reconstructed by the process owner, never mutated
// in place.
package config
