// Package config loads, normalizes, and validates ferry configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// FERRY_VEHICLE_ID. The Config type centralizes every knob the daemon and CLI
// need: monitored sources, schedule, upload tuning, storage backend and the
// retention policy.
//
// A loaded Config is treated as immutable for the daemon lifetime.
package config
