// Package config loads, normalizes, and validates the rig configuration.
//
// Configuration is TOML on disk with an optional .env file alongside it for
// machine-specific overrides (mock hardware switches, the API token). Load
// returns a fully expanded Config; Validate reports the first problem found
// with the dotted key the operator needs to edit.
package config
