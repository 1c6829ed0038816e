// Package api defines the HTTP wire types served by the daemon and a small
// client the CLI uses to reach it.
//
// Scan records, orchestrator status, and lifecycle events already carry JSON
// tags in their own packages and are passed through unchanged. This package
// adds the request and response envelopes around them and the error payload
// that carries a fault kind and an operator hint.
//
// JSON fields are snake_case to match the worker protocol and the event
// stream. Timestamps are RFC3339 in UTC.
package api
