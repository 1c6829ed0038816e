// Package scanner runs one 360 degree capture session at a time.
//
// An Orchestrator owns the rotation stage and camera for the duration of a
// session. Each frame is rotate, settle, capture, record, report. Cancellation
// is honoured only between frames so neither device is left mid-command. The
// rotation stage and camera are released exactly once on every exit path, and
// captured frames reach storage only through the Persister after the final
// frame, all together or not at all.
package scanner
