// Package daemon coordinates the long-running bloom process for one rig.
//
// It takes a flock-based rig lock so only one process drives the hardware,
// launches the hardware worker, wires the rotation and camera controllers
// into the scan orchestrator, and serves the HTTP API. A lost worker is
// reported, never restarted: the operator restarts the daemon after checking
// the hardware.
//
// Scan sessions run on the daemon's lifetime context, not on the HTTP request
// that started them. Stop cancels any active scan and waits for it to release
// the hardware before closing the worker.
package daemon
