// Package rotation drives the DAQ turntable through the hardware worker.
//
// The controller owns the authoritative angular position. Every successful
// move advances it with Wrap so it always stays in [0, 360); a failed move
// leaves the last confirmed position untouched.
package rotation
