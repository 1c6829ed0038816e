// Package faults defines the error taxonomy shared by the scanner packages.
//
// Components tag failures with one of the sentinel markers through Wrap so the
// orchestrator, the HTTP API, and the CLI can classify any error with KindOf
// without knowing which package produced it. Validation failures happen before
// hardware is touched, channel failures are fatal for the rig, hardware
// failures abort the active scan, and persistence failures mean the frames
// were captured but could not be saved.
package faults
