// Package worker implements the hardware side of the line protocol spoken by
// hwchannel: it reads command lines on stdin and answers with DATA lines on
// stdout. This build drives simulated devices: a DAQ that tracks turntable
// angle and a camera that renders synthetic PNG frames. Faults can be
// injected at a chosen rotate or capture call for end-to-end failure tests.
package worker
