// Package logging assembles structured slog loggers and formatting helpers used
// across the scanner services.
//
// It owns the configurable console/JSON handlers, routes file output through a
// size-rotated log file, and exposes context-aware helpers so orchestration
// code can tag log lines with scan session ids, frame indexes, and hardware
// command correlation ids. A no-op logger is provided for tests and wiring
// code that cannot fail.
package logging
