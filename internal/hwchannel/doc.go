// Package hwchannel talks to the hardware worker process over a line-oriented
// stdin/stdout protocol.
//
// Each request is one JSON object per line carrying a fresh correlation id.
// The worker answers on stdout with prefixed lines: DATA lines carry the
// response for a correlation id, while STATUS, ERROR, and FRAME lines are
// unsolicited and are handed to an observer without affecting any pending
// command. Responses may arrive in any order.
//
// When the worker's stdout ends or the process exits, the channel enters a
// terminal broken state: every in-flight command fails with ErrChannelLost
// and later sends fail immediately. The channel never restarts the worker;
// callers decide whether to launch a new Process.
package hwchannel
