// Package preflight provides readiness checks for the filesystem paths,
// worker binary, database, and rig lock that bloom depends on.
//
// The CLI "bloom preflight" command runs RunAll and renders the results, and
// "bloom serve" refuses to start when a required check fails. Checks never
// touch the hardware; "bloom hardware status" does that.
package preflight
