package preflight

import (
	"context"

	"bloom/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
	// Advisory results are informational and never block startup.
	Advisory bool
}

// RunAll executes every preflight check for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	return []Result{
		CheckDirectoryAccess("Scans directory", cfg.Paths.ScansDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckFreeSpace("Scans volume", cfg.Paths.ScansDir, MinFreeBytes),
		CheckWorkerBinary(cfg.Worker.Command),
		CheckDatabase(ctx, cfg),
		CheckRigLock(cfg.LockPath()),
	}
}

// Failed returns the blocking results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed && !r.Advisory {
			failed = append(failed, r)
		}
	}
	return failed
}
