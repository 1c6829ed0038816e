package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"bloom/internal/config"
	"bloom/internal/scandb"
)

// MinFreeBytes is the free space below which a full revolution may not fit.
const MinFreeBytes = 1 << 30

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFreeSpace reports whether the volume holding path has at least minFree
// bytes available to unprivileged users.
func CheckFreeSpace(name, path string, minFree uint64) Result {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	free := stat.Bavail * uint64(stat.Bsize)
	detail := fmt.Sprintf("%s (%s free)", path, formatBytes(free))
	if free < minFree {
		return Result{Name: name, Detail: detail + fmt.Sprintf(", need at least %s", formatBytes(minFree))}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckWorkerBinary verifies the worker command resolves to an executable.
func CheckWorkerBinary(command string) Result {
	const name = "Hardware worker"

	command = strings.TrimSpace(command)
	if command == "" {
		return Result{Name: name, Detail: "command not configured"}
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("binary %q not found", command)}
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not executable: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: path}
}

// CheckDatabase opens the scan database, which also applies or verifies the
// schema.
func CheckDatabase(ctx context.Context, cfg *config.Config) Result {
	const name = "Scan database"

	store, err := scandb.Open(cfg)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", cfg.Paths.Database, err)}
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: ping: %v)", store.Path(), err)}
	}
	return Result{Name: name, Passed: true, Detail: store.Path()}
}

// CheckRigLock reports whether another process currently drives the rig. A
// held lock is expected while the daemon runs, so the result is advisory.
func CheckRigLock(path string) Result {
	const name = "Rig lock"

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return Result{Name: name, Advisory: true, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	if !ok {
		return Result{Name: name, Advisory: true, Detail: fmt.Sprintf("%s (held by a running bloom process)", path)}
	}
	_ = lock.Unlock()
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (free)", path)}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
