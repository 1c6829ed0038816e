package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bloom/internal/api"
	"bloom/internal/daemon"
	"bloom/internal/events"
	"bloom/internal/faults"
	"bloom/internal/logging"
	"bloom/internal/scandb"
	"bloom/internal/scanner"
	"bloom/internal/testsupport"
)

var scanArgs = []string{
	"scan",
	"--phenotyper", "dana",
	"--experiment", "exp-cli",
	"--plant", "p-cli",
	"--accession", "Col-0",
	"--wave", "2",
	"--age", "18",
	"--frames", "6",
}

func TestLocalScanThenBrowseAndExport(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.API.Bind = ""
	configPath := writeTestConfig(t, cfg)
	usePipeWorker(t)

	out, _, err := runCLI(t, configPath, scanArgs...)
	if err != nil {
		t.Fatalf("scan failed: %v\n%s", err, out)
	}
	requireContains(t, out, "capturing 6 frames")
	requireContains(t, out, "frame 6/6")
	requireContains(t, out, "Completed:")

	out, _, err = runCLI(t, configPath, "scans", "list", "--experiment", "exp-cli")
	if err != nil {
		t.Fatalf("scans list failed: %v", err)
	}
	requireContains(t, out, "p-cli")
	requireContains(t, out, "Showing 1 of 1 scans")

	out, _, err = runCLI(t, configPath, "scans", "list", "--json")
	if err != nil {
		t.Fatalf("scans list --json failed: %v", err)
	}
	var page scandb.Page
	if err := json.Unmarshal([]byte(out), &page); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	if page.Total != 1 || page.Scans[0].FrameCount != 6 || page.Scans[0].WaveNumber != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	id := page.Scans[0].ID

	out, _, err = runCLI(t, configPath, "scans", "show", id)
	if err != nil {
		t.Fatalf("scans show failed: %v", err)
	}
	requireContains(t, out, "Col-0")
	requireContains(t, out, "Frame")

	exportDir := filepath.Join(testsupport.BaseDir(cfg), "export")
	out, _, err = runCLI(t, configPath, "scans", "export", id, exportDir)
	if err != nil {
		t.Fatalf("scans export failed: %v", err)
	}
	requireContains(t, out, "Exported 6 frames")
	dest := filepath.Join(exportDir, filepath.Base(page.Scans[0].Path))
	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("read export dir: %v", err)
	}
	if len(entries) != 7 {
		t.Fatalf("expected 6 frames plus metadata.json, got %d entries", len(entries))
	}
	if _, err := os.Stat(filepath.Join(dest, "metadata.json")); err != nil {
		t.Fatalf("metadata.json missing: %v", err)
	}
	if _, _, err := runCLI(t, configPath, "scans", "export", id, exportDir); err == nil {
		t.Fatal("expected second export into the same directory to fail")
	}

	if _, _, err := runCLI(t, configPath, "scans", "delete", id); err != nil {
		t.Fatalf("scans delete failed: %v", err)
	}
	out, _, err = runCLI(t, configPath, "scans", "list")
	if err != nil {
		t.Fatalf("scans list failed: %v", err)
	}
	requireContains(t, out, "No scans found")
	if _, _, err := runCLI(t, configPath, "scans", "delete", id); err == nil {
		t.Fatal("expected deleting twice to fail")
	}
}

func TestLocalScanRejectsMissingMetadata(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.API.Bind = ""
	configPath := writeTestConfig(t, cfg)
	usePipeWorker(t)

	_, _, err := runCLI(t, configPath, "scan", "--experiment", "exp-cli", "--accession", "Col-0", "--phenotyper", "dana")
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "plant") {
		t.Fatalf("error does not name the missing field: %v", err)
	}
}

func TestScanThroughRunningDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	d, err := daemon.New(cfg, store, logging.NewNop(), daemon.WithConnector(pipeConnector(t)))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)

	cliCfg := *cfg
	cliCfg.API.Bind = d.APIAddr()
	configPath := writeTestConfig(t, &cliCfg)

	out, _, err := runCLI(t, configPath, append(scanArgs, "--json")...)
	if err != nil {
		t.Fatalf("scan failed: %v\n%s", err, out)
	}
	var outcome scanner.Outcome
	if err := json.Unmarshal([]byte(out), &outcome); err != nil {
		t.Fatalf("decode outcome: %v\n%s", err, out)
	}
	if outcome.State != scanner.StateCompleted || outcome.FrameCount != 6 || outcome.ScanID == "" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	out, _, err = runCLI(t, configPath, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	requireContains(t, out, "running (pid")
	requireContains(t, out, outcome.ScanID)

	out, _, err = runCLI(t, configPath, "cancel")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	requireContains(t, out, "No scan is running")

	out, _, err = runCLI(t, configPath, "hardware", "status", "--json")
	if err != nil {
		t.Fatalf("hardware status failed: %v", err)
	}
	var hw api.HardwareStatus
	if err := json.Unmarshal([]byte(out), &hw); err != nil {
		t.Fatalf("decode hardware: %v\n%s", err, out)
	}
	if !hw.Camera.Available || !hw.DAQ.Available || !hw.Camera.Mock {
		t.Fatalf("unexpected hardware status %+v", hw)
	}

	if _, _, err := runCLI(t, configPath, append(scanArgs, "--local")...); faults.KindOf(err) != faults.KindBusy {
		t.Fatalf("expected local scan to hit the rig lock, got %v", err)
	}
}

func TestOutcomeFromEvent(t *testing.T) {
	tests := []struct {
		name  string
		evt   events.Event
		want  scanner.State
		fault faults.Kind
	}{
		{name: "completed", evt: events.Completed("s1", "scan-1", 72), want: scanner.StateCompleted},
		{name: "cancelled", evt: events.Cancelled("s1", 12), want: scanner.StateCancelled},
		{name: "error", evt: events.Failed("s1", "hardware", "stepper stalled"), want: scanner.StateFailed, fault: faults.KindHardware},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := outcomeFromEvent(tt.evt)
			if out.State != tt.want || out.ErrorKind != tt.fault || out.SessionID != "s1" {
				t.Fatalf("unexpected outcome %+v", out)
			}
		})
	}
}

func TestReportOutcomeErrors(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&strings.Builder{})

	if err := reportOutcome(cmd, scanner.Outcome{State: scanner.StateCompleted}, false); err != nil {
		t.Fatalf("completed outcome should not error: %v", err)
	}
	if err := reportOutcome(cmd, scanner.Outcome{State: scanner.StateCancelled, SessionID: "s1"}, false); err == nil {
		t.Fatal("expected cancelled outcome to error")
	}
	err := reportOutcome(cmd, scanner.Outcome{State: scanner.StateFailed, ErrorKind: faults.KindPersistence, Error: "disk full"}, false)
	if faults.KindOf(err) != faults.KindPersistence {
		t.Fatalf("expected persistence kind, got %v", err)
	}
}
