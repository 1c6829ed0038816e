package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bloom/internal/fileutil"
	"bloom/internal/scandb"
)

const defaultListLimit = 50

func newScansCommand(ctx *commandContext) *cobra.Command {
	scansCmd := &cobra.Command{
		Use:   "scans",
		Short: "Browse and manage recorded scans",
	}
	scansCmd.AddCommand(newScansListCommand(ctx))
	scansCmd.AddCommand(newScansShowCommand(ctx))
	scansCmd.AddCommand(newScansDeleteCommand(ctx))
	scansCmd.AddCommand(newScansExportCommand(ctx))
	return scansCmd
}

func newScansListCommand(ctx *commandContext) *cobra.Command {
	var (
		filter     scandb.Filter
		wave       int
		from, to   string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("wave") {
				filter.WaveNumber = &wave
			}
			var err error
			if filter.From, err = parseDateFlag(from, false); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if filter.To, err = parseDateFlag(to, true); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			return ctx.withStore(func(store *scandb.Store) error {
				page, err := store.ListScans(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					if page.Scans == nil {
						page.Scans = []*scandb.Scan{}
					}
					return writeJSON(cmd, page)
				}
				out := cmd.OutOrStdout()
				if len(page.Scans) == 0 {
					fmt.Fprintln(out, "No scans found")
					return nil
				}
				fmt.Fprintln(out, renderScanTable(page.Scans))
				fmt.Fprintf(out, "Showing %d of %d scans\n", len(page.Scans), page.Total)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&filter.ExperimentID, "experiment", "", "Only scans from this experiment")
	flags.StringVar(&filter.PhenotyperID, "phenotyper", "", "Only scans by this phenotyper")
	flags.StringVar(&filter.PlantID, "plant", "", "Only scans of this plant")
	flags.IntVar(&wave, "wave", 0, "Only scans from this wave")
	flags.StringVar(&from, "from", "", "Captured on or after (YYYY-MM-DD or RFC3339)")
	flags.StringVar(&to, "to", "", "Captured on or before (YYYY-MM-DD or RFC3339)")
	flags.BoolVar(&filter.IncludeDeleted, "deleted", false, "Include deleted scans")
	flags.IntVar(&filter.Limit, "limit", defaultListLimit, "Maximum scans to show")
	flags.IntVar(&filter.Offset, "offset", 0, "Skip this many scans")
	bindJSONFlag(cmd, &jsonOutput, "")
	return cmd
}

// parseDateFlag accepts RFC3339 or a bare date. A bare end date covers the
// whole day.
func parseDateFlag(value string, endOfDay bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC3339, got %q", value)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return t.UTC(), nil
}

func newScansShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <scan-id>",
		Short: "Show a scan and its frames",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *scandb.Store) error {
				scan, images, err := loadScan(cmd, store, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, scanDetail{Scan: scan, Images: images})
				}

				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Scan "+scan.ID, colorize) {
					fmt.Fprintln(out, line)
				}
				fields := [][2]string{
					{"Experiment", scan.ExperimentID},
					{"Plant", scan.PlantID},
					{"Accession", scan.AccessionName},
					{"Phenotyper", scan.PhenotyperID},
					{"Wave", strconv.Itoa(scan.WaveNumber)},
					{"Age (days)", strconv.Itoa(scan.PlantAgeDays)},
					{"Scanner", scan.ScannerName},
					{"Captured", scan.CaptureDate.Local().Format(time.RFC3339)},
					{"Frames", strconv.Itoa(scan.FrameCount)},
					{"Directory", scan.Path},
					{"Deleted", yesNo(scan.Deleted)},
				}
				for _, f := range fields {
					fmt.Fprintf(out, "%s%-*s %s\n", statusIndent, statusLabelWidth, f[0]+":", f[1])
				}
				if len(images) == 0 {
					return nil
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderFrameTable(images))
				return nil
			})
		},
	}
	bindJSONFlag(cmd, &jsonOutput, "")
	return cmd
}

func newScansDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <scan-id>",
		Short: "Hide a scan from listings (frames stay on disk)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *scandb.Store) error {
				err := store.SoftDeleteScan(cmd.Context(), args[0])
				if errors.Is(err, scandb.ErrNotFound) {
					return fmt.Errorf("scan %s not found", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted scan %s\n", args[0])
				return nil
			})
		},
	}
}

func newScansExportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "export <scan-id> <dir>",
		Short: "Copy a scan's frames and metadata into dir",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *scandb.Store) error {
				scan, images, err := loadScan(cmd, store, args[0])
				if err != nil {
					return err
				}
				dest, err := exportScan(scan, images, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d frames to %s\n", len(images), dest)
				return nil
			})
		},
	}
}

func loadScan(cmd *cobra.Command, store *scandb.Store, id string) (*scandb.Scan, []scandb.Image, error) {
	scan, err := store.GetScan(cmd.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	if scan == nil {
		return nil, nil, fmt.Errorf("scan %s not found", id)
	}
	images, err := store.ScanImages(cmd.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	return scan, images, nil
}

// exportScan copies every frame into dir/<scan directory name> and writes a
// metadata.json beside them. Each copy is size and hash checked.
func exportScan(scan *scandb.Scan, images []scandb.Image, dir string) (string, error) {
	name := filepath.Base(scan.Path)
	if name == "." || name == string(filepath.Separator) {
		name = scan.ID
	}
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("export destination %s already exists", dest)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	for _, img := range images {
		target := filepath.Join(dest, filepath.Base(img.Path))
		if err := fileutil.CopyFileVerified(img.Path, target); err != nil {
			return "", fmt.Errorf("copy frame %d: %w", img.FrameNumber, err)
		}
	}

	meta, err := json.MarshalIndent(scanDetail{Scan: scan, Images: images}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	if err := fileutil.WriteFileSynced(filepath.Join(dest, "metadata.json"), meta, 0o644); err != nil {
		return "", err
	}
	return dest, fileutil.SyncDir(dest)
}
