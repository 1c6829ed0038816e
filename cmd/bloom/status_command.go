package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"bloom/internal/api"
	"bloom/internal/scanner"
)

const hardwareQueryTimeout = 15 * time.Second

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and scanner status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, status, ok := ctx.daemonStatus(cmd.Context())
			if jsonOutput {
				if !ok {
					return errNoDaemon
				}
				return writeJSON(cmd, status)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(out, line)
			}
			if !ok {
				fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "not running", colorize))
				return nil
			}
			fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, "running (pid "+strconv.Itoa(status.PID)+")", colorize))
			if status.ChannelError != "" {
				fmt.Fprintln(out, renderStatusLine("Hardware worker", statusError, status.ChannelError, colorize))
			} else {
				fmt.Fprintln(out, renderStatusLine("Hardware worker", statusOK, "pid "+strconv.Itoa(status.WorkerPID), colorize))
			}
			fmt.Fprintln(out, renderStatusLine("Scanner", statusInfo, status.ScannerName, colorize))
			fmt.Fprintln(out, renderStatusLine("Scans directory", statusInfo, status.ScansDir, colorize))
			fmt.Fprintln(out, renderStatusLine("Database", statusInfo, status.DatabasePath, colorize))

			fmt.Fprintln(out)
			for _, line := range renderSectionHeader("Scan", colorize) {
				fmt.Fprintln(out, line)
			}
			renderScannerStatus(out, status.Scanner, colorize)
			return nil
		},
	}
	bindJSONFlag(cmd, &jsonOutput, "")
	return cmd
}

func renderScannerStatus(out io.Writer, s scanner.Status, colorize bool) {
	if s.State == scanner.StateIdle {
		fmt.Fprintln(out, renderStatusLine("State", statusInfo, stateLabel(string(s.State)), colorize))
	} else {
		detail := fmt.Sprintf("%s, %d/%d frames at %.1f°", stateLabel(string(s.State)), s.FramesCaptured, s.TotalFrames, s.Position)
		fmt.Fprintln(out, renderStatusLine("State", statusOK, detail, colorize))
		fmt.Fprintln(out, renderStatusLine("Session", statusInfo, s.SessionID, colorize))
	}
	if s.Last == nil {
		return
	}
	last := s.Last
	switch last.State {
	case scanner.StateCompleted:
		fmt.Fprintln(out, renderStatusLine("Last scan", statusOK, fmt.Sprintf("%s (%d frames)", last.ScanID, last.FrameCount), colorize))
	case scanner.StateCancelled:
		fmt.Fprintln(out, renderStatusLine("Last scan", statusWarn, "cancelled", colorize))
	default:
		fmt.Fprintln(out, renderStatusLine("Last scan", statusError, last.Error, colorize))
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the scan running in the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, ok := ctx.daemonStatus(cmd.Context())
			if !ok {
				return errNoDaemon
			}
			resp, err := client.CancelScan(cmd.Context())
			if err != nil {
				var apiErr *api.Error
				if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
					fmt.Fprintln(cmd.OutOrStdout(), "No scan is running")
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for scan %s\n", resp.SessionID)
			return nil
		},
	}
}

func newHardwareCommand(ctx *commandContext) *cobra.Command {
	hwCmd := &cobra.Command{
		Use:   "hardware",
		Short: "Hardware worker utilities",
	}

	var jsonOutput bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report camera and DAQ availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			queryCtx, cancel := context.WithTimeout(cmd.Context(), hardwareQueryTimeout)
			defer cancel()

			var (
				hw     api.HardwareStatus
				source string
				err    error
			)
			if client, _, ok := ctx.daemonStatus(queryCtx); ok {
				source = "daemon"
				hw, err = client.Hardware(queryCtx)
			} else {
				source = "local worker"
				d, openErr := ctx.openLocalRig(queryCtx)
				if openErr != nil {
					return openErr
				}
				hw, err = d.Hardware(queryCtx)
				_ = d.Close()
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, hw)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader("Hardware ("+source+")", colorize) {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintln(out, renderStatusLine("Worker version", statusInfo, hw.WorkerVersion, colorize))
			fmt.Fprintln(out, renderDeviceLine("Camera", hw.Camera, colorize))
			fmt.Fprintln(out, renderDeviceLine("DAQ", hw.DAQ, colorize))
			return nil
		},
	}
	bindJSONFlag(statusCmd, &jsonOutput, "")
	hwCmd.AddCommand(statusCmd, newPreviewCommand(ctx))
	return hwCmd
}

func renderDeviceLine(label string, dev api.DeviceAvailability, colorize bool) string {
	message := "available"
	kind := statusOK
	if !dev.Available {
		message = "unavailable"
		kind = statusError
	}
	if dev.Mock {
		message += " (mock)"
	}
	return renderStatusLine(label, kind, message, colorize)
}
