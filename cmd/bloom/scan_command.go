package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"bloom/internal/api"
	"bloom/internal/config"
	"bloom/internal/daemon"
	"bloom/internal/events"
	"bloom/internal/faults"
	"bloom/internal/scanner"
)

type scanOptions struct {
	phenotyper string
	experiment string
	plant      string
	accession  string
	wave       int
	age        int
	frames     int
	exposure   int
	gain       float64
	local      bool
	jsonOutput bool
}

func newScanCommand(ctx *commandContext) *cobra.Command {
	var opts scanOptions

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Capture one full rotation of a plant cylinder",
		Long: `Capture one full rotation of a plant cylinder.

The scan is submitted to the running daemon when one answers on the
configured API address; otherwise the rig is driven from this process.
Press Ctrl-C to cancel at the next frame boundary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			req := opts.request(cmd, cfg)

			var out scanner.Outcome
			client, _, reachable := ctx.daemonStatus(cmd.Context())
			if reachable && !opts.local {
				out, err = runRemoteScan(cmd, client, req, opts.jsonOutput)
			} else {
				out, err = runLocalScan(cmd, ctx, req, opts.jsonOutput)
			}
			if err != nil {
				return err
			}
			return reportOutcome(cmd, out, opts.jsonOutput)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.phenotyper, "phenotyper", "", "Phenotyper (operator) id")
	flags.StringVar(&opts.experiment, "experiment", "", "Experiment id")
	flags.StringVar(&opts.plant, "plant", "", "Plant (cylinder) id")
	flags.StringVar(&opts.accession, "accession", "", "Accession name")
	flags.IntVar(&opts.wave, "wave", 1, "Wave number")
	flags.IntVar(&opts.age, "age", 0, "Plant age in days")
	flags.IntVar(&opts.frames, "frames", 0, "Frames per rotation (default from config)")
	flags.IntVar(&opts.exposure, "exposure", 0, "Exposure time in microseconds (default from config)")
	flags.Float64Var(&opts.gain, "gain", 0, "Camera gain (default from config)")
	flags.BoolVar(&opts.local, "local", false, "Drive the rig from this process even if a daemon is running")
	bindJSONFlag(cmd, &opts.jsonOutput, "Print the outcome as JSON")
	return cmd
}

func (o scanOptions) request(cmd *cobra.Command, cfg *config.Config) scanner.Request {
	settings := daemon.DefaultSettings(cfg)
	flags := cmd.Flags()
	if flags.Changed("frames") {
		settings.Rotation.NumFrames = o.frames
	}
	if flags.Changed("exposure") {
		settings.Camera.ExposureTime = o.exposure
	}
	if flags.Changed("gain") {
		settings.Camera.Gain = o.gain
	}
	return scanner.Request{
		Metadata: scanner.Metadata{
			PhenotyperID:  strings.TrimSpace(o.phenotyper),
			ExperimentID:  strings.TrimSpace(o.experiment),
			PlantID:       strings.TrimSpace(o.plant),
			AccessionName: strings.TrimSpace(o.accession),
			WaveNumber:    o.wave,
			PlantAgeDays:  o.age,
		},
		Settings: settings,
	}
}

func runLocalScan(cmd *cobra.Command, ctx *commandContext, req scanner.Request, quiet bool) (scanner.Outcome, error) {
	d, err := ctx.openLocalRig(cmd.Context())
	if err != nil {
		return scanner.Outcome{}, err
	}
	defer d.Close()

	var progress io.Writer = cmd.OutOrStdout()
	if quiet {
		progress = io.Discard
	}
	renderer := newProgressRenderer(progress, shouldColorize(cmd.OutOrStdout()))
	unsubscribe := d.Events().Subscribe(renderer.handle)
	defer unsubscribe()

	sess, err := d.StartScan(req)
	if err != nil {
		return scanner.Outcome{}, err
	}
	renderer.follow(sess.ID())

	stop := onInterrupt(func() { d.CancelScan() })
	defer stop()

	select {
	case <-sess.Done():
	case <-cmd.Context().Done():
		d.CancelScan()
		<-sess.Done()
	}
	return sess.Outcome(), nil
}

func runRemoteScan(cmd *cobra.Command, client *api.Client, req scanner.Request, quiet bool) (scanner.Outcome, error) {
	ctx := cmd.Context()
	started, err := client.StartScan(ctx, req)
	if err != nil {
		return scanner.Outcome{}, err
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted scan %s to daemon\n", started.SessionID)
	}

	var progress io.Writer = cmd.OutOrStdout()
	if quiet {
		progress = io.Discard
	}
	renderer := newProgressRenderer(progress, shouldColorize(cmd.OutOrStdout()))
	renderer.follow(started.SessionID)

	stop := onInterrupt(func() {
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hardwareQueryTimeout)
		defer cancel()
		_, _ = client.CancelScan(cancelCtx)
	})
	defer stop()

	var since uint64
	for {
		resp, err := client.Events(ctx, since, 0, true)
		if err != nil {
			return scanner.Outcome{}, fmt.Errorf("follow scan %s: %w", started.SessionID, err)
		}
		for _, evt := range resp.Events {
			if evt.SessionID != started.SessionID {
				continue
			}
			renderer.handle(evt)
			if evt.Terminal() {
				return outcomeFromEvent(evt), nil
			}
		}
		since = resp.Next
	}
}

func outcomeFromEvent(evt events.Event) scanner.Outcome {
	out := scanner.Outcome{
		SessionID:  evt.SessionID,
		ScanID:     evt.ScanID,
		FrameCount: evt.FrameCount,
		FinishedAt: evt.Timestamp,
	}
	switch evt.Kind {
	case events.KindCompleted:
		out.State = scanner.StateCompleted
	case events.KindCancelled:
		out.State = scanner.StateCancelled
	default:
		out.State = scanner.StateFailed
		out.ErrorKind = faults.Kind(evt.ErrorKind)
		out.Error = evt.Message
	}
	return out
}

// reportOutcome prints out and converts a non-completed outcome into an error.
func reportOutcome(cmd *cobra.Command, out scanner.Outcome, jsonOutput bool) error {
	if jsonOutput {
		if err := writeJSON(cmd, out); err != nil {
			return err
		}
	} else {
		colorize := shouldColorize(cmd.OutOrStdout())
		w := cmd.OutOrStdout()
		switch out.State {
		case scanner.StateCompleted:
			fmt.Fprintln(w, renderStatusLine(stateLabel(string(out.State)), statusOK, fmt.Sprintf("scan %s, %d frames", out.ScanID, out.FrameCount), colorize))
		case scanner.StateCancelled:
			fmt.Fprintln(w, renderStatusLine(stateLabel(string(out.State)), statusWarn, fmt.Sprintf("%d frames discarded", out.FrameCount), colorize))
		default:
			fmt.Fprintln(w, renderStatusLine(stateLabel(string(out.State)), statusError, out.Error, colorize))
			if hint := faults.Hint(out.ErrorKind); hint != "" {
				fmt.Fprintln(w, renderStatusLine("Hint", statusInfo, hint, colorize))
			}
		}
	}

	switch out.State {
	case scanner.StateCompleted:
		return nil
	case scanner.StateCancelled:
		return fmt.Errorf("scan %s cancelled", out.SessionID)
	default:
		return &scanFailure{kind: out.ErrorKind, message: out.Error}
	}
}

type scanFailure struct {
	kind    faults.Kind
	message string
}

func (e *scanFailure) Error() string {
	if e.message == "" {
		return "scan failed"
	}
	return "scan failed: " + e.message
}

func (e *scanFailure) ErrorKind() faults.Kind { return e.kind }

// onInterrupt runs fn on the first SIGINT until the returned stop is called.
func onInterrupt(fn func()) func() {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		select {
		case <-sigCh:
			fn()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

var errNoDaemon = errors.New("bloom daemon is not running (start it with `bloom serve`)")
