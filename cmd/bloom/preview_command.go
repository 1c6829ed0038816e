package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"bloom/internal/fileutil"
)

const previewPollInterval = 100 * time.Millisecond

type previewFrame struct {
	sequence uint64
	image    []byte
}

func newPreviewCommand(ctx *commandContext) *cobra.Command {
	var (
		outPath string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Stream the camera briefly and save one preview frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return errors.New("--out is required")
			}
			waitCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var (
				frame previewFrame
				err   error
			)
			if client, _, ok := ctx.daemonStatus(waitCtx); ok {
				if _, err := client.StartPreview(waitCtx); err != nil {
					return err
				}
				frame, err = waitForPreview(waitCtx, func(c context.Context) (previewFrame, error) {
					resp, err := client.Preview(c)
					return previewFrame{sequence: resp.Sequence, image: resp.Image}, err
				})
				if _, stopErr := client.StopPreview(context.WithoutCancel(cmd.Context())); stopErr != nil && err == nil {
					err = stopErr
				}
			} else {
				d, openErr := ctx.openLocalRig(waitCtx)
				if openErr != nil {
					return openErr
				}
				defer d.Close()
				if err := d.StartPreview(waitCtx); err != nil {
					return err
				}
				frame, err = waitForPreview(waitCtx, func(context.Context) (previewFrame, error) {
					img, seq, _ := d.Preview()
					return previewFrame{sequence: seq, image: img.Image}, nil
				})
				if stopErr := d.StopPreview(); stopErr != nil && err == nil {
					err = stopErr
				}
			}
			if err != nil {
				return err
			}

			if err := fileutil.WriteFileSynced(outPath, frame.image, 0o644); err != nil {
				return fmt.Errorf("write preview: %w", err)
			}
			if err := fileutil.SyncDir(filepath.Dir(outPath)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved preview frame %d to %s\n", frame.sequence, outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "File to write the PNG frame to")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "How long to wait for a frame")
	return cmd
}

// waitForPreview polls fetch until a frame with an image arrives or ctx ends.
func waitForPreview(ctx context.Context, fetch func(context.Context) (previewFrame, error)) (previewFrame, error) {
	ticker := time.NewTicker(previewPollInterval)
	defer ticker.Stop()
	for {
		frame, err := fetch(ctx)
		if err != nil {
			return previewFrame{}, err
		}
		if frame.sequence > 0 && len(frame.image) > 0 {
			return frame, nil
		}
		select {
		case <-ctx.Done():
			return previewFrame{}, fmt.Errorf("no preview frame arrived: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
