package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/rhino-wasm/pcm"
	"github.com/wippyai/rhino-wasm/worker"
)

func newInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Initialize the engine and print its properties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.startController(ctx)
			if err != nil {
				return err
			}
			defer c.Release(context.WithoutCancel(ctx))
			return printInfo(cmd.OutOrStdout(), c.Info())
		},
	}
}

func printInfo(w io.Writer, info worker.Info) error {
	_, err := fmt.Fprintf(w, "Version:      %s\nFrame length: %d\nSample rate:  %d\n\n%s\n",
		info.Version, info.FrameLength, info.SampleRate, info.ContextInfo)
	return err
}

func newProcessCommand(a *app) *cobra.Command {
	var interactive, plain bool
	cmd := &cobra.Command{
		Use:   "process <file.wav>",
		Short: "Run a 16-bit mono WAV file through the engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clip, err := openClip(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := a.startController(ctx)
			if err != nil {
				return err
			}
			info := c.Info()
			if clip.SampleRate != info.SampleRate {
				c.Release(context.WithoutCancel(ctx))
				return fmt.Errorf("%s: sample rate %d Hz, engine expects %d Hz",
					args[0], clip.SampleRate, info.SampleRate)
			}
			frames := clip.Frames(info.FrameLength)
			a.logger.Debug("processing clip",
				zap.String("file", args[0]),
				zap.Duration("duration", clip.Duration()),
				zap.Int("frames", len(frames)))

			if !plain && (interactive || term.IsTerminal(int(os.Stdout.Fd()))) {
				return runInteractive(ctx, args[0], c, frames)
			}
			return processPlain(ctx, cmd.OutOrStdout(), c, frames)
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "show progress and results in a terminal view")
	cmd.Flags().BoolVar(&plain, "plain", false, "print JSON lines even on a terminal")
	return cmd
}

func newWorkerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Serve the JSON lines worker protocol on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, err := a.loadEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close(context.WithoutCancel(ctx))
			return worker.Serve(ctx, eng, os.Stdin, cmd.OutOrStdout(), a.workerOptions()...)
		},
	}
}

// startController compiles the engine and initializes it on a worker. The
// engine is closed once the worker stops.
func (a *app) startController(ctx context.Context) (*worker.Controller, error) {
	cfg, err := a.settings.RhinoConfig()
	if err != nil {
		return nil, err
	}
	eng, err := a.loadEngine(ctx)
	if err != nil {
		return nil, err
	}
	c, err := worker.Create(ctx, eng, cfg, a.workerOptions()...)
	if err != nil {
		eng.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	go func() {
		<-c.Done()
		if err := eng.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("failed to close engine", zap.Error(err))
		}
	}()
	return c, nil
}

func openClip(path string) (*pcm.Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	clip, err := pcm.ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return clip, nil
}

// processPlain writes one JSON line per finalized inference and one per
// process fault.
func processPlain(ctx context.Context, w io.Writer, c *worker.Controller, frames [][]int16) error {
	enc := json.NewEncoder(w)
	var faults int
	var writeErr error
	err := stream(ctx, c, frames, events{
		inference: func(inf inferenceEvent) {
			if writeErr == nil {
				writeErr = enc.Encode(inf)
			}
		},
		fault: func(f faultEvent) {
			faults++
			if writeErr == nil {
				writeErr = enc.Encode(f)
			}
		},
	})
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	if faults > 0 {
		return fmt.Errorf("%d frames failed", faults)
	}
	return nil
}
