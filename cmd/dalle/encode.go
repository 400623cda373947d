package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/Gertie01/dalle-mini/internal/batch"
	"github.com/Gertie01/dalle-mini/internal/config"
	"github.com/Gertie01/dalle-mini/internal/dataset"
	"github.com/Gertie01/dalle-mini/internal/encoder"
	"github.com/Gertie01/dalle-mini/internal/logger"
	"github.com/Gertie01/dalle-mini/internal/pipeline"
	"github.com/Gertie01/dalle-mini/internal/splitwriter"
	"github.com/Gertie01/dalle-mini/internal/status"
	"github.com/Gertie01/dalle-mini/internal/version"
)

type encodeFunc func(ctx context.Context, s config.Settings) error

func encodeCmd() *cli.Command {
	return newEncodeCmd(runEncode)
}

func newEncodeCmd(run encodeFunc) *cli.Command {
	f := &encodeFlags{}
	return &cli.Command{
		Name:  "encode",
		Usage: "Encode images into token splits",
		Flags: append(f.flags(), loggingFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := resolveSettings(c, f)
			if err != nil {
				return err
			}
			return run(ctx, s)
		},
	}
}

func runEncode(ctx context.Context, s config.Settings) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	log, err := logger.Setup(os.Stderr, s.LogFormat, s.LogLevel)
	if err != nil {
		return err
	}
	log = log.With("run_id", runID)
	ctx = logger.WithContext(ctx, log)

	var skipLog io.Writer
	if s.OnError == "log" {
		f, err := os.OpenFile(s.SkipLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open skip log: %w", err)
		}
		defer func() { _ = f.Close() }()
		skipLog = f
	}
	policy, err := dataset.ParsePolicy(s.OnError, log, skipLog, runID)
	if err != nil {
		return err
	}
	partial, err := batch.ParsePolicy(s.PartialBatch)
	if err != nil {
		return err
	}

	opener := dataset.Opener{}
	if s.UsesS3() {
		client, err := dataset.NewS3Client(s.S3Region, s.S3Endpoint)
		if err != nil {
			return err
		}
		opener.S3 = client
	}
	src, err := dataset.NewSource(ctx, opener, s.SourceKind, s.Source)
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}
	loader := dataset.NewLoader(src, dataset.LoaderOptions{
		ImageSize:           s.ImageSize,
		Policy:              policy,
		MaxConsecutiveSkips: s.MaxConsecutiveSkips,
		StallTimeout:        s.StallTimeout,
	})
	defer func() { _ = loader.Close() }()

	log.Info("loading model", "model", s.Model, "devices", s.Devices)
	enc, err := encoder.Open(s.Model, encoder.Options{
		ImageSize:     s.ImageSize,
		Devices:       s.Devices,
		RemoteRPS:     s.RemoteRPS,
		RemoteTimeout: s.RemoteTimeout,
	})
	if err != nil {
		return err
	}
	defer enc.Close()

	w, err := splitwriter.New(splitwriter.Options{
		Dir:       s.OutputDir,
		SaveEvery: s.SaveEvery,
		Durable:   s.Durable,
		Log:       log,
	})
	if err != nil {
		return err
	}

	progress := pipeline.NewProgress(runID, time.Now())
	if s.StatusAddr != "" {
		statusCtx, stopStatus := context.WithCancel(ctx)
		defer stopStatus()
		go func() {
			err := status.Serve(statusCtx, s.StatusAddr, status.NewServer(progress, s.StallTimeout), log)
			if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
				log.Warn("status server stopped", "error", err)
			}
		}()
	}

	log.Info("starting encode",
		"version", version.String(),
		"source", s.Source,
		"output_dir", s.OutputDir,
		"batch_size", s.BatchSize*s.Devices,
		"save_every", s.SaveEvery,
	)
	stats, err := pipeline.Run(ctx, pipeline.Components{
		Loader:  loader,
		Encoder: enc,
		Writer:  w,
	}, pipeline.Settings{
		PerDevice: s.BatchSize,
		Devices:   s.Devices,
		Partial:   partial,
		Progress:  progress,
	}, log)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	fmt.Printf("encoded %d records in %d batches to %d files (%d skipped, %s)\n",
		stats.Records, stats.Batches, stats.Files, stats.Skipped, stats.Elapsed.Round(time.Millisecond))
	return nil
}
