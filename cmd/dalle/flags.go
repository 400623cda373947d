package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// encodeFlags holds the encode command's flag destinations.
type encodeFlags struct {
	configFile string

	source     string
	sourceKind string
	outputDir  string
	model      string

	imageSize    int64
	batchSize    int64
	devices      int64
	saveEvery    int64
	partialBatch string

	onError             string
	skipLog             string
	maxConsecutiveSkips int64
	stallTimeout        time.Duration

	durable    bool
	statusAddr string

	remoteRPS     float64
	remoteTimeout time.Duration

	s3Region   string
	s3Endpoint string
}

func (f *encodeFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &f.configFile,
		},
		&cli.StringFlag{
			Name:        "source",
			Aliases:     []string{"s", "input"},
			Usage:       "input pattern: local glob, brace range or s3://bucket/prefix",
			Destination: &f.source,
		},
		&cli.StringFlag{
			Name:        "source-kind",
			Usage:       "input layout (shards, rows)",
			Value:       "shards",
			Destination: &f.sourceKind,
		},
		&cli.StringFlag{
			Name:        "output-dir",
			Aliases:     []string{"o", "out"},
			Usage:       "directory receiving split_*.jsonl files",
			Destination: &f.outputDir,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "codebook:<path.safetensors>[?patch=N] or http(s)://model-server",
			Destination: &f.model,
		},
		&cli.Int64Flag{
			Name:        "image-size",
			Usage:       "square edge images are resized to",
			Value:       256,
			Destination: &f.imageSize,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Usage:       "images per device per batch",
			Value:       8,
			Destination: &f.batchSize,
		},
		&cli.Int64Flag{
			Name:        "devices",
			Usage:       "parallel encode workers (default: CPU count, 1 for remote models)",
			Destination: &f.devices,
		},
		&cli.Int64Flag{
			Name:        "save-every",
			Usage:       "batches per split file",
			Value:       128,
			Destination: &f.saveEvery,
		},
		&cli.StringFlag{
			Name:        "partial-batch",
			Usage:       "final short batch handling (pad, short, drop)",
			Value:       "pad",
			Destination: &f.partialBatch,
		},
		&cli.StringFlag{
			Name:        "on-error",
			Usage:       "bad item handling (fail, warn, log)",
			Value:       "warn",
			Destination: &f.onError,
		},
		&cli.StringFlag{
			Name:        "skip-log",
			Usage:       "JSON lines file for skipped items (with --on-error=log)",
			Destination: &f.skipLog,
		},
		&cli.Int64Flag{
			Name:        "max-consecutive-skips",
			Usage:       "abort after this many bad items in a row (0 disables)",
			Value:       10000,
			Destination: &f.maxConsecutiveSkips,
		},
		&cli.DurationFlag{
			Name:        "stall-timeout",
			Usage:       "abort when no item was produced for this long (0 disables)",
			Value:       10 * time.Minute,
			Destination: &f.stallTimeout,
		},
		&cli.BoolFlag{
			Name:        "durable",
			Usage:       "sync split files to disk after every batch",
			Destination: &f.durable,
		},
		&cli.StringFlag{
			Name:        "status-addr",
			Usage:       "serve /healthz and /progress on this address",
			Destination: &f.statusAddr,
		},
		&cli.Float64Flag{
			Name:        "remote-rps",
			Usage:       "max requests per second to a remote model (0 = unlimited)",
			Destination: &f.remoteRPS,
		},
		&cli.DurationFlag{
			Name:        "remote-timeout",
			Usage:       "timeout for one remote encode request",
			Value:       5 * time.Minute,
			Destination: &f.remoteTimeout,
		},
		&cli.StringFlag{
			Name:        "s3-region",
			Usage:       "AWS region for s3:// sources",
			Destination: &f.s3Region,
		},
		&cli.StringFlag{
			Name:        "s3-endpoint",
			Usage:       "S3 compatible endpoint URL",
			Destination: &f.s3Endpoint,
		},
	}
}
