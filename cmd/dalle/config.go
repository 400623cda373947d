package main

import (
	"runtime"

	"github.com/urfave/cli/v3"

	"github.com/Gertie01/dalle-mini/internal/config"
)

// resolveSettings layers defaults, the config file, explicitly set flags
// and environment fallbacks, then validates the result.
func resolveSettings(c *cli.Command, f *encodeFlags) (config.Settings, error) {
	path, required := f.configFile, true
	if path == "" {
		path, required = config.DefaultPath(), false
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return config.Settings{}, err
	}

	s := config.Defaults()
	s.Apply(cfg)
	applyEncodeFlags(c, f, &s)
	s.ApplyEnv()
	if s.Devices == 0 {
		s.Devices = defaultDevices(s)
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

// applyEncodeFlags overrides settings with every flag the user set.
func applyEncodeFlags(c *cli.Command, f *encodeFlags, s *config.Settings) {
	if c.IsSet("source") {
		s.Source = f.source
	}
	if c.IsSet("source-kind") {
		s.SourceKind = f.sourceKind
	}
	if c.IsSet("output-dir") {
		s.OutputDir = f.outputDir
	}
	if c.IsSet("model") {
		s.Model = f.model
	}
	if c.IsSet("image-size") {
		s.ImageSize = int(f.imageSize)
	}
	if c.IsSet("batch-size") {
		s.BatchSize = int(f.batchSize)
	}
	if c.IsSet("devices") {
		s.Devices = int(f.devices)
	}
	if c.IsSet("save-every") {
		s.SaveEvery = int(f.saveEvery)
	}
	if c.IsSet("partial-batch") {
		s.PartialBatch = f.partialBatch
	}
	if c.IsSet("on-error") {
		s.OnError = f.onError
	}
	if c.IsSet("skip-log") {
		s.SkipLog = f.skipLog
	}
	if c.IsSet("max-consecutive-skips") {
		s.MaxConsecutiveSkips = int(f.maxConsecutiveSkips)
	}
	if c.IsSet("stall-timeout") {
		s.StallTimeout = f.stallTimeout
	}
	if c.IsSet("durable") {
		s.Durable = f.durable
	}
	if c.IsSet("status-addr") {
		s.StatusAddr = f.statusAddr
	}
	if c.IsSet("remote-rps") {
		s.RemoteRPS = f.remoteRPS
	}
	if c.IsSet("remote-timeout") {
		s.RemoteTimeout = f.remoteTimeout
	}
	if c.IsSet("s3-region") {
		s.S3Region = f.s3Region
	}
	if c.IsSet("s3-endpoint") {
		s.S3Endpoint = f.s3Endpoint
	}
	if c.IsSet("log-level") {
		s.LogLevel = logLevel
	}
	if c.IsSet("log-format") {
		s.LogFormat = logFormat
	}
	if debug {
		s.LogLevel = "debug"
	}
}

// defaultDevices is one worker per CPU for local codebooks and a single
// in-flight request for remote models.
func defaultDevices(s config.Settings) int {
	if s.RemoteModel() {
		return 1
	}
	return max(1, runtime.NumCPU())
}
