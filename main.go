// Package main implements the Live Leaf Detector daemon. It watches a camera,
// asks a hosted classifier whether each sampled frame shows a single plant
// leaf, and once a few consecutive frames agree it hands that frame to the
// disease-analysis backend.
//
// Frames are sampled at a configurable interval with at most one classifier
// request in flight. Session status is streamed over a websocket so a front
// end can show detection progress.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clalos/live-leaf-detector/internal/acquisition"
	"github.com/clalos/live-leaf-detector/internal/analysis"
	"github.com/clalos/live-leaf-detector/internal/camera"
	"github.com/clalos/live-leaf-detector/internal/classifier"
	"github.com/clalos/live-leaf-detector/internal/status"
)

// Config holds the application configuration. It is read from an optional
// YAML file and then overridden by command-line flags that were set.
type Config struct {
	Device          string        `yaml:"device"`
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	ImageFormat     string        `yaml:"image_format"`
	Interval        time.Duration `yaml:"interval"`
	Warmup          time.Duration `yaml:"warmup"`
	Threshold       int           `yaml:"threshold"`
	FailurePolicy   string        `yaml:"failure_policy"`
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`
	HandoffTimeout  time.Duration `yaml:"handoff_timeout"`
	ClassifierURL   string        `yaml:"classifier_url"`
	AnalysisURL     string        `yaml:"analysis_url"`
	OutputDir       string        `yaml:"output_dir"`
	Listen          string        `yaml:"listen"`
	Restart         bool          `yaml:"restart"`
	LogFormat       string        `yaml:"logfmt"`
	Verbose         bool          `yaml:"verbose"`
}

func defaultConfig() Config {
	acq := acquisition.DefaultConfig()
	return Config{
		Device:          "0",
		ImageFormat:     "png",
		Interval:        acq.Interval,
		Warmup:          acq.Warmup,
		Threshold:       acq.Threshold,
		FailurePolicy:   acq.FailurePolicy.String(),
		ClassifyTimeout: acq.ClassifyTimeout,
		HandoffTimeout:  acq.HandoffTimeout,
		OutputDir:       "captures",
		Listen:          ":8080",
		LogFormat:       "json",
	}
}

// loadConfigFile reads a YAML config over the built-in defaults.
func loadConfigFile(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// parseFlags parses command-line arguments and returns the application configuration.
func parseFlags() (*Config, error) {
	// Create a new FlagSet to avoid global flag conflicts in tests
	fs := flag.NewFlagSet("lld", flag.ContinueOnError)

	fc := defaultConfig()
	configPath := fs.String("config", "", "Path to a YAML config file")
	fs.StringVar(&fc.Device, "device", fc.Device, "Camera index or video stream URL")
	fs.IntVar(&fc.Width, "width", fc.Width, "Requested capture width (0 keeps device default)")
	fs.IntVar(&fc.Height, "height", fc.Height, "Requested capture height (0 keeps device default)")
	fs.StringVar(&fc.ImageFormat, "image-format", fc.ImageFormat, "Frame encoding: png or jpeg")
	fs.DurationVar(&fc.Interval, "interval", fc.Interval, "Frame sampling interval")
	fs.DurationVar(&fc.Warmup, "warmup", fc.Warmup, "Delay before the first sample")
	fs.IntVar(&fc.Threshold, "threshold", fc.Threshold, "Consecutive single-leaf frames required for handoff")
	fs.StringVar(&fc.FailurePolicy, "failure-policy", fc.FailurePolicy, "Streak on classifier failure: keep or reset")
	fs.DurationVar(&fc.ClassifyTimeout, "classify-timeout", fc.ClassifyTimeout, "Per-request classifier timeout")
	fs.DurationVar(&fc.HandoffTimeout, "handoff-timeout", fc.HandoffTimeout, "Timeout for delivering the captured frame")
	fs.StringVar(&fc.ClassifierURL, "classifier-url", fc.ClassifierURL, "Leaf classifier endpoint (required)")
	fs.StringVar(&fc.AnalysisURL, "analysis-url", fc.AnalysisURL, "Disease analysis backend base URL")
	fs.StringVar(&fc.OutputDir, "output-dir", fc.OutputDir, "Directory for captured leaf images (empty disables)")
	fs.StringVar(&fc.Listen, "listen", fc.Listen, "Status server address (empty disables)")
	fs.BoolVar(&fc.Restart, "restart", fc.Restart, "Start a new session after each handoff")
	fs.StringVar(&fc.LogFormat, "logfmt", fc.LogFormat, "Log format: json or kv")
	fs.BoolVar(&fc.Verbose, "verbose", fc.Verbose, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if *configPath != "" {
		loaded, err := loadConfigFile(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	fs.Visit(func(f *flag.Flag) {
		overrideFromFlag(&cfg, &fc, f.Name)
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overrideFromFlag copies the field behind flag name from src into dst.
func overrideFromFlag(dst, src *Config, name string) {
	switch name {
	case "device":
		dst.Device = src.Device
	case "width":
		dst.Width = src.Width
	case "height":
		dst.Height = src.Height
	case "image-format":
		dst.ImageFormat = src.ImageFormat
	case "interval":
		dst.Interval = src.Interval
	case "warmup":
		dst.Warmup = src.Warmup
	case "threshold":
		dst.Threshold = src.Threshold
	case "failure-policy":
		dst.FailurePolicy = src.FailurePolicy
	case "classify-timeout":
		dst.ClassifyTimeout = src.ClassifyTimeout
	case "handoff-timeout":
		dst.HandoffTimeout = src.HandoffTimeout
	case "classifier-url":
		dst.ClassifierURL = src.ClassifierURL
	case "analysis-url":
		dst.AnalysisURL = src.AnalysisURL
	case "output-dir":
		dst.OutputDir = src.OutputDir
	case "listen":
		dst.Listen = src.Listen
	case "restart":
		dst.Restart = src.Restart
	case "logfmt":
		dst.LogFormat = src.LogFormat
	case "verbose":
		dst.Verbose = src.Verbose
	}
}

func (c *Config) validate() error {
	if c.ClassifierURL == "" {
		return fmt.Errorf("classifier-url is required")
	}
	if c.Device == "" {
		return fmt.Errorf("device is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "kv" {
		return fmt.Errorf("logfmt must be 'json' or 'kv'")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.Warmup < 0 {
		return fmt.Errorf("warmup must not be negative")
	}
	if c.Threshold < 1 {
		return fmt.Errorf("threshold must be at least 1")
	}
	if _, err := acquisition.ParseFailurePolicy(c.FailurePolicy); err != nil {
		return err
	}
	if _, err := camera.ParseFormat(c.ImageFormat); err != nil {
		return err
	}
	return nil
}

// acquisitionConfig converts the validated CLI config into loop settings.
func (c *Config) acquisitionConfig() acquisition.Config {
	policy, _ := acquisition.ParseFailurePolicy(c.FailurePolicy)

	acq := acquisition.DefaultConfig()
	acq.Interval = c.Interval
	acq.Warmup = c.Warmup
	acq.Threshold = c.Threshold
	acq.FailurePolicy = policy
	acq.ClassifyTimeout = c.ClassifyTimeout
	acq.HandoffTimeout = c.HandoffTimeout
	return acq
}

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string, verbose bool) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// buildSink assembles the handoff sinks enabled in the config.
func buildSink(ctx context.Context, config *Config, broadcaster *status.Broadcaster, logger *slog.Logger) acquisition.HandoffSink {
	var sinks analysis.Sinks

	if config.OutputDir != "" {
		sinks = append(sinks, analysis.NewFileSink(config.OutputDir, logger))
	}

	if config.AnalysisURL != "" {
		client := analysis.NewClient(config.AnalysisURL, logger).
			OnResult(func(p acquisition.HandoffPayload, prediction *analysis.Prediction) {
				broadcaster.PublishPrediction(p, prediction)
			})
		if err := client.CheckHealth(ctx); err != nil {
			logger.Warn("Disease analysis backend not available", "url", config.AnalysisURL, "error", err)
		}
		sinks = append(sinks, client)
	}

	return sinks
}

// run starts sessions until a handoff (or, with Restart, until ctx ends).
func run(ctx context.Context, config *Config, logger *slog.Logger) error {
	format, _ := camera.ParseFormat(config.ImageFormat)
	source := camera.NewSource(config.Device, camera.Options{
		Width:       config.Width,
		Height:      config.Height,
		Format:      format,
		FlushFrames: 1,
	}, logger)

	broadcaster := status.NewBroadcaster(logger)
	if config.Listen != "" {
		mux := http.NewServeMux()
		status.NewServer(broadcaster, logger).SetupRoutes(mux)
		go func() {
			if err := status.ListenAndServe(ctx, config.Listen, mux, logger); err != nil {
				logger.Error("Status server failed", "error", err)
			}
		}()
	}

	controller := acquisition.NewController(
		source,
		classifier.NewClient(config.ClassifierURL, nil, logger),
		buildSink(ctx, config, broadcaster, logger),
		config.acquisitionConfig(),
		acquisition.WithLogger(logger),
		acquisition.WithObserver(broadcaster),
	)

	for {
		session, err := controller.Start(ctx, config.Interval)
		if err != nil {
			return fmt.Errorf("start acquisition: %w", err)
		}

		<-session.Done()

		if _, ok := session.Handoff(); !ok || !config.Restart || ctx.Err() != nil {
			return nil
		}
		logger.Info("Restarting acquisition after handoff")
	}
}

func main() {
	config, err := parseFlags()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(config.LogFormat, config.Verbose)
	slog.SetDefault(logger)

	logger.Info("Starting Live Leaf Detector",
		"device", config.Device,
		"interval", config.Interval,
		"threshold", config.Threshold,
		"failure_policy", config.FailurePolicy,
		"classifier_url", config.ClassifierURL,
		"analysis_url", config.AnalysisURL,
		"listen", config.Listen,
		"log_format", config.LogFormat,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("Live Leaf Detector failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Live Leaf Detector stopped")
}
