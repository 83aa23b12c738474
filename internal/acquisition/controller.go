package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionActive is returned by Start while the controller's previous
// session is polling or has not yet released the capture device.
var ErrSessionActive = errors.New("acquisition session already active")

// Config holds the tunables of the acquisition loop.
type Config struct {
	// Interval is the polling cadence.
	Interval time.Duration

	// Warmup delays the first tick after the device opens so the camera can
	// settle. The first tick then fires immediately, the rest on Interval.
	Warmup time.Duration

	// Threshold is the number of consecutive single-leaf verdicts that
	// triggers a handoff.
	Threshold int

	// FailurePolicy controls the streak on classifier failures.
	FailurePolicy FailurePolicy

	// ClassifyTimeout bounds one classifier round trip. Expiry counts as
	// ErrService.
	ClassifyTimeout time.Duration

	// HandoffTimeout bounds delivery to the HandoffSink.
	HandoffTimeout time.Duration

	// RecentSize is how many verdict log entries Status keeps.
	RecentSize int

	// MetricsInterval is how often session metrics are logged. Zero disables
	// the report.
	MetricsInterval time.Duration
}

// DefaultConfig returns the cadence and limits used by the live camera page:
// one request per second, three agreeing frames, half a second of warm-up.
func DefaultConfig() Config {
	return Config{
		Interval:        time.Second,
		Warmup:          500 * time.Millisecond,
		Threshold:       DefaultThreshold,
		FailurePolicy:   KeepStreak,
		ClassifyTimeout: 10 * time.Second,
		HandoffTimeout:  30 * time.Second,
		RecentSize:      3,
		MetricsInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Warmup < 0 {
		c.Warmup = 0
	}
	if c.Threshold < 1 {
		c.Threshold = def.Threshold
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = def.ClassifyTimeout
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = def.HandoffTimeout
	}
	if c.RecentSize < 0 {
		c.RecentSize = 0
	}
	return c
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger used by the controller and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers an observer for session status changes.
func WithObserver(observer StatusObserver) Option {
	return func(c *Controller) {
		c.observer = observer
	}
}

// Controller starts acquisition sessions over one frame source. It allows a
// single active session at a time because the capture device is exclusive.
type Controller struct {
	source     FrameSource
	classifier Classifier
	sink       HandoffSink
	observer   StatusObserver
	config     Config
	logger     *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewController wires the acquisition loop to its collaborators.
func NewController(source FrameSource, classifier Classifier, sink HandoffSink, config Config, opts ...Option) *Controller {
	c := &Controller{
		source:     source,
		classifier: classifier,
		sink:       sink,
		config:     config.withDefaults(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.config
}

// Start opens the frame source and begins polling. A non-positive interval
// uses the configured cadence. Failure to acquire the device is returned
// wrapped in ErrCameraUnavailable and no session is created.
//
// Cancelling ctx stops the session the same way Stop does.
func (c *Controller) Start(ctx context.Context, interval time.Duration) (*Session, error) {
	if interval <= 0 {
		interval = c.config.Interval
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The previous session owns the device until teardown has closed it.
	if prev := c.current; prev != nil && (prev.Active() || !prev.deviceReleased()) {
		return nil, ErrSessionActive
	}

	device, err := c.source.Open(ctx)
	if err != nil {
		if !errors.Is(err, ErrCameraUnavailable) {
			err = fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
		}
		return nil, err
	}

	s := newSession(ctx, c, device, interval)
	c.current = s

	s.logger.Info("Acquisition session started",
		"interval", interval,
		"warmup", c.config.Warmup,
		"threshold", s.machine.Threshold,
		"failure_policy", s.machine.Policy,
		"classify_timeout", c.config.ClassifyTimeout)

	s.publish(s.Status())
	go s.run()

	return s, nil
}

// Current returns the most recently started session, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
