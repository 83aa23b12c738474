package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EndReason records why a session ended.
type EndReason string

const (
	EndHandoff   EndReason = "handoff"
	EndStopped   EndReason = "stopped"
	EndCancelled EndReason = "cancelled"
)

// LogEntry is one applied classifier response, kept for diagnostics.
type LogEntry struct {
	Timestamp         time.Time `json:"timestamp"`
	Request           int64     `json:"request"`
	IsLeaf            bool      `json:"isPlant"`
	HasMultipleLeaves bool      `json:"hasMultipleLeaves"`
	ResponseTimeMs    int64     `json:"responseTimeMs"`
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID          string         `json:"sessionId"`
	Active             bool           `json:"active"`
	State              DetectionState `json:"state"`
	Streak             int            `json:"streak"`
	Threshold          int            `json:"threshold"`
	InFlight           bool           `json:"inFlight"`
	Requests           int64          `json:"requests"`
	LastResponseTimeMs int64          `json:"lastResponseTimeMs"`
	Recent             []LogEntry     `json:"recent"`
	EndReason          EndReason      `json:"endReason,omitempty"`
	HandedOff          bool           `json:"handedOff"`
}

// Session is one start-to-stop run of the acquisition loop. It exclusively
// owns the open Device. Only the session's own goroutines mutate it; callers
// observe it through Status, Done and Handoff.
type Session struct {
	id       string
	interval time.Duration
	config   Config
	machine  Machine

	device     Device
	classifier Classifier
	sink       HandoffSink
	observer   StatusObserver
	logger     *slog.Logger

	// parent is kept uncancelled for handoff delivery, which must outlive
	// the polling context it tears down.
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	// inFlight is the backpressure guard; a tick runs only if it wins the
	// false->true swap.
	inFlight   atomic.Bool
	frameIndex atomic.Int64
	requestSeq atomic.Int64
	metrics    Metrics

	mu        sync.Mutex
	state     DetectionState
	streak    int
	ended     bool
	endReason EndReason
	handoff   *HandoffPayload
	recent    []LogEntry

	closeOnce sync.Once
	closeErr  error
	// released is closed once the device has been closed.
	released chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

func newSession(ctx context.Context, c *Controller, device Device, interval time.Duration) *Session {
	id := uuid.NewString()
	sctx, cancel := context.WithCancel(ctx)

	return &Session{
		id:         id,
		interval:   interval,
		config:     c.config,
		machine:    NewMachine(c.config.Threshold, c.config.FailurePolicy),
		device:     device,
		classifier: c.classifier,
		sink:       c.sink,
		observer:   c.observer,
		logger:     c.logger.With("session_id", id),
		parent:     context.WithoutCancel(ctx),
		ctx:        sctx,
		cancel:     cancel,
		state:      StateInitializing,
		released:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Metrics returns the live counters of the session.
func (s *Session) Metrics() *Metrics {
	return &s.metrics
}

// Done is closed once the session has ended, its device is released and,
// after a handoff, the sink has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Active reports whether the session is still polling.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

// Handoff returns the emitted payload, if the session ended with one.
func (s *Session) Handoff() (HandoffPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handoff == nil {
		return HandoffPayload{}, false
	}
	return *s.handoff, true
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	recent := make([]LogEntry, len(s.recent))
	copy(recent, s.recent)

	return Status{
		SessionID:          s.id,
		Active:             !s.ended,
		State:              s.state,
		Streak:             s.streak,
		Threshold:          s.machine.Threshold,
		InFlight:           s.inFlight.Load(),
		Requests:           s.metrics.GetRequests(),
		LastResponseTimeMs: s.metrics.GetLastResponseTime().Milliseconds(),
		Recent:             recent,
		EndReason:          s.endReason,
		HandedOff:          s.handoff != nil,
	}
}

// Stop cancels the polling timer and any in-flight request, and releases the
// device. A result that arrives afterwards is discarded. Stop is safe to call
// more than once and after a handoff; it then only waits until the device
// has been released.
func (s *Session) Stop() error {
	return s.end(EndStopped)
}

func (s *Session) end(reason EndReason) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		<-s.released
		return nil
	}
	s.ended = true
	s.endReason = reason
	s.state = StateInitializing
	s.streak = 0
	status := s.statusLocked()
	s.mu.Unlock()

	err := s.teardown()
	s.publish(status)
	s.closeDone()

	s.logger.Info("Acquisition session stopped",
		"reason", reason,
		"requests", s.metrics.GetRequests(),
		"ticks_skipped", s.metrics.GetTicksSkipped())

	return err
}

// teardown stops polling and closes the device exactly once.
func (s *Session) teardown() error {
	s.closeOnce.Do(func() {
		defer close(s.released)
		s.cancel()
		if err := s.device.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close capture device: %w", err)
			s.logger.Warn("Capture device close failed", "error", err)
		}
	})
	return s.closeErr
}

// deviceReleased reports whether teardown has closed the device.
func (s *Session) deviceReleased() bool {
	select {
	case <-s.released:
		return true
	default:
		return false
	}
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) publish(status Status) {
	if s.observer != nil {
		s.observer.Publish(status)
	}
}

// run drives the cadence until the session context ends.
func (s *Session) run() {
	warmup := time.NewTimer(s.config.Warmup)
	defer warmup.Stop()

	select {
	case <-s.ctx.Done():
		s.end(EndCancelled)
		return
	case <-warmup.C:
	}

	s.schedule()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var report <-chan time.Time
	if s.config.MetricsInterval > 0 {
		metricsTicker := time.NewTicker(s.config.MetricsInterval)
		defer metricsTicker.Stop()
		report = metricsTicker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			// Either Stop/handoff already ended the session, or the caller's
			// context was cancelled.
			s.end(EndCancelled)
			s.logger.Debug("Polling loop stopped")
			return
		case <-ticker.C:
			s.schedule()
		case <-report:
			s.reportMetrics()
		}
	}
}

// schedule starts a tick unless the previous one is still in flight. Ticks
// that lose the race are dropped, never queued.
func (s *Session) schedule() {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.ticksSkipped.Add(1)
		s.logger.Debug("Skipping tick, previous request still in flight",
			"ticks_skipped", s.metrics.GetTicksSkipped())
		return
	}
	go s.tick()
}

func (s *Session) tick() {
	s.metrics.ticks.Add(1)

	if s.ctx.Err() != nil {
		s.inFlight.Store(false)
		return
	}

	frame, err := s.device.Capture(s.ctx)
	if err != nil {
		s.metrics.captureErrors.Add(1)
		s.logger.Warn("Frame capture failed, skipping tick",
			"error", err,
			"capture_errors", s.metrics.GetCaptureErrors())
		s.inFlight.Store(false)
		return
	}
	frame.Index = s.frameIndex.Add(1)
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}

	request := s.requestSeq.Add(1)
	s.logger.Debug("Sending classification request",
		"request", request,
		"frame_index", frame.Index,
		"bytes", len(frame.Data))

	start := time.Now()
	verdict, err := s.classify(frame)
	elapsed := time.Since(start)

	payload := s.apply(request, frame, verdict, err, elapsed)
	if payload == nil {
		s.inFlight.Store(false)
		return
	}

	// The session is over; inFlight stays set so nothing else can start.
	s.emit(*payload)
}

func (s *Session) classify(frame Frame) (Verdict, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.ClassifyTimeout)
	defer cancel()

	verdict, err := s.classifier.Classify(ctx, frame)
	if err != nil && s.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: no response within %v: %v", ErrService, s.config.ClassifyTimeout, err)
	}
	return verdict, err
}

// apply feeds one tick result into the state machine. It returns the handoff
// payload when this tick ended the session.
func (s *Session) apply(request int64, frame Frame, verdict Verdict, classifyErr error, elapsed time.Duration) *HandoffPayload {
	s.mu.Lock()
	// A cancelled context means the session is being torn down even if run
	// has not called end yet.
	if s.ended || s.ctx.Err() != nil {
		s.mu.Unlock()
		s.metrics.staleResults.Add(1)
		s.logger.Debug("Discarding classification result",
			"request", request,
			"reason", ErrStaleSessionResult)
		return nil
	}

	var step Step
	if classifyErr != nil {
		s.metrics.classifyErrors.Add(1)
		step = s.machine.Fail(s.streak)
		s.logger.Warn("Classification failed, skipping tick",
			"request", request,
			"error", classifyErr,
			"streak", step.Streak,
			"failure_policy", s.machine.Policy)
	} else {
		s.metrics.requests.Add(1)
		s.metrics.lastResultTime.Store(time.Now().UnixNano())
		s.metrics.UpdateResponseTime(elapsed)
		step = s.machine.Apply(s.streak, verdict)
		s.recordLocked(request, verdict, elapsed)
	}

	reached := step.Streak
	if step.Handoff {
		reached = s.streak + 1
	}
	s.state = step.State
	s.streak = step.Streak

	var payload *HandoffPayload
	if step.Handoff {
		payload = &HandoffPayload{
			SessionID: s.id,
			Frame:     frame,
			Streak:    reached,
			At:        time.Now(),
		}
		s.ended = true
		s.endReason = EndHandoff
		s.handoff = payload
	}
	status := s.statusLocked()
	s.mu.Unlock()

	if classifyErr == nil {
		s.logger.Info("Classification completed",
			"request", request,
			"frame_index", frame.Index,
			"response_time_ms", elapsed.Milliseconds(),
			"state", step.State,
			"streak", reached,
			"threshold", s.machine.Threshold)
	}

	// A handoff status is published by emit once the device is released.
	if payload == nil {
		s.publish(status)
	}
	return payload
}

func (s *Session) recordLocked(request int64, v Verdict, elapsed time.Duration) {
	if s.config.RecentSize == 0 {
		return
	}
	entry := LogEntry{
		Timestamp:         time.Now(),
		Request:           request,
		IsLeaf:            v.IsLeaf,
		HasMultipleLeaves: v.HasMultipleLeaves,
		ResponseTimeMs:    elapsed.Milliseconds(),
	}
	s.recent = append([]LogEntry{entry}, s.recent...)
	if len(s.recent) > s.config.RecentSize {
		s.recent = s.recent[:s.config.RecentSize]
	}
}

// emit releases the session's resources and delivers the payload. Only the
// tick that flipped ended under the lock reaches here, so it runs once.
func (s *Session) emit(payload HandoffPayload) {
	defer s.closeDone()

	s.logger.Info("Single leaf stable, handing off frame",
		"frame_index", payload.Frame.Index,
		"streak", payload.Streak,
		"bytes", len(payload.Frame.Data))

	s.teardown()
	s.publish(s.Status())

	ctx, cancel := context.WithTimeout(s.parent, s.config.HandoffTimeout)
	defer cancel()

	if err := s.sink.Handoff(ctx, payload); err != nil {
		s.logger.Error("Handoff delivery failed", "error", err)
	}
}

// reportMetrics logs session health at debug level and warns on stalls.
func (s *Session) reportMetrics() {
	lastResultAge := s.metrics.GetLastResultAge()

	s.logger.Debug("Acquisition metrics report",
		"ticks", s.metrics.GetTicks(),
		"ticks_skipped", s.metrics.GetTicksSkipped(),
		"requests", s.metrics.GetRequests(),
		"capture_errors", s.metrics.GetCaptureErrors(),
		"classify_errors", s.metrics.GetClassifyErrors(),
		"stale_results", s.metrics.GetStaleResults(),
		"avg_response_time_ms", s.metrics.GetAvgResponseTimeMs(),
		"last_result_age_ms", lastResultAge.Milliseconds())

	if lastResultAge > 5*s.interval {
		s.logger.Warn("Classification may be stalled",
			"last_result_age", lastResultAge,
			"expected_interval", s.interval)
	}
}
