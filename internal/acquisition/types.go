// Package acquisition implements the live leaf-acquisition loop: it samples a
// capture device on a fixed cadence, asks an external classifier whether each
// frame shows a single leaf, and hands the first frame of a stable single-leaf
// streak to downstream disease analysis exactly once.
//
// The package is UI-agnostic. Frame sources, classifiers and handoff sinks are
// capability interfaces so the loop can be driven by fakes in tests and by
// gocv/HTTP adapters in production.
package acquisition

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCameraUnavailable means the capture device could not be acquired.
	// It is fatal to Start and never retried.
	ErrCameraUnavailable = errors.New("camera unavailable")

	// ErrCapture means a single frame could not be read. The tick is skipped.
	ErrCapture = errors.New("frame capture failed")

	// ErrNetwork means the classifier could not be reached.
	ErrNetwork = errors.New("classifier network error")

	// ErrService means the classifier answered with an error, an undecodable
	// body, or did not answer before the tick deadline.
	ErrService = errors.New("classifier service error")

	// ErrStaleSessionResult marks a verdict that arrived after its session was
	// torn down. Such results are discarded.
	ErrStaleSessionResult = errors.New("result arrived after session stopped")
)

// Frame is one encoded image captured from a Device.
type Frame struct {
	// Data holds the encoded image bytes (PNG or JPEG).
	Data []byte

	// MIMEType describes Data, e.g. "image/png".
	MIMEType string

	// Index is a per-session counter starting at 1.
	Index int64

	// CapturedAt is when the device returned the frame.
	CapturedAt time.Time
}

// Verdict is the classifier's judgment of a single frame.
type Verdict struct {
	IsLeaf            bool `json:"isPlant"`
	HasMultipleLeaves bool `json:"hasMultipleLeaves"`
}

// HandoffPayload is emitted once per session when a single-leaf streak reaches
// the threshold.
type HandoffPayload struct {
	SessionID string
	Frame     Frame
	// Streak is the streak length that triggered the handoff.
	Streak int
	At     time.Time
}

// FrameSource acquires an exclusive capture device.
type FrameSource interface {
	// Open acquires the device. Failures wrap ErrCameraUnavailable.
	Open(ctx context.Context) (Device, error)
}

// Device is an open capture handle owned by exactly one session.
type Device interface {
	// Capture returns the frame as it exists at call time, not a buffered one.
	// Failures wrap ErrCapture.
	Capture(ctx context.Context) (Frame, error)

	// Close releases the device. It must be safe to call more than once.
	Close() error
}

// Classifier sends one frame to the external leaf classifier. It makes a
// single attempt and relies on ctx for its deadline. Failures wrap ErrNetwork
// or ErrService.
type Classifier interface {
	Classify(ctx context.Context, frame Frame) (Verdict, error)
}

// HandoffSink receives the qualifying frame of a session.
type HandoffSink interface {
	Handoff(ctx context.Context, payload HandoffPayload) error
}

// HandoffFunc adapts a function to HandoffSink.
type HandoffFunc func(ctx context.Context, payload HandoffPayload) error

// Handoff calls f(ctx, payload).
func (f HandoffFunc) Handoff(ctx context.Context, payload HandoffPayload) error {
	return f(ctx, payload)
}

// StatusObserver is notified after every applied tick and on session end.
// Implementations must not block.
type StatusObserver interface {
	Publish(status Status)
}
