// Package camera provides an acquisition.FrameSource backed by an OpenCV
// video capture device.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/live-leaf-detector/internal/acquisition"
)

var errNoCapture = errors.New("connection error: capture is not open")

// Format is the encoding used for captured frames.
type Format struct {
	ext  gocv.FileExt
	mime string
}

var (
	// PNG matches what the live classifier expects: lossless, no JPEG
	// artifacts on leaf edges.
	PNG = Format{ext: gocv.PNGFileExt, mime: "image/png"}
	// JPEG trades fidelity for a smaller request body.
	JPEG = Format{ext: gocv.JPEGFileExt, mime: "image/jpeg"}
)

// ParseFormat accepts "png", "jpeg" or "jpg".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "png", "":
		return PNG, nil
	case "jpeg", "jpg":
		return JPEG, nil
	default:
		return Format{}, fmt.Errorf("unsupported image format %q (want png or jpeg)", s)
	}
}

// MIMEType returns the content type of encoded frames.
func (f Format) MIMEType() string {
	return f.mime
}

// Options configures a Source.
type Options struct {
	// Width and Height request a capture resolution; zero keeps the default.
	Width  int
	Height int

	Format Format

	// FlushFrames are grabbed and discarded before each read so the frame
	// returned reflects the scene at call time rather than the driver buffer.
	FlushFrames int

	// MaxReadFailures consecutive failures open the circuit and trigger a
	// reopen of the device.
	MaxReadFailures int64
}

// Source opens gocv capture devices. The device string is either a numeric
// camera index ("0") or a file/stream URL.
type Source struct {
	device string
	opts   Options
	logger *slog.Logger
}

// NewSource returns a Source for device.
func NewSource(device string, opts Options, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Format.mime == "" {
		opts.Format = PNG
	}
	if opts.FlushFrames < 0 {
		opts.FlushFrames = 0
	}
	if opts.MaxReadFailures <= 0 {
		opts.MaxReadFailures = 5
	}
	return &Source{device: device, opts: opts, logger: logger.With("device", device)}
}

// Open acquires the capture device.
func (s *Source) Open(ctx context.Context) (acquisition.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", acquisition.ErrCameraUnavailable, err)
	}

	capture, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", acquisition.ErrCameraUnavailable, err)
	}

	s.logger.Info("Capture device opened",
		"width", capture.Get(gocv.VideoCaptureFrameWidth),
		"height", capture.Get(gocv.VideoCaptureFrameHeight),
		"format", s.opts.Format.mime)

	return &Device{
		source:  s,
		capture: capture,
		img:     gocv.NewMat(),
		breaker: NewCircuitBreaker(s.opts.MaxReadFailures, 0, 1, s.logger),
		logger:  s.logger,
	}, nil
}

func (s *Source) open() (*gocv.VideoCapture, error) {
	capture, err := gocv.OpenVideoCapture(s.device)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture is not opened")
	}

	if s.opts.Width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(s.opts.Width))
	}
	if s.opts.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(s.opts.Height))
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	return capture, nil
}

// Device is an open capture handle. Capture and Close are serialized so the
// OpenCV handle is never released during a read.
type Device struct {
	source  *Source
	breaker *CircuitBreaker
	logger  *slog.Logger

	mu      sync.Mutex
	capture *gocv.VideoCapture
	img     gocv.Mat

	reconnects atomic.Int64
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// Capture reads and encodes the current frame.
func (d *Device) Capture(ctx context.Context) (acquisition.Frame, error) {
	if err := ctx.Err(); err != nil {
		return acquisition.Frame{}, fmt.Errorf("%w: %v", acquisition.ErrCapture, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return acquisition.Frame{}, fmt.Errorf("%w: device closed", acquisition.ErrCapture)
	}

	var data []byte
	err := d.breaker.Call(func() error {
		var err error
		data, err = d.readLocked()
		return err
	})
	if err != nil {
		if d.breaker.GetState() == CircuitOpen {
			d.reopenLocked()
		}
		return acquisition.Frame{}, fmt.Errorf("%w: %v", acquisition.ErrCapture, err)
	}

	return acquisition.Frame{
		Data:       data,
		MIMEType:   d.source.opts.Format.mime,
		CapturedAt: time.Now(),
	}, nil
}

func (d *Device) readLocked() ([]byte, error) {
	if d.capture == nil {
		return nil, errNoCapture
	}
	if d.source.opts.FlushFrames > 0 {
		d.capture.Grab(d.source.opts.FlushFrames)
	}
	if !d.capture.Read(&d.img) {
		return nil, fmt.Errorf("stream read error: failed to read frame from device")
	}
	if d.img.Empty() {
		return nil, fmt.Errorf("stream error: empty frame captured")
	}

	buf, err := gocv.IMEncode(d.source.opts.Format.ext, d.img)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	return bytes.Clone(buf.GetBytes()), nil
}

// reopenLocked replaces the capture handle once. The polling cadence is the
// retry loop, so there is no backoff here. The old handle is closed first so
// at most one handle is ever open.
func (d *Device) reopenLocked() {
	attempt := d.reconnects.Add(1)
	d.logger.Info("Circuit breaker open, reopening capture device", "attempt", attempt)

	if d.capture != nil {
		d.capture.Close()
		d.capture = nil
	}

	capture, err := d.source.open()
	if err != nil {
		d.logger.Warn("Capture device reopen failed", "attempt", attempt, "error", err)
		return
	}
	d.capture = capture
	d.breaker.Reset()
	d.logger.Info("Capture device reopened", "attempt", attempt)
}

// Reconnects returns how many times the device was reopened.
func (d *Device) Reconnects() int64 {
	return d.reconnects.Load()
}

// Close releases the capture handle. It is safe to call more than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)

		d.mu.Lock()
		defer d.mu.Unlock()

		var errs []error
		if d.capture != nil {
			if err := d.capture.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close video capture: %w", err))
			}
			d.capture = nil
		}
		if err := d.img.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release frame buffer: %w", err))
		}
		d.closeErr = errors.Join(errs...)

		d.logger.Debug("Capture device closed")
	})
	return d.closeErr
}
