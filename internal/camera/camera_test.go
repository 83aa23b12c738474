package camera

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/live-leaf-detector/internal/acquisition"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour, 1, quietLogger())
	readErr := errors.New("stream read error")

	for i := 0; i < 2; i++ {
		if err := cb.Call(func() error { return readErr }); !errors.Is(err, readErr) {
			t.Fatalf("Call() error = %v, want read error", err)
		}
		if cb.GetState() != CircuitClosed {
			t.Fatalf("state after %d failures = %v, want CLOSED", i+1, cb.GetState())
		}
	}

	cb.Call(func() error { return readErr })
	if cb.GetState() != CircuitOpen {
		t.Fatalf("state after 3 failures = %v, want OPEN", cb.GetState())
	}

	called := false
	if err := cb.Call(func() error { called = true; return nil }); err == nil {
		t.Error("Call() on open circuit should fail")
	}
	if called {
		t.Error("open circuit ran the guarded function")
	}
}

func TestCircuitBreakerRecovers(t *testing.T) {
	cb := NewCircuitBreaker(1, 0, 2, quietLogger())

	cb.Call(func() error { return errors.New("boom") })
	if cb.GetState() != CircuitOpen {
		t.Fatalf("state = %v, want OPEN", cb.GetState())
	}

	// Zero timeout: the next call is a half-open probe.
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if cb.GetState() != CircuitHalfOpen {
		t.Fatalf("state after 1 probe = %v, want HALF_OPEN", cb.GetState())
	}

	cb.Call(func() error { return nil })
	if cb.GetState() != CircuitClosed {
		t.Errorf("state after 2 probes = %v, want CLOSED", cb.GetState())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 0, 2, quietLogger())

	cb.Call(func() error { return errors.New("boom") })
	cb.Call(func() error { return errors.New("still broken") })

	if cb.GetState() != CircuitOpen {
		t.Errorf("state = %v, want OPEN", cb.GetState())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour, 1, quietLogger())
	cb.Call(func() error { return errors.New("boom") })

	cb.Reset()
	if cb.GetState() != CircuitClosed {
		t.Errorf("state = %v, want CLOSED", cb.GetState())
	}
	if cb.GetFailureCount() != 0 {
		t.Errorf("failure count = %d, want 0", cb.GetFailureCount())
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "CLOSED"},
		{CircuitOpen, "OPEN"},
		{CircuitHalfOpen, "HALF_OPEN"},
		{CircuitState(9), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in       string
		wantMIME string
		wantErr  bool
	}{
		{in: "", wantMIME: "image/png"},
		{in: "png", wantMIME: "image/png"},
		{in: "JPEG", wantMIME: "image/jpeg"},
		{in: "jpg", wantMIME: "image/jpeg"},
		{in: "gif", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got.MIMEType() != tt.wantMIME {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got.MIMEType(), tt.wantMIME)
			}
		})
	}
}

func TestNewSourceDefaults(t *testing.T) {
	s := NewSource("0", Options{FlushFrames: -1}, quietLogger())

	if s.opts.Format.MIMEType() != "image/png" {
		t.Errorf("default format = %q, want image/png", s.opts.Format.MIMEType())
	}
	if s.opts.FlushFrames != 0 {
		t.Errorf("FlushFrames = %d, want 0", s.opts.FlushFrames)
	}
	if s.opts.MaxReadFailures != 5 {
		t.Errorf("MaxReadFailures = %d, want 5", s.opts.MaxReadFailures)
	}
}

func TestOpenCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSource("0", Options{}, quietLogger()).Open(ctx)
	if !errors.Is(err, acquisition.ErrCameraUnavailable) {
		t.Errorf("Open() error = %v, want ErrCameraUnavailable", err)
	}
}

func TestOpenMissingDevice(t *testing.T) {
	// Skip if no OpenCV available
	if testing.Short() {
		t.Skip("Skipping OpenCV test in short mode")
	}

	device := filepath.Join(t.TempDir(), "missing.mp4")
	_, err := NewSource(device, Options{}, quietLogger()).Open(context.Background())
	if !errors.Is(err, acquisition.ErrCameraUnavailable) {
		t.Errorf("Open(%q) error = %v, want ErrCameraUnavailable", device, err)
	}
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// writeClip records a short MJPG clip of solid 64x48 frames.
func writeClip(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.avi")

	vw, err := gocv.VideoWriterFile(path, "MJPG", 10, 64, 48, true)
	if err != nil {
		t.Skipf("video writer unavailable: %v", err)
	}
	defer vw.Close()
	if !vw.IsOpened() {
		t.Skip("video writer could not open output file")
	}

	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 160, 60, 0), 48, 64, gocv.MatTypeCV8UC3)
	defer img.Close()
	for i := 0; i < frames; i++ {
		if err := vw.Write(img); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}
	return path
}

func TestDeviceCaptureEncodesPNG(t *testing.T) {
	// Skip if no OpenCV available
	if testing.Short() {
		t.Skip("Skipping OpenCV test in short mode")
	}

	path := writeClip(t, 5)
	dev, err := NewSource(path, Options{}, quietLogger()).Open(context.Background())
	if err != nil {
		t.Fatalf("Open(%q) error = %v", path, err)
	}
	defer dev.Close()

	frame, err := dev.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if frame.MIMEType != "image/png" {
		t.Errorf("MIMEType = %q, want image/png", frame.MIMEType)
	}
	if !bytes.HasPrefix(frame.Data, pngSignature) {
		t.Fatalf("frame data is not PNG: % x", frame.Data[:min(8, len(frame.Data))])
	}

	img, err := gocv.IMDecode(frame.Data, gocv.IMReadColor)
	if err != nil {
		t.Fatalf("IMDecode() error = %v", err)
	}
	defer img.Close()
	if img.Cols() != 64 || img.Rows() != 48 {
		t.Errorf("decoded size = %dx%d, want 64x48", img.Cols(), img.Rows())
	}

	if err := dev.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := dev.Capture(context.Background()); !errors.Is(err, acquisition.ErrCapture) {
		t.Errorf("Capture() after Close error = %v, want ErrCapture", err)
	}
}

func TestDeviceReopensAfterReadFailures(t *testing.T) {
	// Skip if no OpenCV available
	if testing.Short() {
		t.Skip("Skipping OpenCV test in short mode")
	}

	path := writeClip(t, 3)
	dev, err := NewSource(path, Options{MaxReadFailures: 1}, quietLogger()).Open(context.Background())
	if err != nil {
		t.Fatalf("Open(%q) error = %v", path, err)
	}
	defer dev.Close()
	d := dev.(*Device)

	// Read until the clip runs out; the failed read opens the circuit and
	// reopens the file from its first frame.
	captured := 0
	for i := 0; i < 20 && d.Reconnects() == 0; i++ {
		if _, err := d.Capture(context.Background()); err == nil {
			captured++
		} else if !errors.Is(err, acquisition.ErrCapture) {
			t.Fatalf("Capture() error = %v, want ErrCapture", err)
		}
	}
	if captured == 0 {
		t.Fatal("no frame captured before end of clip")
	}
	if got := d.Reconnects(); got != 1 {
		t.Fatalf("reconnects = %d, want 1", got)
	}
	if got := d.breaker.GetState(); got != CircuitClosed {
		t.Errorf("breaker state after reopen = %v, want CLOSED", got)
	}

	frame, err := d.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture() after reopen error = %v", err)
	}
	if !bytes.HasPrefix(frame.Data, pngSignature) {
		t.Error("frame after reopen is not PNG")
	}
}
