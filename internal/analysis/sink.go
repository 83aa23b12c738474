package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/clalos/live-leaf-detector/internal/acquisition"
)

// FileSink writes each handed-off frame into a directory.
type FileSink struct {
	dir    string
	logger *slog.Logger
}

// NewFileSink returns a FileSink writing into dir.
func NewFileSink(dir string, logger *slog.Logger) *FileSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{dir: dir, logger: logger}
}

// Path returns the file a payload is written to.
func (s *FileSink) Path(payload acquisition.HandoffPayload) string {
	ext := ".png"
	if payload.Frame.MIMEType == "image/jpeg" {
		ext = ".jpg"
	}
	name := fmt.Sprintf("%s-%04d%s", payload.SessionID, payload.Frame.Index, ext)
	return filepath.Join(s.dir, name)
}

// Handoff implements acquisition.HandoffSink.
func (s *FileSink) Handoff(ctx context.Context, payload acquisition.HandoffPayload) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	path := s.Path(payload)
	if err := os.WriteFile(path, payload.Frame.Data, 0o644); err != nil {
		return fmt.Errorf("write captured frame: %w", err)
	}

	s.logger.Info("Captured leaf image saved", "path", path, "bytes", len(payload.Frame.Data))
	return nil
}

// Sinks fans a payload out to every sink in order. All sinks run even if
// an earlier one fails; the errors are joined.
type Sinks []acquisition.HandoffSink

// Handoff implements acquisition.HandoffSink.
func (s Sinks) Handoff(ctx context.Context, payload acquisition.HandoffPayload) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Handoff(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
