package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ErrInvalidAttempts indicates an upload budget below one.
var ErrInvalidAttempts = errors.New("upload attempts must be greater than 0")

// UploadError is returned when every attempt to write an archive failed.
type UploadError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Uploader writes finished archives to a sink. A failed write is retried
// from the start of the archive after Delay, the wait doubling after each
// failure.
type Uploader struct {
	Sink     Sink
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
}

// Upload writes archive to the sink under name and returns its location.
// Partial writes of failed attempts are the sink's to discard.
func (u *Uploader) Upload(ctx context.Context, name string, archive io.ReadSeeker) (string, error) {
	if u.Attempts <= 0 {
		return "", ErrInvalidAttempts
	}
	logger := u.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	wait := u.Delay
	for attempt := 1; attempt <= u.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if _, err := archive.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("rewind %s: %w", name, err)
		}
		location, err := u.Sink.Write(ctx, name, archive)
		if err == nil {
			if attempt > 1 {
				logger.Debug("archive uploaded after retry", "archive", name, "attempt", attempt)
			}
			return location, nil
		}
		lastErr = err
		if attempt == u.Attempts {
			break
		}

		logger.Warn("archive upload failed", "archive", name, "attempt", attempt, "err", err, "retry_in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}

	return "", &UploadError{Name: name, Attempts: u.Attempts, Err: lastErr}
}
