package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
)

// transfer downloads p to dest, retrying with exponential backoff.
// Each attempt runs on a context detached from stop and bounded by the
// transfer timeout; stop only prevents further attempts.
func (m *Manager) transfer(stop context.Context, p domain.PartRef, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return &domain.TransferError{Key: p.Key(), Attempts: 0, Err: err}
	}

	var lastErr error
	attempt := 0
	for attempt < m.opts.Attempts {
		if attempt > 0 {
			delay := m.backoff(attempt)
			m.logger.Debug("retrying transfer", "part", p.Key(), "attempt", attempt+1, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-stop.Done():
				timer.Stop()
				return &domain.TransferError{Key: p.Key(), Attempts: attempt, Err: stop.Err()}
			}
		}
		attempt++

		err := m.attempt(stop, p, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.Warn("transfer attempt failed",
			"part", p.Key(),
			"attempt", attempt,
			"maxAttempts", m.opts.Attempts,
			"error", err,
		)
	}

	return &domain.TransferError{Key: p.Key(), Attempts: attempt, Err: lastErr}
}

// backoff returns the delay before retry number n (1-based)
func (m *Manager) backoff(n int) time.Duration {
	delay := m.opts.Backoff
	for i := 1; i < n; i++ {
		delay *= 2
		if m.opts.MaxBackoff > 0 && delay >= m.opts.MaxBackoff {
			return m.opts.MaxBackoff
		}
	}
	return delay
}

// attempt streams into a temp file beside dest and renames it into place
func (m *Manager) attempt(stop context.Context, p domain.PartRef, dest string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(stop), m.opts.Timeout)
	defer cancel()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	written, expected, err := m.fetcher.Download(ctx, p.URL, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if expected >= 0 && written != expected {
		return fmt.Errorf("short transfer: got %d of %d bytes", written, expected)
	}
	if written == 0 {
		return fmt.Errorf("empty transfer")
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return err
	}
	committed = true
	return nil
}
