package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

var errWriterClosed = errors.New("logger: writer is closed")

// DailyFileWriter is an io.Writer over {service}_{date}.log in dir. It opens a
// new file on the first write of each day and also checks hourly from a
// background goroutine. Safe for concurrent use.
type DailyFileWriter struct {
	service  string
	dir      string
	mu       sync.RWMutex
	file     *os.File
	currDate string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewDailyFileWriter opens today's file in logDir, which must exist.
func NewDailyFileWriter(service string, logDir string) (*DailyFileWriter, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &DailyFileWriter{
		service: service,
		dir:     logDir,
		cancel:  cancel,
	}

	w.mu.Lock()
	err := w.openLocked(time.Now())
	w.mu.Unlock()
	if err != nil {
		cancel()
		return nil, err
	}

	w.wg.Add(1)
	go w.rotateLoop(ctx)
	return w, nil
}

// Write appends p to the current file, switching files if the date changed.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, errWriterClosed
	}

	now := time.Now()
	w.mu.RLock()
	stale := w.file == nil || w.currDate != dateOf(now)
	w.mu.RUnlock()

	if stale {
		w.mu.Lock()
		if w.file == nil || w.currDate != dateOf(now) {
			if err := w.openLocked(now); err != nil {
				w.mu.Unlock()
				return 0, err
			}
		}
		w.mu.Unlock()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.file == nil {
		return 0, errWriterClosed
	}

	return w.file.Write(p)
}

// CurrentLogFile returns the path being written, or "" when closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.file == nil {
		return ""
	}

	return w.path(w.currDate)
}

// Close stops the rotation goroutine and closes the file. Later writes fail.
func (w *DailyFileWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

func (w *DailyFileWriter) rotateLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.mu.Lock()
			if !w.closed.Load() && w.currDate != dateOf(now) {
				_ = w.openLocked(now)
			}
			w.mu.Unlock()
		}
	}
}

// openLocked swaps to the file for now's date. Caller holds w.mu.
func (w *DailyFileWriter) openLocked(now time.Time) error {
	date := dateOf(now)
	f, err := os.OpenFile(w.path(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logger: open log file: %w", err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}

	w.file = f
	w.currDate = date
	return nil
}

func (w *DailyFileWriter) path(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}

func dateOf(t time.Time) string {
	return t.Format("2006-01-02")
}
