package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dailyWriter appends to bot_YYYY-MM-DD.log in dir and switches to a new
// file on the first write of each day.
type dailyWriter struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func newDailyWriter(dir string, now func() time.Time) (*dailyWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	w := &dailyWriter{dir: dir, now: now}
	if err := w.rotate(now()); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if now := w.now(); dailyFileName(now) != w.day {
		if err := w.rotate(now); err != nil {
			return 0, err
		}
	}

	return w.file.Write(p)
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotate must be called with mu held, or before the writer is shared.
func (w *dailyWriter) rotate(now time.Time) error {
	name := dailyFileName(now)
	file, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}
	w.file = file
	w.day = name
	return nil
}

func dailyFileName(now time.Time) string {
	return "bot_" + now.Format("2006-01-02") + ".log"
}
