package main

import (
	"os"
	"sync"
)

// reopenableWriter is a log sink whose underlying file can be swapped on
// SIGHUP without interrupting writers.
type reopenableWriter struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func newReopenableWriter(path string) (*reopenableWriter, error) {
	w := &reopenableWriter{path: path}
	if err := w.Reopen(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write implements io.Writer.
func (w *reopenableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Write(p)
}

// Reopen closes the current file (if any) and opens the path fresh, so an
// externally rotated file is released.
func (w *reopenableWriter) Reopen() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.mu.Lock()
	old := w.f
	w.f = f
	w.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close releases the underlying file.
func (w *reopenableWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}
