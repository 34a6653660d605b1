package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps a single log file before same-day rollover.
const DefaultMaxBytes = 64 << 20

// RotatingWriter appends to a dated log file and starts a new one on each UTC
// day or when a write would push the current file past the size cap.
//
// For a base path of logs/postlab.log the files are named
// logs/postlab-20260828.log, logs/postlab-20260828.2.log, and so on.
type RotatingWriter struct {
	base     string
	maxBytes int64
	now      func() time.Time

	mu      sync.Mutex
	file    *os.File
	day     string
	seq     int
	written int64
}

// NewRotatingWriter opens a rotating writer rooted at base. A base of "-"
// disables file output entirely. maxBytes <= 0 uses DefaultMaxBytes.
func NewRotatingWriter(base string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(base) == "-" {
		return discardCloser{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	w := &RotatingWriter{base: base, maxBytes: maxBytes, now: time.Now}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// Close closes the current log file. The writer must not be used afterwards.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// roll opens a fresh file when the UTC day changed or when writing incoming
// bytes would exceed the cap. Callers must hold w.mu.
func (w *RotatingWriter) roll(incoming int64) error {
	today := w.now().UTC().Format("20060102")
	switch {
	case w.file == nil, w.day != today:
		w.day = today
		w.seq = 1
	case w.written+incoming > w.maxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir := filepath.Dir(w.base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	name := filepath.Base(w.base)
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".log"
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	dated := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.seq > 1 {
		dated = fmt.Sprintf("%s-%s.%d%s", stem, w.day, w.seq, ext)
	}
	f, err := os.OpenFile(filepath.Join(dir, dated), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.written = 0
	if st, err := f.Stat(); err == nil {
		w.written = st.Size()
	}
	return nil
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
