// Package logging sets up zerolog for chproxy. When a log file is configured
// it can be reopened in place, so external log rotation works with SIGHUP.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vkcom/engine-go/srvfunc"
)

// File is io.Writer over a log file that can be reopened at any time.
type File struct {
	mu   sync.Mutex
	path string
	fd   *os.File
}

// OpenFile opens (creates) log file at path for appending.
func OpenFile(path string) (*File, error) {
	f := &File{path: path}
	if err := f.Reopen(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reopen closes current file descriptor and opens path again. Process stdout
// and stderr are redirected to the new descriptor too, so panics end up in the log.
// Writes fail until the next successful Reopen if the file cannot be opened.
func (f *File) Reopen() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.fd, err = srvfunc.LogRotate(f.fd, f.path); err != nil {
		return fmt.Errorf("cannot log to file %q: %w", f.path, err)
	}
	return nil
}

func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fd.Write(p)
}

// Close closes the file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fd.Close()
}

// New creates logger writing JSON lines to w, or human-readable lines to stderr if w is nil.
func New(w io.Writer, level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zerolog.ParseLevel(level); err != nil {
			return zerolog.Nop(), fmt.Errorf("bad log level %q: %w", level, err)
		}
	}

	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
