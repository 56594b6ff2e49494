// Package explog implements the append-only experiment log: one timestamped
// line per notable event, persisted across pipeline invocations.
package explog

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/spokenlab/amtrain/errors"
)

// Log appends timestamped entries to a single file. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	f    afero.File
	echo bool
	now  func() time.Time
}

// Open opens the log file for appending, creating it if needed. When echo is
// true every entry is also written to the process log.
func Open(fs afero.Fs, path string, echo bool) (*Log, error) {
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening experiment log %s", path)
	}
	return &Log{f: f, echo: echo, now: time.Now}, nil
}

// Printf appends one formatted entry.
func (l *Log) Printf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, "[%s] %s\n", l.now().Format("2006-01-02 15:04:05"), msg)
	if l.echo {
		log.Println(msg)
	}
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
