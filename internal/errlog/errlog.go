// Package errlog appends failures to hourly error log files:
// <dir>/error_<YYYY-MM-DD_HH>.log.
package errlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	fileTimeLayout  = "2006-01-02_15"
	entryTimeLayout = "2006-01-02_15-04-05"
)

// Log writes error entries. It is safe for concurrent use.
type Log struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// New returns a Log writing under dir. The directory is created on first write.
func New(dir string) *Log {
	return &Log{dir: dir, now: time.Now}
}

// Path returns the file entries written at t go to.
func (l *Log) Path(t time.Time) string {
	return filepath.Join(l.dir, "error_"+t.Format(fileTimeLayout)+".log")
}

// RecordFailure appends a step failure.
func (l *Log) RecordFailure(jobID string, step int, cause error, stack []byte) error {
	return l.write(fmt.Sprintf("job: %s step: %d", jobID, step), cause, stack)
}

// Record appends a failure that is not tied to a job step.
func (l *Log) Record(cause error, stack []byte) error {
	return l.write("", cause, stack)
}

func (l *Log) write(scope string, cause error, stack []byte) error {
	now := l.now()

	var b strings.Builder
	fmt.Fprintf(&b, "time: %s\n", now.Format(entryTimeLayout))
	if scope != "" {
		b.WriteString(scope + "\n")
	}
	fmt.Fprintf(&b, "error: %v\n", cause)
	b.WriteString("trace:\n")
	if len(stack) > 0 {
		b.Write(stack)
		if stack[len(stack)-1] != '\n' {
			b.WriteByte('\n')
		}
	} else {
		writeChain(&b, cause)
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create error log directory: %w", err)
	}
	f, err := os.OpenFile(l.Path(now), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open error log: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write error log: %w", err)
	}
	return f.Close()
}

// writeChain lists the wrapped causes of err, outermost first.
func writeChain(b *strings.Builder, err error) {
	depth := 0
	var walk func(error)
	walk = func(e error) {
		if e == nil || depth > 32 {
			return
		}
		fmt.Fprintf(b, "%s%T: %v\n", strings.Repeat("  ", depth), e, e)
		depth++
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		default:
			walk(errors.Unwrap(e))
		}
		depth--
	}
	walk(err)
}
