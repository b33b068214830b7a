// Package iosafe provides the non-panicking write path spec.md §5 calls a
// "load-bearing correctness property, not a nicety": writes of task output
// to the user-visible stdout/stderr streams must never turn a broken pipe
// (the operator piping output into `head`, a closed terminal, a killed
// tail reader) into a task or workflow failure. Task-result capture for
// TaskOutput records is independent of this path; it reads from the
// subprocess's own pipes, not from here.
package iosafe

import (
	"errors"
	"io"
	"os"
	"syscall"
)

// isBrokenPipe reports whether err is the broken-pipe family of errors a
// write to a closed stdout/stderr can surface, across the error-wrapping
// exec/os layers.
func isBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, os.ErrClosed) {
		return true
	}
	return false
}

// Write writes p to w, discarding (not propagating) a broken-pipe error.
// Any other write error is returned as-is.
func Write(w io.Writer, p []byte) (int, error) {
	n, err := w.Write(p)
	if isBrokenPipe(err) {
		return n, nil
	}
	return n, err
}

// WriteString is Write for a string, matching the common call shape at
// task-output echo sites.
func WriteString(w io.Writer, s string) error {
	_, err := Write(w, []byte(s))
	return err
}

// EchoStdout writes a task's captured stdout to the process's own stdout,
// the user-visible stream a workflow operator is watching, swallowing a
// broken pipe the same way EchoStderr does for stderr.
func EchoStdout(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := Write(os.Stdout, p)
	return err
}

// EchoStderr is EchoStdout for stderr.
func EchoStderr(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := Write(os.Stderr, p)
	return err
}
