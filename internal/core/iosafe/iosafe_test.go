package iosafe

import (
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

type brokenPipeWriter struct{}

func (brokenPipeWriter) Write(p []byte) (int, error) {
	return 0, syscall.EPIPE
}

type closedWriter struct{}

func (closedWriter) Write(p []byte) (int, error) {
	return 0, os.ErrClosed
}

type failingWriter struct{ err error }

func (f failingWriter) Write(p []byte) (int, error) {
	return 0, f.err
}

func TestWriteSwallowsBrokenPipe(t *testing.T) {
	n, err := Write(brokenPipeWriter{}, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestWriteSwallowsClosedPipe(t *testing.T) {
	_, err := Write(closedWriter{}, []byte("hello"))
	require.NoError(t, err)
}

func TestWritePropagatesOtherErrors(t *testing.T) {
	boom := errors.New("disk full")
	_, err := Write(failingWriter{err: boom}, []byte("hello"))
	require.ErrorIs(t, err, boom)
}

func TestWriteStringHelper(t *testing.T) {
	require.NoError(t, WriteString(brokenPipeWriter{}, "hello"))
}
