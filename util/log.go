package util

import (
	"strings"
	"testing"

	"github.com/go-kit/log"
)

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// TestLogger returns a logger that writes through t.Log, so log lines show
// up attached to the failing test.
func TestLogger(t testing.TB) log.Logger {
	return log.NewLogfmtLogger(log.NewSyncWriter(testWriter{t: t}))
}
