//go:build !linux

package ingest

import (
	"github.com/pkg/errors"
)

func TraceClockNow() (int64, error) {
	return 0, errors.New("trace clock is only available on linux")
}
