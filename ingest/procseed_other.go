//go:build !linux

package ingest

import (
	"github.com/pkg/errors"
)

func (p *Pipeline) SeedLiveProcesses() error {
	return errors.New("seeding from /proc is only available on linux")
}
