package ingest

import (
	"github.com/grafana/pyroscope/addrspace"
)

// Converter turns raw trace-clock readings into profile timestamps, which
// are nanoseconds since the profile reference time. Readings before the
// reference clamp to zero.
type Converter struct {
	ref int64
}

func NewConverter(ref int64) *Converter {
	return &Converter{ref: ref}
}

func (c *Converter) Convert(ts int64) addrspace.Timestamp {
	d := ts - c.ref
	if d < 0 {
		d = 0
	}
	return addrspace.Timestamp(d)
}

func (c *Converter) Reference() int64 {
	return c.ref
}
