package pprof

import (
	"github.com/cespare/xxhash/v2"

	"github.com/grafana/pyroscope/addrspace"
	"github.com/grafana/pyroscope/addrspace/sd"
)

// Collector routes resolved samples into per-target profile builders. It
// satisfies the pipeline's sample consumer contract. Samples of processes
// without a target are dropped.
type Collector struct {
	builders *ProfileBuilders
	profile  *addrspace.Profile
	finder   sd.TargetFinder
	perPID   bool
}

func NewCollector(builders *ProfileBuilders, finder sd.TargetFinder) *Collector {
	return &Collector{
		builders: builders,
		profile:  builders.profile,
		finder:   finder,
		perPID:   builders.options.PerPIDProfile,
	}
}

func (c *Collector) ConsumeSample(process addrspace.ProcessHandle, thread addrspace.ThreadHandle, ts addrspace.Timestamp, weight int64, stack []addrspace.FrameAddress) {
	proc := c.profile.Process(process)
	target := c.finder.FindTarget(proc.Pid(), proc.Name())
	if target == nil {
		return
	}
	fingerprint, lbls := target.Labels()
	key := fingerprint
	if c.perPID {
		key ^= xxhash.Sum64String(proc.Pid())
	}
	c.builders.BuilderForTarget(key, lbls).AddSample(process, thread, ts, weight, stack)
}
