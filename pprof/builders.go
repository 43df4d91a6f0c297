// Package pprof turns resolved samples into pprof profiles. One builder
// accumulates samples per push target; libraries become the pprof mapping
// table in used-library order, with locations re-based into one synthetic
// 4 GiB address band per library.
package pprof

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/model/labels"
	"golang.org/x/exp/slices"

	"github.com/grafana/pyroscope/addrspace"
)

type BuildersOptions struct {
	SampleRate    int64
	PerPIDProfile bool
}

type ProfileBuilders struct {
	Builders map[uint64]*ProfileBuilder
	profile  *addrspace.Profile
	options  BuildersOptions
}

func NewProfileBuilders(p *addrspace.Profile, options BuildersOptions) *ProfileBuilders {
	if options.SampleRate <= 0 {
		options.SampleRate = 100
	}
	return &ProfileBuilders{
		Builders: make(map[uint64]*ProfileBuilder),
		profile:  p,
		options:  options,
	}
}

func (b *ProfileBuilders) BuilderForTarget(hash uint64, lbls labels.Labels) *ProfileBuilder {
	res := b.Builders[hash]
	if res != nil {
		return res
	}
	res = &ProfileBuilder{
		profile: b.profile,
		period:  1e9 / b.options.SampleRate,
		Labels:  lbls,
		samples: make(map[sampleKey]*pendingSample),
	}
	b.Builders[hash] = res
	return res
}

type sampleKey struct {
	process addrspace.ProcessHandle
	thread  addrspace.ThreadHandle
	stack   uint64
}

type pendingSample struct {
	process addrspace.ProcessHandle
	thread  addrspace.ThreadHandle
	stack   []addrspace.FrameAddress
	weight  int64
}

// ProfileBuilder aggregates equal stacks and materializes the pprof profile
// on Write. Materialization is deferred so that frames unresolved at sample
// time get one more chance after JIT descriptors have been loaded.
type ProfileBuilder struct {
	profile *addrspace.Profile
	period  int64
	Labels  labels.Labels

	samples    map[sampleKey]*pendingSample
	hasSamples bool
	maxTS      addrspace.Timestamp
}

func (p *ProfileBuilder) AddSample(process addrspace.ProcessHandle, thread addrspace.ThreadHandle, ts addrspace.Timestamp, weight int64, stack []addrspace.FrameAddress) {
	if len(stack) == 0 || weight <= 0 {
		return
	}
	if !p.hasSamples || ts > p.maxTS {
		p.maxTS = ts
	}
	p.hasSamples = true
	key := sampleKey{process, thread, hashStack(stack)}
	if s := p.samples[key]; s != nil {
		s.weight += weight
		return
	}
	p.samples[key] = &pendingSample{process, thread, slices.Clone(stack), weight}
}

func hashStack(stack []addrspace.FrameAddress) uint64 {
	h := xxhash.New()
	var buf [9]byte
	for _, f := range stack {
		if f.InLibrary() {
			buf[0] = 1
			binary.LittleEndian.PutUint64(buf[1:], uint64(f.Lib)<<32|uint64(f.Rel))
		} else {
			buf[0] = 0
			binary.LittleEndian.PutUint64(buf[1:], f.Avma)
		}
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// libBase is where the synthetic address band of a used library starts.
func libBase(idx addrspace.UsedLibIndex) uint64 {
	return (uint64(idx) + 1) << 32
}

func (p *ProfileBuilder) Build() *profile.Profile {
	for _, s := range p.samples {
		for i := range s.stack {
			if !s.stack[i].InLibrary() {
				s.stack[i] = p.profile.ResolveAddress(s.process, s.stack[i].Avma)
			}
		}
	}

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "cpu", Unit: "nanoseconds"}},
		Period:     p.period,
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		TimeNanos:  p.profile.ReferenceTime().UnixNano(),
	}
	if p.hasSamples {
		prof.DurationNanos = p.maxTS.Nanoseconds()
	}

	usedCount := p.profile.UsedLibCount()
	prof.Mapping = make([]*profile.Mapping, usedCount)
	for i := 0; i < usedCount; i++ {
		idx := addrspace.UsedLibIndex(i)
		info := p.profile.UsedLib(idx)
		file := info.Path
		if file == "" {
			file = p.profile.UsedLibName(idx)
		}
		prof.Mapping[i] = &profile.Mapping{
			ID:      uint64(i) + 1,
			Start:   libBase(idx),
			Limit:   libBase(idx + 1),
			File:    file,
			BuildID: string(info.DebugID),
		}
	}

	locs := make(map[locKey]*profile.Location)
	fns := make(map[string]*profile.Function)
	for _, s := range p.samples {
		sampleLocs := make([]*profile.Location, 0, len(s.stack))
		for _, f := range s.stack {
			sampleLocs = append(sampleLocs, p.location(prof, locs, fns, f))
		}
		sample := &profile.Sample{
			Location: sampleLocs,
			Value:    []int64{s.weight * p.period},
		}
		if name := p.threadName(s.thread); name != "" {
			sample.Label = map[string][]string{"thread": {name}}
		}
		prof.Sample = append(prof.Sample, sample)
	}
	return prof
}

func (p *ProfileBuilder) threadName(h addrspace.ThreadHandle) string {
	th := p.profile.Thread(h)
	if th.Name() != "" {
		return th.Name()
	}
	return th.Tid()
}

type locKey struct {
	lib  addrspace.UsedLibIndex
	addr uint64
}

func (p *ProfileBuilder) location(prof *profile.Profile, locs map[locKey]*profile.Location, fns map[string]*profile.Function, f addrspace.FrameAddress) *profile.Location {
	key := locKey{addrspace.NoUsedLib, f.Avma}
	if f.InLibrary() {
		key = locKey{f.Lib, uint64(f.Rel)}
	}
	if loc := locs[key]; loc != nil {
		return loc
	}
	loc := &profile.Location{ID: uint64(len(prof.Location)) + 1}
	if f.InLibrary() {
		loc.Mapping = prof.Mapping[f.Lib]
		loc.Address = libBase(f.Lib) + uint64(f.Rel)
		if sym, ok := p.profile.ResolveSymbol(f); ok {
			loc.Line = []profile.Line{{Function: p.function(prof, fns, sym.Name)}}
		}
	} else {
		loc.Address = f.Avma
	}
	prof.Location = append(prof.Location, loc)
	locs[key] = loc
	return loc
}

func (p *ProfileBuilder) function(prof *profile.Profile, fns map[string]*profile.Function, name string) *profile.Function {
	if fn := fns[name]; fn != nil {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(prof.Function)) + 1,
		Name:       name,
		SystemName: name,
	}
	prof.Function = append(prof.Function, fn)
	fns[name] = fn
	return fn
}

func (p *ProfileBuilder) Write(dst io.Writer) (int64, error) {
	cw := &countingWriter{w: dst}
	gzipWriter := gzip.NewWriter(cw)
	if err := p.Build().WriteUncompressed(gzipWriter); err != nil {
		return cw.n, errors.Wrap(err, "profile encode")
	}
	if err := gzipWriter.Close(); err != nil {
		return cw.n, errors.Wrap(err, "profile encode")
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
