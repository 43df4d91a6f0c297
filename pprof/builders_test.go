package pprof

import (
	"bytes"
	"testing"
	"testing/fstest"

	"github.com/go-kit/log"
	"github.com/google/pprof/profile"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/require"

	"github.com/grafana/pyroscope/addrspace"
	"github.com/grafana/pyroscope/addrspace/metrics"
	"github.com/grafana/pyroscope/addrspace/sd"
)

func testProfile() *addrspace.Profile {
	return addrspace.NewProfile(addrspace.ProfileOptions{
		Metrics: metrics.NewResolverMetrics(nil),
	})
}

func testLabels() labels.Labels {
	return labels.FromStrings("__name__", "process_cpu", "service_name", "svc")
}

func TestBuildMappingTableFollowsUsedOrder(t *testing.T) {
	p := testProfile()
	proc := p.AddProcess("1", "app", 0)
	th := p.AddThread(proc, "1", 0, true)

	libA := p.AddLib(addrspace.LibraryInfo{Name: "a.so", Path: "/lib/a.so", DebugID: "aaaa"})
	libB := p.AddLib(addrspace.LibraryInfo{Name: "b.so", Path: "/lib/b.so", DebugID: "bbbb"})
	p.AddLibMapping(proc, libA, 0x1000, 0x2000, 0)
	p.AddLibMapping(proc, libB, 0x4000, 0x5000, 0)

	// resolving B first makes it used library 0
	stack := []addrspace.FrameAddress{
		p.ResolveAddress(proc, 0x4010),
		p.ResolveAddress(proc, 0x1020),
	}

	builders := NewProfileBuilders(p, BuildersOptions{SampleRate: 100})
	b := builders.BuilderForTarget(1, testLabels())
	b.AddSample(proc, th, 5, 2, stack)

	prof := b.Build()
	require.Len(t, prof.Mapping, 2)
	require.Equal(t, "/lib/b.so", prof.Mapping[0].File)
	require.Equal(t, "bbbb", prof.Mapping[0].BuildID)
	require.Equal(t, uint64(1)<<32, prof.Mapping[0].Start)
	require.Equal(t, uint64(2)<<32, prof.Mapping[0].Limit)
	require.Equal(t, "/lib/a.so", prof.Mapping[1].File)
	require.Equal(t, uint64(2)<<32, prof.Mapping[1].Start)

	require.Len(t, prof.Sample, 1)
	require.Equal(t, int64(2*1e9/100), prof.Sample[0].Value[0])
	locs := prof.Sample[0].Location
	require.Equal(t, uint64(1)<<32+0x10, locs[0].Address)
	require.Same(t, prof.Mapping[0], locs[0].Mapping)
	require.Equal(t, uint64(2)<<32+0x20, locs[1].Address)
	require.Same(t, prof.Mapping[1], locs[1].Mapping)
}

func TestSamplesAggregateByStackAndThread(t *testing.T) {
	p := testProfile()
	proc := p.AddProcess("1", "app", 0)
	main := p.AddThread(proc, "1", 0, true)
	worker := p.AddThread(proc, "2", 0, false)
	p.SetThreadName(worker, "worker")

	lib := p.AddLib(addrspace.LibraryInfo{Name: "a.so", Path: "/lib/a.so"})
	p.AddLibMapping(proc, lib, 0x1000, 0x2000, 0)
	stack := []addrspace.FrameAddress{p.ResolveAddress(proc, 0x1010)}

	builders := NewProfileBuilders(p, BuildersOptions{SampleRate: 100})
	b := builders.BuilderForTarget(1, testLabels())
	b.AddSample(proc, main, 1, 1, stack)
	b.AddSample(proc, main, 2, 3, stack)
	b.AddSample(proc, worker, 3, 1, stack)

	prof := b.Build()
	require.Len(t, prof.Sample, 2)

	byThread := make(map[string]int64)
	for _, s := range prof.Sample {
		require.Len(t, s.Label["thread"], 1)
		byThread[s.Label["thread"][0]] = s.Value[0]
	}
	period := int64(1e9 / 100)
	require.Equal(t, 4*period, byThread["1"])
	require.Equal(t, 1*period, byThread["worker"])
}

func TestUnknownFramesRetryAtBuild(t *testing.T) {
	p := testProfile()
	proc := p.AddProcess("1", "jitted", 0)
	th := p.AddThread(proc, "1", 0, true)

	frame := p.ResolveAddress(proc, 0x1234)
	require.False(t, frame.InLibrary())

	builders := NewProfileBuilders(p, BuildersOptions{SampleRate: 100})
	b := builders.BuilderForTarget(1, testLabels())
	b.AddSample(proc, th, 1, 1, []addrspace.FrameAddress{frame})

	// the jit descriptor arrives later, e.g. at process exit
	lib := p.AddLib(addrspace.LibraryInfo{Name: "perf-1.map", Path: "/tmp/perf-1.map"})
	p.AddLibMapping(proc, lib, 0x1000, 0x2000, 0)
	p.SetLibSymbolTable(lib, addrspace.NewSymbolTable([]addrspace.Symbol{
		{Rel: 0x200, Size: 0x100, Name: "jit_fn"},
	}))

	prof := b.Build()
	require.Len(t, prof.Sample, 1)
	loc := prof.Sample[0].Location[0]
	require.NotNil(t, loc.Mapping)
	require.Equal(t, "/tmp/perf-1.map", loc.Mapping.File)
	require.Len(t, loc.Line, 1)
	require.Equal(t, "jit_fn", loc.Line[0].Function.Name)
}

func TestUnresolvableFramesKeepRawAddress(t *testing.T) {
	p := testProfile()
	proc := p.AddProcess("1", "app", 0)
	th := p.AddThread(proc, "1", 0, true)

	builders := NewProfileBuilders(p, BuildersOptions{SampleRate: 100})
	b := builders.BuilderForTarget(1, testLabels())
	b.AddSample(proc, th, 1, 1, []addrspace.FrameAddress{p.ResolveAddress(proc, 0xdeadbeef)})

	prof := b.Build()
	loc := prof.Sample[0].Location[0]
	require.Nil(t, loc.Mapping)
	require.Equal(t, uint64(0xdeadbeef), loc.Address)
	require.Empty(t, loc.Line)
}

func TestWriteRoundTrip(t *testing.T) {
	p := testProfile()
	proc := p.AddProcess("1", "app", 0)
	th := p.AddThread(proc, "1", 0, true)

	lib := p.AddLib(addrspace.LibraryInfo{Name: "a.so", Path: "/lib/a.so"})
	p.AddLibMapping(proc, lib, 0x1000, 0x2000, 0)
	p.SetLibSymbolTable(lib, addrspace.NewSymbolTable([]addrspace.Symbol{
		{Rel: 0, Name: "run"},
	}))

	builders := NewProfileBuilders(p, BuildersOptions{SampleRate: 97})
	b := builders.BuilderForTarget(1, testLabels())
	b.AddSample(proc, th, 10, 1, []addrspace.FrameAddress{p.ResolveAddress(proc, 0x1010)})

	var buf bytes.Buffer
	n, err := b.Write(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	parsed, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.NoError(t, parsed.CheckValid())
	require.Equal(t, "cpu", parsed.SampleType[0].Type)
	require.Equal(t, "nanoseconds", parsed.SampleType[0].Unit)
	require.Len(t, parsed.Sample, 1)
	require.Equal(t, int64(1e9)/97, parsed.Sample[0].Value[0])
	require.Equal(t, "run", parsed.Sample[0].Location[0].Line[0].Function.Name)
}

func TestCollectorRoutesPerPid(t *testing.T) {
	p := testProfile()
	proc1 := p.AddProcess("1", "alpha", 0)
	th1 := p.AddThread(proc1, "1", 0, true)
	proc2 := p.AddProcess("2", "beta", 0)
	th2 := p.AddThread(proc2, "2", 0, true)

	finder, err := sd.NewTargetFinder(fstest.MapFS{}, log.NewNopLogger(), sd.TargetsOptions{})
	require.NoError(t, err)

	builders := NewProfileBuilders(p, BuildersOptions{SampleRate: 100, PerPIDProfile: true})
	c := NewCollector(builders, finder)

	stack := []addrspace.FrameAddress{p.ResolveAddress(proc1, 0x10)}
	c.ConsumeSample(proc1, th1, 1, 1, stack)
	c.ConsumeSample(proc2, th2, 2, 1, stack)
	c.ConsumeSample(proc1, th1, 3, 1, stack)

	require.Len(t, builders.Builders, 2)
	pids := make(map[string]bool)
	for _, b := range builders.Builders {
		pids[b.Labels.Get("__process_pid__")] = true
	}
	require.True(t, pids["1"])
	require.True(t, pids["2"])
}

func TestCollectorDropsUntargetedProcesses(t *testing.T) {
	p := testProfile()
	proc := p.AddProcess("1", "alpha", 0)
	th := p.AddThread(proc, "1", 0, true)

	finder, err := sd.NewTargetFinder(fstest.MapFS{}, log.NewNopLogger(), sd.TargetsOptions{TargetsOnly: true})
	require.NoError(t, err)

	builders := NewProfileBuilders(p, BuildersOptions{SampleRate: 100})
	c := NewCollector(builders, finder)
	c.ConsumeSample(proc, th, 1, 1, []addrspace.FrameAddress{p.ResolveAddress(proc, 0x10)})

	require.Empty(t, builders.Builders)
}
