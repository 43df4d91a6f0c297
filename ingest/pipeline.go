package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ianlancetaylor/demangle"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"

	"github.com/grafana/pyroscope/addrspace"
	"github.com/grafana/pyroscope/addrspace/metrics"
	"github.com/grafana/pyroscope/addrspace/perfmap"
	"github.com/grafana/pyroscope/addrspace/sd"
)

const eventChanSize = 256

// SampleConsumer receives resolved samples in timestamp order. The stack
// slice is reused between calls; implementations that keep it must copy.
// Stacks are leaf first.
type SampleConsumer interface {
	ConsumeSample(process addrspace.ProcessHandle, thread addrspace.ThreadHandle, ts addrspace.Timestamp, weight int64, stack []addrspace.FrameAddress)
}

type Options struct {
	// Filter admits processes into the profile. Nil admits everything.
	Filter *sd.TargetFilter
	// Recycle keeps (library, relative address) placements of JIT functions
	// stable across recording iterations.
	Recycle bool
	// TraceClockReference is the trace-clock reading that corresponds to
	// the profile reference time.
	TraceClockReference int64

	PerfMapRoot     string
	CacheSize       int
	DemangleOptions []demangle.Option

	Metrics *metrics.Metrics
}

// Pipeline applies trace events to a Profile. Decoding runs on one
// goroutine per source; application is strictly single threaded and
// timestamp ordered, so the profile model needs no locking.
type Pipeline struct {
	logger   log.Logger
	options  Options
	profile  *addrspace.Profile
	consumer SampleConsumer
	metrics  *metrics.Metrics

	loader   *perfmap.Loader
	recycler *perfmap.FunctionRecycler
	conv     *Converter

	procs    map[string]addrspace.ProcessHandle
	threads  map[string]addrspace.ThreadHandle
	denied   map[string]bool
	jitdumps map[string]string
	jitDone  map[addrspace.ProcessHandle]bool

	stack        []addrspace.FrameAddress
	lastTS       int64
	lastBySource map[string]int64

	eventsRead    *xsync.Counter
	eventsApplied int64
}

func NewPipeline(logger log.Logger, profile *addrspace.Profile, consumer SampleConsumer, options Options) (*Pipeline, error) {
	if options.Metrics == nil {
		panic("metrics is nil")
	}
	if consumer == nil {
		panic("consumer is nil")
	}
	loader, err := perfmap.NewLoader(logger, perfmap.LoaderOptions{
		Root:            options.PerfMapRoot,
		CacheSize:       options.CacheSize,
		DemangleOptions: options.DemangleOptions,
		Metrics:         options.Metrics.PerfMap,
	})
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		logger:       logger,
		options:      options,
		profile:      profile,
		consumer:     consumer,
		metrics:      options.Metrics,
		loader:       loader,
		conv:         NewConverter(options.TraceClockReference),
		procs:        make(map[string]addrspace.ProcessHandle),
		threads:      make(map[string]addrspace.ThreadHandle),
		denied:       make(map[string]bool),
		jitdumps:     make(map[string]string),
		jitDone:      make(map[addrspace.ProcessHandle]bool),
		lastBySource: make(map[string]int64),
		eventsRead:   xsync.NewCounter(),
	}
	if options.Recycle {
		p.recycler = perfmap.NewFunctionRecycler()
	}
	return p, nil
}

func (p *Pipeline) Profile() *addrspace.Profile {
	return p.profile
}

// cursor is the head of one decoded source stream.
type cursor struct {
	name string
	ch   chan Event
	head Event
	ok   bool
}

// ProcessSources decodes the given trace files and applies their events in
// global timestamp order. Sources must be individually ordered; the merge
// always picks the smallest head timestamp.
func (p *Pipeline) ProcessSources(ctx context.Context, paths []string) error {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("ingest.sources.start")

	sources := make([]*Source, 0, len(paths))
	for _, path := range paths {
		s, err := OpenSource(path)
		if err != nil {
			for _, open := range sources {
				_ = open.Close()
			}
			span.RecordError(err)
			return err
		}
		sources = append(sources, s)
	}
	defer func() {
		for _, s := range sources {
			_ = s.Close()
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var readErr error
	setErr := func(err error) {
		errMu.Lock()
		if readErr == nil {
			readErr = err
		}
		errMu.Unlock()
	}

	cursors := make([]*cursor, len(sources))
	for i, s := range sources {
		c := &cursor{name: s.Name(), ch: make(chan Event, eventChanSize)}
		cursors[i] = c
		wg.Add(1)
		go func(s *Source, c *cursor) {
			defer wg.Done()
			defer close(c.ch)
			if err := p.readSource(ctx, s, c.ch); err != nil {
				setErr(err)
			}
		}(s, c)
	}

	for _, c := range cursors {
		c.head, c.ok = <-c.ch
	}
	for ctx.Err() == nil {
		var next *cursor
		for _, c := range cursors {
			if !c.ok {
				continue
			}
			if next == nil || c.head.TS < next.head.TS {
				next = c
			}
		}
		if next == nil {
			break
		}
		p.applyEvent(next.head)
		p.lastBySource[next.name] = next.head.TS
		next.head, next.ok = <-next.ch
	}
	wg.Wait()

	span.AddEvent("ingest.sources.done")
	errMu.Lock()
	err := readErr
	errMu.Unlock()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *Pipeline) readSource(ctx context.Context, s *Source, ch chan<- Event) error {
	for s.Scan() {
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			p.metrics.Ingest.MalformedEvents.Inc()
			_ = level.Debug(p.logger).Log("msg", "skipping malformed event", "source", s.Name(), "err", err)
			continue
		}
		p.eventsRead.Inc()
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Err()
}

// Finish loads symbol sources for processes that were still alive at the
// end of the recording. Processes that exited had theirs loaded at exit.
func (p *Pipeline) Finish() {
	pids := make([]string, 0, len(p.procs))
	for pid := range p.procs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	for _, pid := range pids {
		p.loadJit(pid, p.procs[pid])
	}
}

func (p *Pipeline) loadJit(pid string, h addrspace.ProcessHandle) {
	if p.jitDone[h] {
		return
	}
	p.jitDone[h] = true
	var recycler perfmap.Recycler
	if p.recycler != nil {
		recycler = p.recycler
	}
	p.loader.LoadPerfMap(p.profile, h, pid, recycler)
	if path := p.jitdumps[pid]; path != "" {
		p.loader.LoadJitDump(p.profile, h, path, recycler)
	}
}

type PipelineDebugInfo struct {
	EventsRead        int64                      `json:"events_read"`
	EventsApplied     int64                      `json:"events_applied"`
	LastTimestamps    map[string]int64           `json:"last_timestamps"`
	RecycledFunctions int                        `json:"recycled_functions"`
	Profile           addrspace.ProfileDebugInfo `json:"profile"`
	Loader            perfmap.LoaderDebugInfo    `json:"loader"`
}

func (p *Pipeline) DebugInfo() PipelineDebugInfo {
	di := PipelineDebugInfo{
		EventsRead:     p.eventsRead.Value(),
		EventsApplied:  p.eventsApplied,
		LastTimestamps: p.lastBySource,
		Profile:        p.profile.DebugInfo(),
		Loader:         p.loader.DebugInfo(),
	}
	if p.recycler != nil {
		di.RecycledFunctions = p.recycler.Len()
	}
	return di
}
