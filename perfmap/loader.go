// Package perfmap builds synthetic libraries for JIT-compiled code out of
// perf map files and jitdumps. Every source becomes one library with an
// invented, densely packed address space and a symbol table covering it.
package perfmap

import (
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"

	"github.com/grafana/pyroscope/addrspace"
	"github.com/grafana/pyroscope/addrspace/metrics"
)

type LoaderOptions struct {
	// Root is prepended to source paths, mainly for tests and for reading
	// another mount namespace through /proc/<pid>/root.
	Root            string
	CacheSize       int
	DemangleOptions []demangle.Option
	Metrics         *metrics.PerfMapMetrics
}

const defaultCacheSize = 64

// Loader reads symbol sources and registers them as synthetic libraries.
// Parsed sources are cached by path and validated against the file's stat,
// so unchanged files are not parsed twice across recording iterations.
type Loader struct {
	logger  log.Logger
	options LoaderOptions
	cache   *lru.Cache[string, *cachedSource]
}

type cachedSource struct {
	stat    fileStat
	entries []entry
	debugID addrspace.DebugID
}

// entry is one function from a symbol source: its true runtime address, its
// size and its (possibly demangled) name.
type entry struct {
	addr uint64
	size uint32
	name string
}

func NewLoader(logger log.Logger, options LoaderOptions) (*Loader, error) {
	if options.Metrics == nil {
		panic("metrics is nil")
	}
	if options.CacheSize == 0 {
		options.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, *cachedSource](options.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Loader{
		logger:  logger,
		options: options,
		cache:   cache,
	}, nil
}

func (l *Loader) loadSource(kind, path string, parse func(f *os.File, size int64) (*cachedSource, error)) (*cachedSource, bool) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.options.Metrics.Loads.WithLabelValues(kind, "missing").Inc()
			_ = level.Debug(l.logger).Log("msg", "symbol source not found", "kind", kind, "path", path)
		} else {
			l.options.Metrics.Loads.WithLabelValues(kind, "error").Inc()
			_ = level.Error(l.logger).Log("msg", "opening symbol source", "kind", kind, "path", path, "err", err)
		}
		return nil, false
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		l.options.Metrics.Loads.WithLabelValues(kind, "error").Inc()
		_ = level.Error(l.logger).Log("msg", "stat symbol source", "kind", kind, "path", path, "err", err)
		return nil, false
	}
	st := statFromFileInfo(fi)
	if c, ok := l.cache.Get(path); ok && c.stat == st {
		l.options.Metrics.CacheHits.Inc()
		l.options.Metrics.Loads.WithLabelValues(kind, "cached").Inc()
		return c, true
	}
	l.options.Metrics.CacheMisses.Inc()

	c, err := parse(f, fi.Size())
	if err != nil {
		l.options.Metrics.Loads.WithLabelValues(kind, "error").Inc()
		_ = level.Error(l.logger).Log("msg", "parsing symbol source", "kind", kind, "path", path, "err", err)
		return nil, false
	}
	c.stat = st
	l.cache.Add(path, c)
	l.options.Metrics.Loads.WithLabelValues(kind, "loaded").Inc()
	_ = level.Debug(l.logger).Log("msg", "symbol source loaded", "kind", kind, "path", path, "symbols", len(c.entries))
	return c, true
}

// assemble registers the source's functions. Each function gets the next
// slot in the library's invented address space; the recycler may substitute
// the placement a previous recording gave to the same function. The symbol
// table always describes this source's own placements.
func (l *Loader) assemble(profile *addrspace.Profile, process addrspace.ProcessHandle, lib addrspace.LibraryHandle, entries []entry, recycler Recycler) {
	symbols := make([]addrspace.Symbol, 0, len(entries))
	cursor := uint32(0)
	for i := range entries {
		e := &entries[i]
		rel := cursor
		cursor += e.size
		symbols = append(symbols, addrspace.Symbol{Rel: rel, Size: e.size, Name: e.name})

		mapLib, mapRel := lib, rel
		if recycler != nil {
			mapLib, mapRel = recycler.Recycle(e.name, e.size, lib, rel)
			if mapLib != lib || mapRel != rel {
				l.options.Metrics.RecycledSymbols.Inc()
			}
		}
		profile.AddLibMapping(process, mapLib, e.addr, e.addr+uint64(e.size), mapRel)
	}
	profile.SetLibSymbolTable(lib, addrspace.NewSymbolTable(symbols))
}

func (l *Loader) symbolName(name string) string {
	if len(l.options.DemangleOptions) == 0 {
		return name
	}
	if demangled, err := demangle.ToString(name, l.options.DemangleOptions...); err == nil {
		return demangled
	}
	return name
}

func (l *Loader) sourcePath(path string) string {
	if l.options.Root == "" {
		return path
	}
	return filepath.Join(l.options.Root, path)
}

type LoaderDebugInfo struct {
	CachedSources int `json:"cached_sources"`
}

func (l *Loader) DebugInfo() LoaderDebugInfo {
	return LoaderDebugInfo{CachedSources: l.cache.Len()}
}
