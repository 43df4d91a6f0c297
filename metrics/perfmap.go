package metrics

import "github.com/prometheus/client_golang/prometheus"

type PerfMapMetrics struct {
	Loads           *prometheus.CounterVec
	LinesParsed     prometheus.Counter
	LinesRejected   prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	RecycledSymbols prometheus.Counter
}

func NewPerfMapMetrics(reg prometheus.Registerer) *PerfMapMetrics {
	m := &PerfMapMetrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pyroscope_perfmap_loads_total",
			Help: "Total number of symbol source load attempts, by source kind and result",
		}, []string{"kind", "result"}),
		LinesParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_perfmap_lines_parsed_total",
			Help: "Total number of perf map lines parsed into symbols",
		}),
		LinesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_perfmap_lines_rejected_total",
			Help: "Total number of perf map lines dropped as malformed",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_perfmap_cache_hits_total",
			Help: "Total number of symbol source loads served from cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_perfmap_cache_misses_total",
			Help: "Total number of symbol source loads that required a file read",
		}),
		RecycledSymbols: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_perfmap_recycled_symbols_total",
			Help: "Total number of symbols mapped onto a previous recording's placement",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Loads,
			m.LinesParsed,
			m.LinesRejected,
			m.CacheHits,
			m.CacheMisses,
			m.RecycledSymbols,
		)
	}
	return m
}
