package metrics

import "github.com/prometheus/client_golang/prometheus"

type ResolverMetrics struct {
	ResolvedFrames *prometheus.CounterVec
	UnknownFrames  prometheus.Counter
	KnownLibs      prometheus.Counter
	UsedLibs       prometheus.Counter
}

func NewResolverMetrics(reg prometheus.Registerer) *ResolverMetrics {
	m := &ResolverMetrics{
		ResolvedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pyroscope_addrspace_resolved_frames_total",
			Help: "Total number of frame addresses resolved to a library, by address space",
		}, []string{"space"}),
		UnknownFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_addrspace_unknown_frames_total",
			Help: "Total number of frame addresses that matched no mapping",
		}),
		KnownLibs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_addrspace_known_libs_total",
			Help: "Total number of distinct libraries registered",
		}),
		UsedLibs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_addrspace_used_libs_total",
			Help: "Total number of libraries referenced by at least one resolved frame",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ResolvedFrames,
			m.UnknownFrames,
			m.KnownLibs,
			m.UsedLibs,
		)
	}
	return m
}
