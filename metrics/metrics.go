package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Resolver *ResolverMetrics
	PerfMap  *PerfMapMetrics
	Ingest   *IngestMetrics

	UnexpectedErrors prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	res := &Metrics{
		Resolver: NewResolverMetrics(reg),
		PerfMap:  NewPerfMapMetrics(reg),
		Ingest:   NewIngestMetrics(reg),

		UnexpectedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_addrspace_unexpected_errors_total",
			Help: "Total number of unexpected errors",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			res.UnexpectedErrors,
		)
	}
	return res
}
