package metrics

import "github.com/prometheus/client_golang/prometheus"

type IngestMetrics struct {
	Events           *prometheus.CounterVec
	MalformedEvents  prometheus.Counter
	OutOfOrderEvents prometheus.Counter
	DroppedEvents    prometheus.Counter
}

func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	m := &IngestMetrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pyroscope_ingest_events_total",
			Help: "Total number of trace events applied, by event type",
		}, []string{"type"}),
		MalformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_ingest_malformed_events_total",
			Help: "Total number of trace source lines that failed to decode",
		}),
		OutOfOrderEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_ingest_out_of_order_events_total",
			Help: "Total number of events applied with a timestamp older than the previous event",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyroscope_ingest_dropped_events_total",
			Help: "Total number of events dropped by the process admission filter",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Events,
			m.MalformedEvents,
			m.OutOfOrderEvents,
			m.DroppedEvents,
		)
	}
	return m
}
