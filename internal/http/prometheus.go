package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newPromRegistry builds the registry scraped at /metrics: process and Go
// runtime collectors plus gauges over live daemon state. Request and
// pipeline metrics are exported over OTLP.
func newPromRegistry(deps Dependencies) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reflectd_autosave_pending",
			Help: "Memory writes queued in the autosave coalescer",
		}, func() float64 {
			return float64(deps.Saver.Pending())
		}),
	)

	configured := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reflectd_capability_configured",
		Help: "1 when an optional backend is configured, 0 when running degraded",
	}, []string{"capability"})
	for _, capability := range deps.Capabilities {
		v := 0.0
		if capability.Configured {
			v = 1
		}
		configured.WithLabelValues(capability.Name).Set(v)
	}
	reg.MustRegister(configured)

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
