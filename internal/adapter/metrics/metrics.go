// Package metrics defines the relay's Prometheus metric groups. Every
// helper method accepts a nil receiver so components run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pscheid92/relay/internal/platform/version"
)

const namespace = "relay"

// scrapes beyond this many in flight are answered 503
const maxConcurrentScrapes = 4

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// RegisterInstance exports relay_instance_info, a constant 1 labelled with
// the instance id and build, so series from several instances can be told
// apart and joined.
func RegisterInstance(reg prometheus.Registerer, instanceID string, build version.Info) {
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instance_info",
		Help:      "Constant 1, labelled with the instance and its build.",
		ConstLabels: prometheus.Labels{
			"instance_id": instanceID,
			"version":     build.Version,
			"commit":      build.Commit,
			"go_version":  build.GoVersion,
		},
	})
	info.Set(1)
	reg.MustRegister(info)
}

// Handler serves reg. A failing collector drops its own series instead of
// failing the whole scrape.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:            reg,
		ErrorHandling:       promhttp.ContinueOnError,
		MaxRequestsInFlight: maxConcurrentScrapes,
	})
}
