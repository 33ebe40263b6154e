package propolis

import "github.com/prometheus/client_golang/prometheus"

var (
	bootDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vmctl_propolis_boot_duration_seconds",
		Help:    "Time from zone boot to the guest VMM reporting Run state.",
		Buckets: prometheus.DefBuckets,
	})

	activeVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vmctl_propolis_active_vms",
		Help: "Number of propolis-backed VMs currently tracked as running.",
	})

	lifecycleEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vmctl_propolis_lifecycle_events_total",
		Help: "Count of lifecycle operations by kind and outcome.",
	}, []string{"op", "outcome"})
)

func init() {
	prometheus.MustRegister(bootDuration, activeVMs, lifecycleEvents)
}

func observeLifecycle(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	lifecycleEvents.WithLabelValues(op, outcome).Inc()
}
