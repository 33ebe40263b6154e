package qemu

import "github.com/prometheus/client_golang/prometheus"

var (
	bootDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vmctl_qemu_boot_duration_seconds",
		Help:    "Time from process spawn to observed running state.",
		Buckets: prometheus.DefBuckets,
	})

	activeVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vmctl_qemu_active_vms",
		Help: "Number of qemu-backed VMs currently tracked as running.",
	})

	lifecycleEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vmctl_qemu_lifecycle_events_total",
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
