package supervisor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	supervisorMetricsOnce sync.Once
	transitions           *prometheus.CounterVec
	orphansFound          *prometheus.CounterVec
)

func initSupervisorMetrics() {
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "supervisor",
		Name:      "transitions_total",
		Help:      "Service state transitions persisted by the supervisor.",
	}, []string{"service", "status"})
	orphansFound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "supervisor",
		Name:      "orphans_total",
		Help:      "Crashed services and port ownership mismatches found by cleanup.",
	}, []string{"kind"})
	for _, c := range []prometheus.Collector{transitions, orphansFound} {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					if c == transitions {
						transitions = existing
					} else {
						orphansFound = existing
					}
				}
			}
		}
	}
}

func recordTransition(service, status string) {
	supervisorMetricsOnce.Do(initSupervisorMetrics)
	transitions.WithLabelValues(service, status).Inc()
}

func recordOrphan(kind string) {
	supervisorMetricsOnce.Do(initSupervisorMetrics)
	orphansFound.WithLabelValues(kind).Inc()
}
