package clustercomm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsStartedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tesser_clustercomm_requests_started_total",
	Help: "counter of operations submitted to the cluster dispatcher",
})

var requestsFinishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tesser_clustercomm_requests_finished_total",
	Help: "counter of dispatcher operations reaching a terminal status",
}, []string{"status"})

var answersCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tesser_clustercomm_answers_total",
	Help: "counter of inbound out-of-band answers by how they resolved",
}, []string{"result"})

var retriesCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tesser_clustercomm_fanout_retries_total",
	Help: "counter of fan-out sub-requests rescheduled after a connect failure or incomplete send",
})

var trackedGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tesser_clustercomm_tracked_operations",
	Help: "gauge of operations currently tracked by the dispatcher",
})
