package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routing core metrics, labeled by address type.
var (
	mReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msgroute",
		Subsystem: "skeleton",
		Name:      "received_total",
		Help:      "Number of inbound messages delivered to listeners",
	}, []string{"transport"})
	mDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msgroute",
		Subsystem: "skeleton",
		Name:      "dropped_total",
		Help:      "Number of inbound payloads dropped because they could not be parsed",
	}, []string{"transport"})
	mListenerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msgroute",
		Subsystem: "skeleton",
		Name:      "listener_failures_total",
		Help:      "Number of listener invocations that returned an error or panicked",
	}, []string{"transport"})
	mStubsBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msgroute",
		Subsystem: "router",
		Name:      "stubs_built_total",
		Help:      "Number of stubs built by stub factories",
	}, []string{"transport"})
	mNotReady = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msgroute",
		Subsystem: "router",
		Name:      "not_ready_total",
		Help:      "Number of stub builds rejected because local configuration was not ready",
	}, []string{"transport"})
	mTransmitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msgroute",
		Subsystem: "sender",
		Name:      "transmit_failures_total",
		Help:      "Number of transport-level send failures",
	}, []string{"transport"})
)
