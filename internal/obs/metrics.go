package obs

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

var (
    metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
        Name: "bridge_sessions_active",
        Help: "Call sessions currently live",
    })

    metricSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
        Name:    "bridge_session_duration_seconds",
        Help:    "Call session duration",
        Buckets: prometheus.ExponentialBuckets(5, 2, 10),
    })

    metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "bridge_state_transitions_total",
        Help: "Conversation state transitions",
    }, []string{"from", "to"})

    metricBargeIns = promauto.NewCounter(prometheus.CounterOpts{
        Name: "bridge_barge_in_total",
        Help: "Barge-in events across all sessions",
    })

    metricInternalErrors = promauto.NewCounter(prometheus.CounterOpts{
        Name: "bridge_session_internal_errors_total",
        Help: "Invariant violations that forced session termination",
    })
)
