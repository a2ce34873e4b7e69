package tools

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

var (
    metricLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
        Name:    "bridge_tool_latency_ms",
        Help:    "Tool invocation latency by tool name",
        Buckets: prometheus.ExponentialBuckets(25, 1.6, 10),
    }, []string{"tool"})

    metricErrors = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "bridge_tool_errors_total",
        Help: "Tool invocations that resolved unsuccessfully",
    }, []string{"tool", "status"})

    metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "bridge_tool_retries_total",
        Help: "Timeout retries issued with an existing idempotency key",
    }, []string{"tool"})

    metricDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "bridge_tool_duplicates_total",
        Help: "Invocations short-circuited to a previously stored result",
    }, []string{"tool"})
)
