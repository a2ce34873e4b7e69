package fallback

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

var metricTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
    Name: "bridge_fallback_triggers_total",
    Help: "Sessions forced into the degraded path, by reason",
}, []string{"reason"})
