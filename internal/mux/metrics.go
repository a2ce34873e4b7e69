package mux

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

var (
    metricDroppedAudio = promauto.NewCounter(prometheus.CounterOpts{
        Name: "bridge_mux_dropped_audio_total",
        Help: "Audio-delta events shed under backpressure",
    })

    metricDecodeDrops = promauto.NewCounter(prometheus.CounterOpts{
        Name: "bridge_mux_decode_drops_total",
        Help: "Frames dropped because the transcoder rejected them",
    })

    metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
        Name: "bridge_mux_queue_depth",
        Help: "Events queued behind the session loop at last delivery",
    })
)
