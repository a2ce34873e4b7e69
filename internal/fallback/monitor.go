package fallback

import (
	"log"
	"sync"
	"time"
)

// Options are the degradation thresholds. No canonical values exist for
// these upstream, so they all come from configuration.
type Options struct {
	CheckInterval  time.Duration
	ErrorRateLimit float64
	LatencyLimit   time.Duration
	WindowSize     int
}

type sample struct {
	ok      bool
	latency time.Duration
}

// Monitor watches one session's health signals and fires a single
// override when a threshold is crossed. The session loop consumes the
// override from Trips and forces the FALLBACK transition; the monitor
// never touches session state itself.
type Monitor struct {
	sessionID string
	opts      Options

	mu        sync.Mutex
	samples   []sample
	expecting bool
	lastHeard time.Time
	fired     bool

	trips chan string
	stop  chan struct{}
	done  chan struct{}
}

func NewMonitor(sessionID string, opts Options) *Monitor {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 10
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Second
	}
	m := &Monitor{
		sessionID: sessionID,
		opts:      opts,
		lastHeard: time.Now(),
		trips:     make(chan string, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

// Trips delivers at most one degradation reason per session.
func (m *Monitor) Trips() <-chan string { return m.trips }

// ObserveOutcome records a tool or speech-model result with its latency.
func (m *Monitor) ObserveOutcome(ok bool, latency time.Duration) {
	m.mu.Lock()
	m.samples = append(m.samples, sample{ok: ok, latency: latency})
	if len(m.samples) > m.opts.WindowSize {
		m.samples = m.samples[len(m.samples)-m.opts.WindowSize:]
	}
	m.mu.Unlock()
}

// ObserveLiveness marks the upstream as heard from.
func (m *Monitor) ObserveLiveness() {
	m.mu.Lock()
	m.lastHeard = time.Now()
	m.mu.Unlock()
}

// ExpectResponse toggles stall detection. The silence threshold only
// applies while the session is actually waiting on the upstream; silence
// while the caller is thinking is not degradation.
func (m *Monitor) ExpectResponse(expecting bool) {
	m.mu.Lock()
	m.expecting = expecting
	if expecting {
		m.lastHeard = time.Now()
	}
	m.mu.Unlock()
}

func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)
	t := time.NewTicker(m.opts.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			if reason := m.check(time.Now()); reason != "" {
				m.fire(reason)
			}
		}
	}
}

func (m *Monitor) check(now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fired {
		return ""
	}

	if m.expecting && m.opts.LatencyLimit > 0 && now.Sub(m.lastHeard) > m.opts.LatencyLimit {
		return "upstream_stalled"
	}

	if n := len(m.samples); n >= 2 {
		var failures int
		var worst time.Duration
		for _, s := range m.samples {
			if !s.ok {
				failures++
			}
			if s.latency > worst {
				worst = s.latency
			}
		}
		if rate := float64(failures) / float64(n); rate > m.opts.ErrorRateLimit {
			return "error_rate"
		}
		if m.opts.LatencyLimit > 0 && worst > m.opts.LatencyLimit {
			return "latency"
		}
	}
	return ""
}

func (m *Monitor) fire(reason string) {
	m.mu.Lock()
	if m.fired {
		m.mu.Unlock()
		return
	}
	m.fired = true
	m.mu.Unlock()

	metricTriggers.WithLabelValues(reason).Inc()
	log.Printf("[fallback] sid=%s degradation detected: %s", m.sessionID, reason)
	select {
	case m.trips <- reason:
	default:
	}
}
