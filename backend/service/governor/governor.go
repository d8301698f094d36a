package governor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/metrics"
)

const maxIntervalMultiplier = 5

// Governor tracks consecutive poll failures for one poller. Below the
// soft threshold it only logs; past it the poll interval is stretched;
// past the hard threshold the whole adapter is torn down, exactly once,
// after a short countdown so the host sees it coming.
type Governor struct {
	name     string
	baseline time.Duration
	soft     int
	hard     int
	log      *zap.Logger

	// notify publishes a countdown notice with the seconds remaining.
	notify func(remaining int)
	// teardown stops the adapter. Called at most once.
	teardown func()

	countdownTicks int
	tickEvery      time.Duration

	mu           sync.Mutex
	failures     int
	shuttingDown bool
}

func New(name string, baseline time.Duration, soft int, hard int, log *zap.Logger, notify func(int), teardown func()) *Governor {
	if soft <= 0 {
		soft = 10
	}
	if hard <= soft {
		hard = soft * 3
	}
	return &Governor{
		name:           name,
		baseline:       baseline,
		soft:           soft,
		hard:           hard,
		log:            log,
		notify:         notify,
		teardown:       teardown,
		countdownTicks: 6,
		tickEvery:      time.Second,
	}
}

func (g *Governor) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

func (g *Governor) Baseline() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.baseline
}

// SetBaseline changes the baseline poll interval at runtime.
func (g *Governor) SetBaseline(interval time.Duration) {
	if interval <= 0 {
		return
	}
	g.mu.Lock()
	g.baseline = interval
	g.mu.Unlock()
}

// Success resets the counter and returns the baseline interval.
func (g *Governor) Success() time.Duration {
	g.mu.Lock()
	recovered := g.failures >= g.soft
	g.failures = 0
	baseline := g.baseline
	g.mu.Unlock()
	metrics.ConsecutiveFailures.WithLabelValues(g.name).Set(0)
	metrics.IntervalMultiplier.WithLabelValues(g.name).Set(1)
	if recovered {
		g.log.Info("poller recovered, interval restored", zap.String("poller", g.name))
	}
	return baseline
}

// Failure bumps the counter and returns the interval for the next tick
// plus whether the caller must stop because teardown has begun.
func (g *Governor) Failure() (time.Duration, bool) {
	g.mu.Lock()
	g.failures++
	failures := g.failures
	baseline := g.baseline
	startShutdown := failures >= g.hard && !g.shuttingDown
	if startShutdown {
		g.shuttingDown = true
	}
	shuttingDown := g.shuttingDown
	g.mu.Unlock()
	metrics.ConsecutiveFailures.WithLabelValues(g.name).Set(float64(failures))

	if startShutdown {
		g.log.Error("hard failure threshold reached, shutting down",
			zap.String("poller", g.name), zap.Int("failures", failures))
		go g.runShutdown()
	}
	if shuttingDown {
		return baseline, true
	}

	if failures >= g.soft {
		multiplier := failures/g.soft + 1
		if multiplier > maxIntervalMultiplier {
			multiplier = maxIntervalMultiplier
		}
		interval := baseline * time.Duration(multiplier)
		metrics.IntervalMultiplier.WithLabelValues(g.name).Set(float64(multiplier))
		g.log.Warn("soft failure threshold passed, stretching interval",
			zap.String("poller", g.name),
			zap.Int("failures", failures),
			zap.Duration("interval", interval))
		return interval, false
	}

	g.log.Warn("poll failed", zap.String("poller", g.name), zap.Int("failures", failures))
	return baseline, false
}

func (g *Governor) runShutdown() {
	for remaining := g.countdownTicks; remaining >= 1; remaining-- {
		if g.notify != nil {
			g.notify(remaining)
		}
		time.Sleep(g.tickEvery)
	}
	if g.teardown != nil {
		g.teardown()
	}
}
