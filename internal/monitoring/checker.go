package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/config"
)

// Checker evaluates ledger health on an interval and delivers each alert
// once when it starts firing. An alert that clears and fires again is
// delivered again.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	active map[AlertType]Alert
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[AlertType]Alert),
	}
}

// Run checks once at startup and then on every interval. It blocks until
// ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.check(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// Active returns the alerts firing as of the last check, ordered by type.
// It is safe to call on a nil Checker.
func (c *Checker) Active() []Alert {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// check returns the number of newly raised alerts that were delivered.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect snapshot", zap.Error(err))
		return 0
	}

	raised := c.update(c.alerter.Evaluate(snap), log)
	if len(raised) == 0 {
		log.Debug("monitoring: no new alerts")
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, raised)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_raised", len(raised)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}

// update replaces the active set and returns alerts that were not active
// before.
func (c *Checker) update(alerts []Alert, log *zap.Logger) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[AlertType]Alert, len(alerts))
	var raised []Alert
	for _, a := range alerts {
		next[a.Type] = a
		if _, ok := c.active[a.Type]; !ok {
			raised = append(raised, a)
		}
	}
	for t := range c.active {
		if _, ok := next[t]; !ok {
			log.Info("monitoring: alert resolved", zap.String("type", string(t)))
		}
	}
	c.active = next
	return raised
}
