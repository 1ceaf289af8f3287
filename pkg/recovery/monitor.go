// Package recovery implements the publish/recovery monitor: a periodic
// sweep over the product registry that surfaces stalled or failed
// publishes, exports metrics, and drives retry operations.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ternarybob/arbor"

	"github.com/dsa110/contimg/pkg/registry"
)

// Alert describes one condition the sweep surfaced.
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	ArtifactID string   `json:"artifact_id,omitempty"`
}

// AlertBroker fans out alerts to live subscribers, the same
// subscribe/publish/unsubscribe shape as the queue package's LogBroker so
// the external interface can expose both through one SSE code path.
type AlertBroker struct {
	mu          sync.RWMutex
	subscribers map[chan Alert]bool
}

// NewAlertBroker constructs an empty broker.
func NewAlertBroker() *AlertBroker {
	return &AlertBroker{subscribers: make(map[chan Alert]bool)}
}

// Publish sends an alert to every live subscriber, dropping for subscribers
// that are not keeping up.
func (b *AlertBroker) Publish(a Alert) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- a:
		default:
		}
	}
}

// Subscribe registers a new alert listener.
func (b *AlertBroker) Subscribe() chan Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Alert, 64)
	b.subscribers[ch] = true
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (b *AlertBroker) Unsubscribe(ch chan Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Metrics holds the Prometheus collectors exported by the monitor.
type Metrics struct {
	ArtifactsByStatus *prometheus.GaugeVec
	PublishSuccessPct prometheus.Gauge
}

// NewMetrics registers the monitor's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ArtifactsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "contimg_artifacts_total",
			Help: "Number of registered artifacts by lifecycle status.",
		}, []string{"status"}),
		PublishSuccessPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "contimg_publish_success_rate",
			Help: "Fraction of publish attempts that most recently succeeded.",
		}),
	}
	reg.MustRegister(m.ArtifactsByStatus, m.PublishSuccessPct)
	return m
}

// Monitor periodically sweeps the registry for stalled/failed publishes.
type Monitor struct {
	store             *registry.Store
	sweepInterval     time.Duration
	stalledAfter      time.Duration
	maxRetries        int
	metrics           *Metrics
	alerts            *AlertBroker
	log               arbor.ILogger

	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor constructs a Monitor.
func NewMonitor(store *registry.Store, sweepInterval, stalledAfter time.Duration, maxRetries int, metrics *Metrics, alerts *AlertBroker, log arbor.ILogger) *Monitor {
	return &Monitor{
		store:         store,
		sweepInterval: sweepInterval,
		stalledAfter:  stalledAfter,
		maxRetries:    maxRetries,
		metrics:       metrics,
		alerts:        alerts,
		log:           log,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Name implements service.Component.
func (m *Monitor) Name() string { return "publish-recovery-monitor" }

// Start implements service.Component.
func (m *Monitor) Start(ctx context.Context) error {
	go m.loop(ctx)
	return nil
}

// Stop implements service.Component.
func (m *Monitor) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-ctx.Done():
	}
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("recovery sweep: count by status failed")
		return
	}

	for _, status := range []registry.Lifecycle{registry.Staging, registry.Publishing, registry.Published, registry.Failed} {
		m.metrics.ArtifactsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	total := counts[registry.Published] + counts[registry.Failed]
	if total > 0 {
		m.metrics.PublishSuccessPct.Set(float64(counts[registry.Published]) / float64(total))
	}

	stalled, err := m.store.List(ctx, registry.Filter{Status: registry.Publishing, Limit: 500})
	if err != nil {
		m.log.Error().Err(err).Msg("recovery sweep: list publishing failed")
		return
	}
	cutoff := time.Now().Add(-m.stalledAfter)
	for _, a := range stalled {
		if a.UpdatedAt.Before(cutoff) {
			msg := fmt.Sprintf("artifact %s has been publishing for over %s", a.ID, m.stalledAfter)
			m.log.Warn().Str("artifact_id", a.ID).Msg(msg)
			m.alerts.Publish(Alert{Timestamp: time.Now(), Severity: "warning", Message: msg, ArtifactID: a.ID})
		}
	}

	failed, err := m.store.List(ctx, registry.Filter{Status: registry.Failed, Limit: 500})
	if err != nil {
		m.log.Error().Err(err).Msg("recovery sweep: list failed failed")
		return
	}
	if len(failed) > 0 {
		m.log.Info().Int("count", len(failed)).Msg("recovery sweep found failed artifacts")
	}
	for _, a := range failed {
		if a.PublishAttempts >= m.maxRetries {
			msg := fmt.Sprintf("artifact %s failed publishing after %d attempts", a.ID, a.PublishAttempts)
			m.log.Warn().Str("artifact_id", a.ID).Msg(msg)
			m.alerts.Publish(Alert{Timestamp: time.Now(), Severity: "error", Message: msg, ArtifactID: a.ID})
		}
	}
}

// Retry resets publish_attempts to 0 and re-stages a failed artifact (or a
// staging artifact left over from an interrupted retry) for another publish
// attempt.
func (m *Monitor) Retry(ctx context.Context, artifactID string) error {
	a, err := m.store.Get(ctx, artifactID)
	if err != nil {
		return err
	}
	if a.Status != registry.Failed && !(a.Status == registry.Staging && a.PublishAttempts > 0) {
		return fmt.Errorf("artifact %s is not eligible for retry (status=%s, attempts=%d)", artifactID, a.Status, a.PublishAttempts)
	}
	ok, err := m.store.Retry(ctx, artifactID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("artifact %s changed state before retry could begin", artifactID)
	}
	return nil
}

// RetryAll re-stages up to limit failed artifacts for another publish
// attempt, returning the IDs that were successfully re-queued.
func (m *Monitor) RetryAll(ctx context.Context, limit int) ([]string, error) {
	failed, err := m.store.List(ctx, registry.Filter{Status: registry.Failed, Limit: limit})
	if err != nil {
		return nil, err
	}

	var retried []string
	for _, a := range failed {
		if err := m.Retry(ctx, a.ID); err == nil {
			retried = append(retried, a.ID)
		}
	}
	return retried, nil
}
