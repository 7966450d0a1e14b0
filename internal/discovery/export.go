package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// DefaultExportInterval is used when NewExporter is given a non-positive interval.
const DefaultExportInterval = time.Minute

// SummaryPublisher receives every exported summary.
type SummaryPublisher func(Summary) error

// Exporter periodically computes the fleet summary, logs it, and hands it
// to each publisher.
type Exporter struct {
	engine     *Engine
	interval   time.Duration
	publishers []SummaryPublisher
	wg         sync.WaitGroup
}

// NewExporter creates an exporter over engine.
func NewExporter(engine *Engine, interval time.Duration, publishers ...SummaryPublisher) *Exporter {
	if interval <= 0 {
		interval = DefaultExportInterval
	}
	return &Exporter{engine: engine, interval: interval, publishers: publishers}
}

// Start exports once per interval until ctx is cancelled.
func (x *Exporter) Start(ctx context.Context) {
	x.wg.Add(1)
	log.SafeGo("summary-export", func() {
		defer x.wg.Done()
		ticker := time.NewTicker(x.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := x.Export(ctx); err != nil && ctx.Err() == nil {
					log.Warn(log.CatDiscovery, "summary export failed", "error", err)
				}
			}
		}
	})
}

// Wait blocks until the export loop has exited.
func (x *Exporter) Wait() {
	x.wg.Wait()
}

// Export computes one summary and publishes it. A failing publisher does
// not stop the others; the first error is returned.
func (x *Exporter) Export(ctx context.Context) error {
	sum, err := x.engine.Summary(ctx)
	if err != nil {
		return err
	}
	log.Info(log.CatDiscovery, "fleet summary",
		"total", sum.Total,
		"online", sum.ByStatus[domain.StatusOnline],
		"degraded", sum.ByStatus[domain.StatusDegraded],
		"offline", sum.ByStatus[domain.StatusOffline],
		"starting", sum.ByStatus[domain.StatusStarting],
		"stale", sum.Stale)

	var first error
	for _, publish := range x.publishers {
		if err := publish(sum); err != nil && first == nil {
			first = err
		}
	}
	return first
}
