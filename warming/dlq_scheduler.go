package warming

import (
	"context"
	"log"
	"time"

	"encore.dev/cron"
)

// DLQSource is the delivery engine's dead-letter reprocessing entry point.
// Defined here (rather than imported from package delivery) so this
// package stays decoupled from the delivery engine's concrete type; Wire
// supplies the real implementation at startup.
type DLQSource interface {
	ReprocessDeadLetterQueue() (int, error)
}

var dlqSource DLQSource

// WireDLQSource designates the delivery engine whose dead-letter queue
// ReprocessDLQ walks on schedule. Call once during startup.
func WireDLQSource(source DLQSource) {
	dlqSource = source
}

// ReprocessDLQJob runs on the same cron shape as the teacher's cache
// warmup jobs, but walks the webhook delivery engine's dead-letter queue
// instead of a predicted hot-key list.
var _ = cron.NewJob("dlq-reprocess", cron.JobConfig{
	Title:    "Webhook Dead-Letter Queue Reprocessing",
	Schedule: "*/15 * * * *", // every 15 minutes
	Endpoint: ReprocessDLQ,
})

// ReprocessDLQ re-enqueues every entry currently in the delivery engine's
// dead-letter queue. Entries that fail to re-enqueue (e.g. the queue is
// still full) are left for the next scheduled run.
//
//encore:api private
func ReprocessDLQ(ctx context.Context) error {
	if dlqSource == nil {
		return nil
	}
	n, err := dlqSource.ReprocessDeadLetterQueue()
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf(`{"level":"info","component":"warming","msg":"reprocessed dead-letter entries","count":%d}`, n)
	}
	return nil
}

// dlqTicker lets a caller drive ReprocessDLQ on a custom interval outside
// Encore's cron scheduler, e.g. in a standalone binary or test harness.
type dlqTicker struct {
	ticker *time.Ticker
	stop   chan struct{}
}

// StartDLQTicker runs ReprocessDLQ every interval until StopDLQTicker is
// called. Intended for deployments that drive the scheduler manually
// instead of through Encore cron.
func StartDLQTicker(ctx context.Context, interval time.Duration) *dlqTicker {
	t := &dlqTicker{ticker: time.NewTicker(interval), stop: make(chan struct{})}
	go func() {
		for {
			select {
			case <-t.ticker.C:
				_ = ReprocessDLQ(ctx)
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// StopDLQTicker stops a ticker started by StartDLQTicker.
func StopDLQTicker(t *dlqTicker) {
	t.ticker.Stop()
	close(t.stop)
}
