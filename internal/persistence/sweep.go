package persistence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartSweep runs a background compaction pass every interval: every doc
// with at least one pending update is checked against ShouldCompact and
// compacted if it qualifies. This is the "scheduled background sweep"
// trigger source from §4.5, shaped after the ticker+done-channel
// supervisor pattern used for periodic maintenance elsewhere in the corpus.
// The returned stop function cancels the sweep and waits for the current
// pass, if any, to finish.
func (c *CompactionEngine) StartSweep(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepOnce(ctx)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (c *CompactionEngine) sweepOnce(ctx context.Context) {
	var docNames []string
	err := c.store.WithRetry(ctx, func() error {
		return c.store.DB(ctx).Model(&UpdateRecord{}).Distinct("doc_name").Pluck("doc_name", &docNames).Error
	})
	if err != nil {
		c.logger.Warn("compaction sweep failed to list docs", zap.Error(err))
		return
	}
	for _, name := range docNames {
		doc, err := NewDocName(name)
		if err != nil {
			continue
		}
		if _, err := c.Compact(ctx, doc, false); err != nil {
			c.logger.Warn("compaction sweep failed for doc", zap.String("doc", doc.String()), zap.Error(err))
		}
	}
}
