package queue

import (
	"context"
	"time"

	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/model"
)

// RunReaper requeues expired leases every interval until ctx is done.
// onExpired sees each batch of redelivered tasks; it may be nil.
func RunReaper(ctx context.Context, q Queue, interval time.Duration, log *logging.Logger, onExpired func([]*model.Task)) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	log = log.With("reaper")
	tkr := time.NewTicker(interval)
	defer tkr.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			tasks, err := q.ReapExpired(ctx)
			if err != nil {
				log.Warnf("reap expired leases: %v", err)
			}
			if len(tasks) == 0 {
				continue
			}
			log.Infof("redelivering %d task(s) with expired leases", len(tasks))
			if onExpired != nil {
				onExpired(tasks)
			}
		}
	}
}
