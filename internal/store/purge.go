package store

import (
	"context"
	"log/slog"
	"time"
)

// PurgeSweeper deletes rows past the retention window on a fixed interval.
type PurgeSweeper struct {
	store    MessageStore
	logger   *slog.Logger
	ttl      time.Duration
	interval time.Duration
	doneCh   chan struct{}
}

func NewPurgeSweeper(store MessageStore, logger *slog.Logger, ttl, interval time.Duration) *PurgeSweeper {
	return &PurgeSweeper{
		store:    store,
		logger:   logger.With("component", "purge_sweeper"),
		ttl:      ttl,
		interval: interval,
		doneCh:   make(chan struct{}),
	}
}

func (p *PurgeSweeper) Start() {
	go p.loop()
}

func (p *PurgeSweeper) Stop() {
	close(p.doneCh)
}

func (p *PurgeSweeper) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.doneCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := p.store.PurgeExpired(ctx, time.Now().Add(-p.ttl))
			cancel()
			if err != nil {
				p.logger.Warn("purge sweep failed", "err", err)
				continue
			}
			if n > 0 {
				p.logger.Info("purged expired messages", "rows", n)
			}
		}
	}
}
