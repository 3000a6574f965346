// Package worker is the offline persistence worker: it drains the
// offline queue in batches, writes them to the message store, and parks what
// cannot be persisted on the DLQ. Bus acks are issued only after the batch
// commits, so a crash mid-batch redelivers instead of losing.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/im-message-plane/config"
	"github.com/webitel/im-message-plane/internal/adapter/pubsub"
	"github.com/webitel/im-message-plane/internal/dedup"
	"github.com/webitel/im-message-plane/internal/domain/model"
	"github.com/webitel/im-message-plane/internal/store"
)

type item struct {
	raw *message.Message
	msg *model.Message
}

type Worker struct {
	sub    message.Subscriber
	dedup  dedup.Set
	store  store.MessageStore
	bus    pubsub.BusDispatcher
	cfg    config.WorkerConfig
	logger *slog.Logger
}

func New(sub message.Subscriber, dd dedup.Set, st store.MessageStore, bus pubsub.BusDispatcher, cfg config.WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		sub:    sub,
		dedup:  dd,
		store:  st,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "offline_worker"),
	}
}

// storeKey is the dedup identity for persistence. Group fan-out reuses one
// msg_id across every member, so the recipient must be part of the key.
func storeKey(m *model.Message) string {
	return m.MsgID + ":" + m.RecipientID.String()
}

// Run consumes until ctx is cancelled. It owns acking explicitly, which is
// why this worker reads the subscriber channel directly instead of going
// through the handler router.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.sub.Subscribe(ctx, pubsub.OfflineBinding)
	if err != nil {
		return fmt.Errorf("worker: subscribe: %w", err)
	}
	w.logger.Info("offline worker consuming",
		"batch_size", w.cfg.BatchSize, "batch_timeout", w.cfg.BatchTimeout)

	batch := make([]item, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.BatchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx), batch)
			return ctx.Err()

		case m, ok := <-msgs:
			if !ok {
				w.flush(context.WithoutCancel(ctx), batch)
				return nil
			}
			decoded, err := model.DecodeMessage(m.Payload)
			if err != nil {
				// Structurally broken payloads never become insertable; park
				// them immediately instead of burning the retry budget.
				w.toDLQ(ctx, m, fmt.Sprintf("undecodable payload: %v", err), nil)
				continue
			}
			batch = append(batch, item{raw: m, msg: decoded})
			if len(batch) >= w.cfg.BatchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
				resetTimer(timer, w.cfg.BatchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.cfg.BatchTimeout)
		}
	}
}

// flush persists one batch and acks it. Duplicates (bus redelivery) are
// filtered with a read-only probe first; the mark is only written after the
// commit, so a crash between probe and commit redelivers rather than drops.
func (w *Worker) flush(ctx context.Context, batch []item) {
	if len(batch) == 0 {
		return
	}

	fresh := make([]item, 0, len(batch))
	dropped := 0
	for _, it := range batch {
		dup, err := w.dedup.IsDuplicate(ctx, storeKey(it.msg))
		if err != nil {
			// Probe failure is harmless: the insert is idempotent anyway.
			dup = false
		}
		if dup {
			it.raw.Ack()
			dropped++
			continue
		}
		fresh = append(fresh, it)
	}
	if dropped > 0 {
		w.logger.Debug("dropped duplicate deliveries", "count", dropped)
	}
	if len(fresh) == 0 {
		return
	}

	rows := make([]*model.Message, len(fresh))
	for i, it := range fresh {
		rows[i] = it.msg
	}

	history, err := w.insertWithRetry(ctx, rows)
	if err != nil {
		w.logger.Error("batch persistence exhausted retries",
			"size", len(fresh), "err", err)
		for _, it := range fresh {
			w.toDLQ(ctx, it.raw, err.Error(), history)
		}
		return
	}

	for _, it := range fresh {
		if _, err := w.dedup.CheckAndMark(ctx, storeKey(it.msg)); err != nil {
			// Mark lost: the next redelivery hits ON CONFLICT and is dropped
			// by the store instead of the set. Correct, just slower.
			w.logger.Debug("post-commit mark failed", "msg_id", it.msg.MsgID)
		}
		it.raw.Ack()
	}
}

// insertWithRetry walks the configured backoff ladder. It returns the
// attempt history for DLQ forensics when every rung fails.
func (w *Worker) insertWithRetry(ctx context.Context, rows []*model.Message) ([]model.RetryAttempt, error) {
	var history []model.RetryAttempt
	var lastErr error

	attempts := len(w.cfg.RetryBackoff) + 1
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := w.cfg.RetryBackoff[i-1]
			w.logger.Warn("batch insert failed, backing off",
				"attempt", i, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return history, ctx.Err()
			case <-time.After(backoff):
			}
		}
		inserted, err := w.store.InsertBatch(ctx, rows)
		if err == nil {
			w.logger.Debug("batch persisted", "rows", len(rows), "inserted", inserted)
			return nil, nil
		}
		lastErr = err
		history = append(history, model.RetryAttempt{At: time.Now(), Error: err.Error()})
	}
	return history, lastErr
}

// toDLQ parks one message. When even the DLQ publish fails the message is
// nacked back to the queue; losing it silently is the one forbidden outcome.
func (w *Worker) toDLQ(ctx context.Context, m *message.Message, cause string, history []model.RetryAttempt) {
	rec := &model.DLQRecord{
		Payload:      json.RawMessage(m.Payload),
		Error:        cause,
		RetryHistory: history,
		FailedAt:     time.Now(),
	}
	if err := w.bus.PublishDLQ(ctx, rec); err != nil {
		w.logger.Error("DLQ publish failed, nacking for redelivery",
			"msg_id", m.UUID, "err", err)
		m.Nack()
		return
	}
	m.Ack()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
