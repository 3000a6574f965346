package amqp

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/adapter/pubsub"
)

type traceIDKey struct{}

// TraceID returns the delivery trace id carried through the consumer chain,
// or "" outside of one.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// [TRACE_ID_MIDDLEWARE]
// A message arriving without a trace id gets a fresh one here; forwarded
// legs (fan-out copies, poison records) inherit the consumer's id so one
// client send stays one trace across router, bus and workers.
func TraceIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		traceID := msg.Metadata.Get(pubsub.MetaTraceID)
		if traceID == "" {
			traceID = uuid.NewString()
			msg.Metadata.Set(pubsub.MetaTraceID, traceID)
		}
		msg.SetContext(context.WithValue(msg.Context(), traceIDKey{}, traceID))

		produced, err := h(msg)
		for _, out := range produced {
			if out.Metadata.Get(pubsub.MetaTraceID) == "" {
				out.Metadata.Set(pubsub.MetaTraceID, traceID)
			}
		}
		return produced, err
	}
}

// [LOGGING_MIDDLEWARE]
// One line per consumed message: debug when the handler acked, error with
// the cause when it nacked.
func LoggingMiddleware(logger *slog.Logger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			produced, err := h(msg)

			attrs := []any{
				"handler", message.HandlerNameFromCtx(msg.Context()),
				"msg_id", msg.UUID,
				"trace_id", TraceID(msg.Context()),
				"took", time.Since(start),
			}
			if err != nil {
				logger.Error("CONSUME_FAILED", append(attrs, "err", err)...)
			} else {
				logger.Debug("CONSUMED", attrs...)
			}
			return produced, err
		}
	}
}

// [RETRY_MIDDLEWARE]
// Short in-handler retry for transient downstream hiccups; anything that
// outlives it goes back to the broker and is eventually parked by the
// poison middleware.
func NewRetryMiddleware(logger watermill.LoggerAdapter) middleware.Retry {
	return middleware.Retry{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Logger:          logger,
	}
}
