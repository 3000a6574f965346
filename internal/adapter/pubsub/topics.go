// Package pubsub adapts the domain to the durable log. It owns the
// exchange/topic layout and the metadata contract every consumer relies on.
package pubsub

import (
	"github.com/google/uuid"
	infrapubsub "github.com/webitel/im-message-plane/infra/pubsub"
)

// Exchanges (topic type, durable). One per logical bus.
const (
	PrivateExchange = "im.private_msg_bus"
	GroupExchange   = "im.group_msg_bus"
	OfflineExchange = "im.offline_msg"
	DLQExchange     = "im.dlq"
)

// Metadata keys carried on every bus message.
const (
	MetaRecipientID = "recipient_id"
	MetaGroupID     = "group_id"
	MetaMsgID       = "msg_id"
	MetaTraceID     = "trace_id"
)

// Routing keys. Keying by recipient (or group) pins each conversation to one
// AMQP routing key, which preserves per-recipient ordering end to end.
func PrivateKey(recipient uuid.UUID) string { return "private." + recipient.String() }
func OfflineKey(recipient uuid.UUID) string { return "offline." + recipient.String() }
func GroupKey(group uuid.UUID) string       { return "group." + group.String() }

const DLQKey = "dlq.persist-failed"

// Binding patterns for the consumers.
const (
	PrivateBinding = "private.#"
	OfflineBinding = "offline.#"
	GroupBinding   = "group.#"
	DLQBinding     = "dlq.#"
)

func privateExchange() infrapubsub.ExchangeConfig {
	return infrapubsub.ExchangeConfig{Name: PrivateExchange, Type: "topic", Durable: true}
}

func groupExchange() infrapubsub.ExchangeConfig {
	return infrapubsub.ExchangeConfig{Name: GroupExchange, Type: "topic", Durable: true}
}

func offlineExchange() infrapubsub.ExchangeConfig {
	return infrapubsub.ExchangeConfig{Name: OfflineExchange, Type: "topic", Durable: true}
}

func dlqExchange() infrapubsub.ExchangeConfig {
	return infrapubsub.ExchangeConfig{Name: DLQExchange, Type: "topic", Durable: true}
}
