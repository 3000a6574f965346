// Package lp renders event batches for the long-polling transport. Frames
// reuse the WebSocket envelope so a client library can share one decoder.
package lp

import (
	"encoding/json"

	"github.com/webitel/im-message-plane/internal/domain/event"
	wsproto "github.com/webitel/im-message-plane/internal/handler/marshaller/ws"
)

type batch struct {
	Events []json.RawMessage `json:"events"`
}

func MarshallEvents(events []event.Eventer) ([]byte, error) {
	b := batch{Events: make([]json.RawMessage, 0, len(events))}
	for _, ev := range events {
		data, err := wsproto.EncodeEvent(ev)
		if err != nil {
			return nil, err
		}
		b.Events = append(b.Events, data)
	}
	return json.Marshal(b)
}
