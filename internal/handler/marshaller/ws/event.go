package ws

import (
	"fmt"

	"github.com/webitel/im-message-plane/internal/domain/event"
)

// EncodeEvent turns a hub event into its wire frame. The encoded bytes are
// cached on the event, so a message fanning out to several devices of one
// user is marshalled once.
func EncodeEvent(ev event.Eventer) ([]byte, error) {
	if cached, ok := ev.GetCached().([]byte); ok {
		return cached, nil
	}

	var frame *Frame
	switch ev.GetKind() {
	case event.MessageDeliver:
		de, ok := ev.(*event.DeliverEvent)
		if !ok {
			return nil, fmt.Errorf("ws: deliver event of type %T", ev)
		}
		frame = DeliverFrame(de.Message())
	default:
		f, ok := ev.GetPayload().(*Frame)
		if !ok {
			return nil, fmt.Errorf("ws: event %s without frame payload", ev.GetKind())
		}
		frame = f
	}

	data, err := frame.Encode()
	if err != nil {
		return nil, err
	}
	ev.SetCached(data)
	return data, nil
}
