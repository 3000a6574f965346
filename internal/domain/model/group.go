package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GroupEvent is the single logical record the router publishes per group
// message. Membership is resolved downstream by the fan-out worker; the
// router never enumerates members on the synchronous path.
type GroupEvent struct {
	MsgID    string    `json:"msg_id"`
	GroupID  uuid.UUID `json:"group_id"`
	SenderID uuid.UUID `json:"sender_id"`
	Content  Content   `json:"content"`
	ClientTS int64     `json:"client_ts"`
	ServerTS int64     `json:"server_ts"`
	Sequence uint64    `json:"sequence"`
}

func (e *GroupEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeGroupEvent(data []byte) (*GroupEvent, error) {
	ev := new(GroupEvent)
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("group event: decode: %w", err)
	}
	if ev.MsgID == "" || ev.GroupID == uuid.Nil {
		return nil, fmt.Errorf("group event: missing msg_id or group_id")
	}
	return ev, nil
}

// MemberMessage expands a group event into the per-recipient message that
// rides the private bus and the offline queue.
func (e *GroupEvent) MemberMessage(member uuid.UUID) *Message {
	return &Message{
		MsgID:            e.MsgID,
		ConversationType: ConversationGroup,
		ConversationID:   GroupConversationID(e.GroupID),
		SenderID:         e.SenderID,
		RecipientID:      member,
		GroupID:          e.GroupID,
		Content:          e.Content,
		ClientTS:         e.ClientTS,
		ServerTS:         e.ServerTS,
		Sequence:         e.Sequence,
	}
}
