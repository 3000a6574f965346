// Package ws defines the client wire protocol: a single JSON envelope whose
// type field selects the variant. The first client frame on a connection must
// be hello; everything else is rejected until the handshake completes.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/domain/model"
)

type FrameType string

const (
	FrameHello     FrameType = "hello"
	FrameHeartbeat FrameType = "heartbeat"
	FrameSend      FrameType = "send"
	FrameDeliver   FrameType = "deliver"
	FrameAck       FrameType = "ack"
	FrameBye       FrameType = "bye"
	FrameError     FrameType = "error"
)

// Frame is the envelope. Only the fields of the active variant are set.
type Frame struct {
	Type FrameType `json:"type"`

	// hello (client -> server)
	Token         string `json:"token,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	ResumeFromSeq uint64 `json:"resume_from_seq,omitempty"`

	// hello reply (server -> client)
	SessionID uuid.UUID `json:"session_id,omitzero"`

	// send (client -> server) and deliver (server -> client)
	MsgID            string    `json:"msg_id,omitempty"`
	ConversationType string    `json:"conversation_type,omitempty"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	RecipientID      uuid.UUID `json:"recipient_id,omitzero"`
	GroupID          uuid.UUID `json:"group_id,omitzero"`
	SenderID         uuid.UUID `json:"sender_id,omitzero"`
	Content          []byte    `json:"content,omitempty"`
	ContentType      string    `json:"content_type,omitempty"`
	ClientTS         int64     `json:"client_ts,omitempty"`
	ServerTS         int64     `json:"server_ts,omitempty"`
	Sequence         uint64    `json:"sequence,omitempty"`

	// ack reply to send (server -> client)
	Duplicate bool   `json:"duplicate,omitempty"`
	Path      string `json:"path,omitempty"`

	// error / bye
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func Decode(data []byte) (*Frame, error) {
	f := new(Frame)
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("ws: decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("ws: frame without type")
	}
	return f, nil
}

func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Message converts a send frame into the domain message. The sender is set
// later from the session identity, never trusted from the wire.
func (f *Frame) Message() (*model.Message, error) {
	if f.Type != FrameSend {
		return nil, fmt.Errorf("ws: frame %s is not send", f.Type)
	}
	msg := &model.Message{
		MsgID:            f.MsgID,
		ConversationType: model.ConversationType(f.ConversationType),
		RecipientID:      f.RecipientID,
		GroupID:          f.GroupID,
		Content: model.Content{
			Data:        f.Content,
			ContentType: f.ContentType,
		},
		ClientTS: f.ClientTS,
	}
	if msg.ConversationType == "" {
		// Default by shape: a group id means a group message.
		if msg.GroupID != uuid.Nil {
			msg.ConversationType = model.ConversationGroup
		} else {
			msg.ConversationType = model.ConversationPrivate
		}
	}
	return msg, nil
}

// DeliverFrame wraps a routed message for the client.
func DeliverFrame(msg *model.Message) *Frame {
	return &Frame{
		Type:             FrameDeliver,
		MsgID:            msg.MsgID,
		ConversationType: string(msg.ConversationType),
		ConversationID:   msg.ConversationID,
		RecipientID:      msg.RecipientID,
		GroupID:          msg.GroupID,
		SenderID:         msg.SenderID,
		Content:          msg.Content.Data,
		ContentType:      msg.Content.ContentType,
		ClientTS:         msg.ClientTS,
		ServerTS:         msg.ServerTS,
		Sequence:         msg.Sequence,
	}
}

// AckFrame is the server receipt for a send.
func AckFrame(msgID string, sequence uint64, path string, duplicate bool) *Frame {
	return &Frame{
		Type:      FrameAck,
		MsgID:     msgID,
		Sequence:  sequence,
		Path:      path,
		Duplicate: duplicate,
	}
}

// HelloFrame is the handshake confirmation.
func HelloFrame(sessionID uuid.UUID) *Frame {
	return &Frame{Type: FrameHello, SessionID: sessionID}
}

// ErrorFrame reports a rejected frame without closing the connection.
func ErrorFrame(code, reason string) *Frame {
	return &Frame{Type: FrameError, Code: code, Reason: reason}
}

// ByeFrame announces a server-initiated teardown.
func ByeFrame(reason string) *Frame {
	return &Frame{Type: FrameBye, Reason: reason}
}
