package model

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrivateConversationID_Canonical(t *testing.T) {
	a := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	b := uuid.MustParse("16fd2706-8baf-433b-82eb-8c7fada847da")

	// Both directions of a dialog map onto the same thread.
	assert.Equal(t, PrivateConversationID(a, b), PrivateConversationID(b, a))
	assert.Equal(t, b.String()+":"+a.String(), PrivateConversationID(a, b))
}

func TestGroupConversationID_NeverCollidesWithPrivate(t *testing.T) {
	g := uuid.New()
	assert.True(t, strings.HasPrefix(GroupConversationID(g), "g:"))
}

func TestMessageValidate(t *testing.T) {
	valid := func() *Message {
		return &Message{
			MsgID:            "client-1",
			ConversationType: ConversationPrivate,
			SenderID:         uuid.New(),
			RecipientID:      uuid.New(),
		}
	}

	t.Run("ok", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("empty msg_id", func(t *testing.T) {
		m := valid()
		m.MsgID = ""
		require.Error(t, m.Validate())
	})

	t.Run("oversized msg_id", func(t *testing.T) {
		m := valid()
		m.MsgID = strings.Repeat("x", 129)
		require.Error(t, m.Validate())
	})

	t.Run("private without recipient", func(t *testing.T) {
		m := valid()
		m.RecipientID = uuid.Nil
		require.Error(t, m.Validate())
	})

	t.Run("group without group id", func(t *testing.T) {
		m := valid()
		m.ConversationType = ConversationGroup
		m.GroupID = uuid.Nil
		require.Error(t, m.Validate())
	})

	t.Run("unknown type", func(t *testing.T) {
		m := valid()
		m.ConversationType = "channel"
		require.Error(t, m.Validate())
	})
}

func TestMessageCodec(t *testing.T) {
	m := &Message{
		MsgID:            "client-42",
		ConversationType: ConversationPrivate,
		SenderID:         uuid.New(),
		RecipientID:      uuid.New(),
		Content:          Content{Data: []byte("hello"), ContentType: "text/plain"},
		ClientTS:         1700000000000,
	}
	m.ConversationID = PrivateConversationID(m.SenderID, m.RecipientID)
	m.Stamp(7, time.UnixMilli(1700000000500))

	data, err := m.Encode()
	require.NoError(t, err)

	got, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.EqualValues(t, 7, got.Sequence)
	assert.EqualValues(t, 1700000000500, got.ServerTS)
}

func TestDecodeMessage_RejectsInvalid(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"msg_id":""}`))
	require.Error(t, err)

	_, err = DecodeMessage([]byte(`not json`))
	require.Error(t, err)
}

func TestGroupEventMemberMessage(t *testing.T) {
	ev := &GroupEvent{
		MsgID:    "g-1",
		GroupID:  uuid.New(),
		SenderID: uuid.New(),
		Content:  Content{Data: []byte("yo"), ContentType: "text/plain"},
		Sequence: 12,
	}
	member := uuid.New()

	m := ev.MemberMessage(member)
	require.NoError(t, m.Validate())
	assert.Equal(t, member, m.RecipientID)
	assert.Equal(t, ConversationGroup, m.ConversationType)
	assert.Equal(t, GroupConversationID(ev.GroupID), m.ConversationID)
	assert.EqualValues(t, 12, m.Sequence)
}
