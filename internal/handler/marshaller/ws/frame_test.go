package ws

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-message-plane/internal/domain/event"
	"github.com/webitel/im-message-plane/internal/domain/model"
)

func TestDecode_RejectsUntypedFrames(t *testing.T) {
	_, err := Decode([]byte(`{"msg_id":"m-1"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestDecode_HelloCarriesHandshakeFields(t *testing.T) {
	f, err := Decode([]byte(`{"type":"hello","token":"jwt","device_id":"ios-1","resume_from_seq":42}`))
	require.NoError(t, err)

	assert.Equal(t, FrameHello, f.Type)
	assert.Equal(t, "jwt", f.Token)
	assert.Equal(t, "ios-1", f.DeviceID)
	assert.EqualValues(t, 42, f.ResumeFromSeq)
}

func TestFrame_MessageRequiresSendType(t *testing.T) {
	_, err := (&Frame{Type: FrameAck, MsgID: "m-1"}).Message()
	require.Error(t, err)
}

func TestFrame_MessageDefaultsTypeByShape(t *testing.T) {
	recipient := uuid.New()
	f := &Frame{
		Type:        FrameSend,
		MsgID:       "m-1",
		RecipientID: recipient,
		Content:     []byte("hi"),
		ContentType: "text/plain",
		ClientTS:    1700000000,
	}

	msg, err := f.Message()
	require.NoError(t, err)
	assert.Equal(t, model.ConversationPrivate, msg.ConversationType)
	assert.Equal(t, recipient, msg.RecipientID)
	assert.Equal(t, []byte("hi"), msg.Content.Data)
	assert.Equal(t, uuid.Nil, msg.SenderID, "sender comes from the session, not the wire")

	g := &Frame{Type: FrameSend, MsgID: "m-2", GroupID: uuid.New()}
	msg, err = g.Message()
	require.NoError(t, err)
	assert.Equal(t, model.ConversationGroup, msg.ConversationType)
}

func TestDeliverFrame_RoundTrip(t *testing.T) {
	msg := &model.Message{
		MsgID:            "m-1",
		ConversationType: model.ConversationPrivate,
		SenderID:         uuid.New(),
		RecipientID:      uuid.New(),
		Content:          model.Content{Data: []byte("hi"), ContentType: "text/plain"},
		ServerTS:         1700000001,
		Sequence:         7,
	}

	data, err := DeliverFrame(msg).Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FrameDeliver, got.Type)
	assert.Equal(t, msg.MsgID, got.MsgID)
	assert.Equal(t, msg.SenderID, got.SenderID)
	assert.EqualValues(t, 7, got.Sequence)
}

func TestAckFrame_OmitsInactiveVariants(t *testing.T) {
	data, err := AckFrame("m-1", 3, "fast", false).Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "token")
	assert.NotContains(t, raw, "session_id")
	assert.NotContains(t, raw, "duplicate", "false is the zero value and stays off the wire")
	assert.Equal(t, "fast", raw["path"])
}

func TestEncodeEvent_CachesDeliverBytes(t *testing.T) {
	userID := uuid.New()
	ev := event.NewDeliverEvent(&model.Message{
		MsgID:            "m-1",
		ConversationType: model.ConversationPrivate,
		SenderID:         uuid.New(),
		RecipientID:      userID,
	}, userID)

	first, err := EncodeEvent(ev)
	require.NoError(t, err)

	second, err := EncodeEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, &first[0], &second[0], "second encode reuses the cached buffer")

	got, err := Decode(first)
	require.NoError(t, err)
	assert.Equal(t, FrameDeliver, got.Type)
	assert.Equal(t, "m-1", got.MsgID)
}

func TestEncodeEvent_ConcurrentPumpsAgree(t *testing.T) {
	userID := uuid.New()
	ev := event.NewDeliverEvent(&model.Message{
		MsgID:            "m-1",
		ConversationType: model.ConversationPrivate,
		SenderID:         uuid.New(),
		RecipientID:      userID,
	}, userID)

	// One broadcast, many writer pumps: every concurrent encode must yield
	// the same bytes with no torn cache writes.
	const pumps = 8
	results := make([][]byte, pumps)
	var wg sync.WaitGroup
	for i := 0; i < pumps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := EncodeEvent(ev)
			assert.NoError(t, err)
			results[i] = data
		}()
	}
	wg.Wait()

	for i := 1; i < pumps; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestEncodeEvent_SystemEventsCarryFrames(t *testing.T) {
	userID := uuid.New()
	ev := event.NewSystemEvent(userID, event.Connected, event.PriorityHigh, HelloFrame(uuid.New()))

	data, err := EncodeEvent(ev)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FrameHello, got.Type)

	bare := event.NewSystemEvent(userID, event.Disconnected, event.PriorityLow, "not a frame")
	_, err = EncodeEvent(bare)
	require.Error(t, err)
}
