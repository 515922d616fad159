package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicchat/internal/chat/store"
	"clinicchat/internal/common"
)

func TestMarkReadPayload_IDs(t *testing.T) {
	tests := []struct {
		name    string
		payload MarkReadPayload
		want    []string
	}{
		{name: "none", payload: MarkReadPayload{}, want: nil},
		{name: "single", payload: MarkReadPayload{MessageID: "a"}, want: []string{"a"}},
		{name: "batch", payload: MarkReadPayload{MessageIDs: []string{"a", "b"}}, want: []string{"a", "b"}},
		{name: "both overlap", payload: MarkReadPayload{MessageID: "b", MessageIDs: []string{"a", "b"}}, want: []string{"b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.payload.IDs())
		})
	}
}

func TestUnmarshal(t *testing.T) {
	f, err := Unmarshal([]byte(`{"type":"SendTyping","requestId":"r1","payload":{"conversationId":"c","isTyping":true}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSendTyping, f.Type)
	assert.Equal(t, "r1", f.RequestID)

	var p TypingPayload
	require.NoError(t, f.Decode(&p))
	assert.Equal(t, TypingPayload{ConversationID: "c", IsTyping: true}, p)

	_, err = Unmarshal([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = Unmarshal([]byte(`not json`))
	assert.ErrorIs(t, err, common.ErrValidation)

	err = Frame{Type: TypePing}.Decode(&p)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestErrorFrame(t *testing.T) {
	f := ErrorFrame("r9", common.Validation("send", "message content cannot be empty"))
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, "r9", f.RequestID)

	var p ErrorPayload
	require.NoError(t, f.Decode(&p))
	assert.Equal(t, common.KindValidation, p.Code)
	assert.Equal(t, "message content cannot be empty", p.Message)
	assert.ErrorIs(t, p.Err(), common.ErrValidation)
}

func TestStructConversion(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	orig := MustNew(TypeReceiveMessage, "", ReceiveMessagePayload{Message: &store.Message{
		ID:             "0190",
		ConversationID: "doctor.d1~patient.p9",
		SenderID:       "d1",
		SenderRole:     common.RoleDoctor,
		ReceiverID:     "p9",
		ReceiverRole:   common.RolePatient,
		Content:        "Xin chào",
		CreatedAt:      at,
	}})

	s, err := ToStruct(orig)
	require.NoError(t, err)
	assert.Equal(t, "ReceiveMessage", s.Fields["type"].GetStringValue())

	back, err := FromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, orig.Type, back.Type)

	var p ReceiveMessagePayload
	require.NoError(t, back.Decode(&p))
	assert.Equal(t, "Xin chào", p.Message.Content)
	assert.True(t, at.Equal(p.Message.CreatedAt))

	_, err = FromStruct(nil)
	assert.ErrorIs(t, err, common.ErrValidation)
}
