// Package protocol defines the frames exchanged over the live channel. The
// same JSON shape travels over WebSocket text messages and, wrapped in a
// google.protobuf.Struct, over the gRPC stream.
package protocol

import (
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"clinicchat/internal/chat/store"
	"clinicchat/internal/common"
)

type FrameType string

// client to server
const (
	TypeJoinConversation  FrameType = "JoinConversation"
	TypeLeaveConversation FrameType = "LeaveConversation"
	TypeSendMessage       FrameType = "SendMessage"
	TypeSendTyping        FrameType = "SendTyping"
	TypeMarkMessageRead   FrameType = "MarkMessageRead"
	TypePing              FrameType = "Ping"
)

// server to client
const (
	TypeAck             FrameType = "Ack"
	TypeReceiveMessage  FrameType = "ReceiveMessage"
	TypeMessageRead     FrameType = "MessageRead"
	TypeUserTyping      FrameType = "UserTyping"
	TypePresenceChanged FrameType = "PresenceChanged"
	TypeUnreadCount     FrameType = "UnreadCount"
	TypeError           FrameType = "Error"
	TypePong            FrameType = "Pong"
)

// gRPC service coordinates for the chat stream. Each message on the stream
// is a google.protobuf.Struct holding one frame.
const (
	ServiceName   = "clinicchat.v1.ChatStream"
	ConnectMethod = "/" + ServiceName + "/Connect"
)

var ConnectStreamDesc = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}

type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type SendMessagePayload struct {
	ReceiverID      string      `json:"receiverId"`
	ReceiverRole    common.Role `json:"receiverRole"`
	Content         string      `json:"content"`
	AttachmentRef   *string     `json:"attachmentRef,omitempty"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// MarkReadPayload accepts a single MessageID, a batch in MessageIDs, or
// neither to mark everything unread in the conversation.
type MarkReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageID      string   `json:"messageId,omitempty"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// IDs merges MessageID and MessageIDs preserving order
func (p MarkReadPayload) IDs() []string {
	if p.MessageID == "" {
		return p.MessageIDs
	}
	out := make([]string, 0, len(p.MessageIDs)+1)
	out = append(out, p.MessageID)
	for _, id := range p.MessageIDs {
		if id != p.MessageID {
			out = append(out, id)
		}
	}
	return out
}

type JoinAck struct {
	ConversationID string          `json:"conversationId"`
	Peer           common.Identity `json:"peer"`
	PeerOnline     bool            `json:"peerOnline"`
}

type SendAck struct {
	Message   *store.Message `json:"message"`
	Duplicate bool           `json:"duplicate"`
	Delivered int            `json:"delivered"`
	Missed    int            `json:"missed"`
}

type MarkReadAck struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type ReceiveMessagePayload struct {
	Message *store.Message `json:"message"`
}

type MessageReadPayload struct {
	ConversationID string      `json:"conversationId"`
	MessageID      string      `json:"messageId"`
	MessageIDs     []string    `json:"messageIds"`
	ReaderID       string      `json:"readerId"`
	ReaderRole     common.Role `json:"readerRole"`
	ReadAt         time.Time   `json:"readAt"`
}

type UserTypingPayload struct {
	ConversationID string      `json:"conversationId"`
	UserID         string      `json:"userId"`
	Role           common.Role `json:"role"`
	IsTyping       bool        `json:"isTyping"`
}

type PresenceChangedPayload struct {
	UserID string      `json:"userId"`
	Role   common.Role `json:"role"`
	Online bool        `json:"online"`
}

type UnreadCountPayload struct {
	Count int64 `json:"count"`
}

type ErrorPayload struct {
	Code    common.Kind `json:"code"`
	Message string      `json:"message"`
}

// Err turns a received error frame back into a classified error
func (p ErrorPayload) Err() error {
	return &common.Error{Kind: p.Code, Op: "remote", Msg: p.Message}
}

// New builds a frame around an arbitrary payload; nil leaves the payload empty
func New(t FrameType, requestID string, payload any) (Frame, error) {
	f := Frame{Type: t, RequestID: requestID}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, common.Validation("encode frame", "payload for %s: %v", t, err)
	}
	f.Payload = raw
	return f, nil
}

// MustNew is for payload types that always marshal
func MustNew(t FrameType, requestID string, payload any) Frame {
	f, err := New(t, requestID, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func ErrorFrame(requestID string, err error) Frame {
	return MustNew(TypeError, requestID, ErrorPayload{Code: common.KindOf(err), Message: common.Message(err)})
}

func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return common.Validation("decode frame", "%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return common.Validation("decode frame", "malformed %s payload", f.Type)
	}
	return nil
}

func Marshal(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func Unmarshal(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, common.Validation("decode frame", "malformed frame")
	}
	if f.Type == "" {
		return Frame{}, common.Validation("decode frame", "frame type is required")
	}
	return f, nil
}

// ToStruct converts a frame to its gRPC representation
func ToStruct(f Frame) (*structpb.Struct, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func FromStruct(s *structpb.Struct) (Frame, error) {
	if s == nil {
		return Frame{}, common.Validation("decode frame", "empty frame")
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return Frame{}, common.Validation("decode frame", "malformed frame")
	}
	return Unmarshal(data)
}
