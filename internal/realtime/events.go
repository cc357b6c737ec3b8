package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/messages"
)

// EventKind enumerates the inbound client events.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventJoinRoom
	EventLeaveRoom
	EventSubmitMessage
)

var inboundEventNames = map[EventKind]string{
	EventJoinRoom:      "join-room",
	EventLeaveRoom:     "leave-room",
	EventSubmitMessage: "submit-message",
}

// InboundKinds lists every event kind the dispatcher must handle.
func InboundKinds() []EventKind {
	return []EventKind{EventJoinRoom, EventLeaveRoom, EventSubmitMessage}
}

// ParseEventKind maps a wire name to its kind.
func ParseEventKind(name string) (EventKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for kind, wireName := range inboundEventNames {
		if wireName == normalized {
			return kind, true
		}
	}
	return EventUnknown, false
}

func (k EventKind) String() string {
	if name, ok := inboundEventNames[k]; ok {
		return name
	}
	return "unknown"
}

// OutboundKind names a server to client event.
type OutboundKind string

const (
	OutboundSessionReady   OutboundKind = "session-ready"
	OutboundRoomJoined     OutboundKind = "room-joined"
	OutboundRoomLeft       OutboundKind = "room-left"
	OutboundMessageCreated OutboundKind = "message-created"
	OutboundMessageUpdated OutboundKind = "message-updated"
	OutboundMessageDeleted OutboundKind = "message-deleted"
	OutboundMessageError   OutboundKind = "message-error"
)

type inboundEnvelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// OutboundEvent is a single frame written to a client.
type OutboundEvent struct {
	Type    OutboundKind `json:"type"`
	ID      string       `json:"id,omitempty"`
	Payload interface{}  `json:"payload"`
}

// FlexibleID accepts either a JSON string or a JSON integer, since project ids
// arrive as integers from some clients. Fractions and exponents are refused so
// one project never maps to two room keys.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(value))
		return nil
	}
	var number json.Number
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(&number); err != nil {
		return fmt.Errorf("room reference must be a string or number: %w", err)
	}
	if !isIntegerLiteral(number.String()) {
		return fmt.Errorf("room reference number must be an integer: %s", number)
	}
	*f = FlexibleID(number.String())
	return nil
}

// isIntegerLiteral reports whether a JSON number has no fraction or exponent.
// Ids wider than int64 stay valid.
func isIntegerLiteral(value string) bool {
	return value != "" && !strings.ContainsAny(value, ".eE")
}

// TargetPayload names exactly one of a project room or a conversation.
type TargetPayload struct {
	RoomKey         FlexibleID `json:"roomKey"`
	ConversationKey FlexibleID `json:"conversationKey"`
}

// Room resolves the payload to a room key.
func (p TargetPayload) Room() (RoomKey, error) {
	project := strings.TrimSpace(string(p.RoomKey))
	conversation := strings.TrimSpace(string(p.ConversationKey))
	if (project == "") == (conversation == "") {
		return "", newError(KindValidation, CodeInvalidTarget, "exactly one of roomKey or conversationKey is required", nil, nil)
	}
	var key RoomKey
	if project != "" {
		key = ProjectRoom(project)
	} else {
		key = ConversationRoom(conversation)
	}
	parsed, err := ParseRoomKey(string(key))
	if err != nil {
		return "", newError(KindValidation, CodeInvalidTarget, "room reference is invalid", nil, err)
	}
	return parsed, nil
}

// SubmitPayload is the body of a submit-message event.
type SubmitPayload struct {
	TargetPayload
	Content string `json:"content"`
}

// MessageView is the wire shape of a persisted message.
type MessageView struct {
	ID             string     `json:"id"`
	Room           RoomKey    `json:"room"`
	ProjectID      string     `json:"projectId,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	AuthorID       string     `json:"authorId"`
	AuthorName     string     `json:"authorName"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

// RoomForMessage returns the room a persisted message belongs to.
func RoomForMessage(message messages.Message) RoomKey {
	if message.ProjectID != "" {
		return ProjectRoom(message.ProjectID)
	}
	return ConversationRoom(message.ConversationID)
}

// NewMessageView converts a persisted message into its wire shape.
func NewMessageView(message messages.Message) MessageView {
	return MessageView{
		ID:             message.MessageID,
		Room:           RoomForMessage(message),
		ProjectID:      message.ProjectID,
		ConversationID: message.ConversationID,
		AuthorID:       message.AuthorID,
		AuthorName:     message.AuthorDisplayName,
		Content:        message.Content,
		CreatedAt:      message.CreatedAt.UTC(),
		EditedAt:       message.EditedAt,
	}
}

type sessionReadyPayload struct {
	ConnectionID string    `json:"connectionId"`
	Identity     Identity  `json:"identity"`
	Rooms        []RoomKey `json:"rooms"`
}

type roomPayload struct {
	Room RoomKey `json:"room"`
}

type messagePayload struct {
	Message MessageView `json:"message"`
}

type messageDeletedPayload struct {
	MessageID string  `json:"messageId"`
	Room      RoomKey `json:"room"`
}

type errorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

func messageCreatedEvent(message messages.Message) OutboundEvent {
	return OutboundEvent{Type: OutboundMessageCreated, Payload: messagePayload{Message: NewMessageView(message)}}
}

func messageUpdatedEvent(message messages.Message) OutboundEvent {
	return OutboundEvent{Type: OutboundMessageUpdated, Payload: messagePayload{Message: NewMessageView(message)}}
}

func messageDeletedEvent(message messages.Message) OutboundEvent {
	return OutboundEvent{Type: OutboundMessageDeleted, Payload: messageDeletedPayload{
		MessageID: message.MessageID,
		Room:      RoomForMessage(message),
	}}
}

func errorEvent(correlationID string, err *Error) OutboundEvent {
	return OutboundEvent{Type: OutboundMessageError, ID: correlationID, Payload: errorPayload{
		Kind:    err.Kind,
		Code:    err.Code,
		Message: err.Message,
	}}
}
