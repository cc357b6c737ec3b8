// Package realtime implements the authenticated websocket fan-out: the room
// registry, the persist-then-broadcast message pipeline, and the per-connection
// event dispatcher.
package realtime

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	projectRoomPrefix      = "project:"
	conversationRoomPrefix = "conversation:"
	maxRoomIDLength        = 190
)

// ErrInvalidRoomKey indicates a malformed or empty room reference.
var ErrInvalidRoomKey = errors.New("realtime: invalid room key")

// Identity is the authenticated principal owning a connection.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// RoomKind distinguishes project channels from direct conversations.
type RoomKind string

const (
	RoomKindProject      RoomKind = "project"
	RoomKindConversation RoomKind = "conversation"
)

// RoomKey identifies a broadcast group, e.g. "project:42" or "conversation:<id>".
type RoomKey string

// ProjectRoom derives the room key for a workspace/project channel.
func ProjectRoom(projectID string) RoomKey {
	return RoomKey(projectRoomPrefix + strings.TrimSpace(projectID))
}

// ConversationRoom derives the synthetic room key for a direct conversation.
func ConversationRoom(conversationID string) RoomKey {
	return RoomKey(conversationRoomPrefix + strings.TrimSpace(conversationID))
}

// ParseRoomKey validates a serialized room key.
func ParseRoomKey(value string) (RoomKey, error) {
	key := RoomKey(strings.TrimSpace(value))
	if key.Kind() == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomKey, value)
	}
	id := key.TargetID()
	if id == "" || len(id) > maxRoomIDLength || strings.IndexFunc(id, invalidIDRune) >= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomKey, value)
	}
	return key, nil
}

// Kind reports the room kind, or "" when the key is malformed.
func (k RoomKey) Kind() RoomKind {
	switch {
	case strings.HasPrefix(string(k), projectRoomPrefix):
		return RoomKindProject
	case strings.HasPrefix(string(k), conversationRoomPrefix):
		return RoomKindConversation
	default:
		return ""
	}
}

// TargetID returns the project or conversation id behind the key.
func (k RoomKey) TargetID() string {
	switch k.Kind() {
	case RoomKindProject:
		return strings.TrimPrefix(string(k), projectRoomPrefix)
	case RoomKindConversation:
		return strings.TrimPrefix(string(k), conversationRoomPrefix)
	default:
		return ""
	}
}

func (k RoomKey) String() string {
	return string(k)
}

// ConnectionContext is the explicit per-event view of a connection handed to
// every handler.
type ConnectionContext struct {
	ConnectionID string
	Identity     Identity
	JoinedRooms  []RoomKey
}

// Joined reports whether the snapshot includes the room.
func (c ConnectionContext) Joined(key RoomKey) bool {
	for _, joined := range c.JoinedRooms {
		if joined == key {
			return true
		}
	}
	return false
}

func invalidIDRune(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r)
}
