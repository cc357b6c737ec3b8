package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/messages"
)

type recordingStore struct {
	mu       sync.Mutex
	requests []messages.CreateRequest
	failWith error
	panicked bool
	sequence int
}

func (s *recordingStore) CreateMessage(ctx context.Context, request messages.CreateRequest) (messages.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicked {
		panic("store exploded")
	}
	if err := ctx.Err(); err != nil {
		return messages.Message{}, err
	}
	s.requests = append(s.requests, request)
	if s.failWith != nil {
		return messages.Message{}, s.failWith
	}
	s.sequence++
	return messages.Message{
		MessageID:         fmt.Sprintf("msg-%d", s.sequence),
		ProjectID:         request.ProjectID,
		ConversationID:    request.ConversationID,
		AuthorID:          request.AuthorID,
		AuthorDisplayName: request.AuthorDisplayName,
		Content:           strings.TrimSpace(request.Content),
		CreatedAt:         time.Date(2026, 5, 1, 8, 0, s.sequence, 0, time.UTC),
	}, nil
}

func (s *recordingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *recordingStore) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, request := range s.requests {
		out = append(out, request.Content)
	}
	return out
}

type staticAuthorizer struct {
	projects      map[string][]string
	conversations map[string][]string
	failWith      error
}

func (a *staticAuthorizer) IsProjectMember(_ context.Context, userID, projectID string) (bool, error) {
	if a.failWith != nil {
		return false, a.failWith
	}
	return contains(a.projects[userID], projectID), nil
}

func (a *staticAuthorizer) IsConversationParticipant(_ context.Context, userID, conversationID string) (bool, error) {
	if a.failWith != nil {
		return false, a.failWith
	}
	return contains(a.conversations[userID], conversationID), nil
}

func (a *staticAuthorizer) AuthorizedRoomsFor(_ context.Context, userID string) ([]RoomKey, error) {
	if a.failWith != nil {
		return nil, a.failWith
	}
	rooms := make([]RoomKey, 0)
	for _, projectID := range a.projects[userID] {
		rooms = append(rooms, ProjectRoom(projectID))
	}
	for _, conversationID := range a.conversations[userID] {
		rooms = append(rooms, ConversationRoom(conversationID))
	}
	return rooms, nil
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

type receivedEvent struct {
	Type    OutboundKind    `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (e receivedEvent) message(t *testing.T) MessageView {
	t.Helper()
	var payload struct {
		Message MessageView `json:"message"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("failed to decode message payload: %v", err)
	}
	return payload.Message
}

func (e receivedEvent) failure(t *testing.T) errorPayload {
	t.Helper()
	var payload errorPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	return payload
}

// drain returns every frame currently queued for the connection.
func drain(t *testing.T, conn *Connection) []receivedEvent {
	t.Helper()
	var events []receivedEvent
	for {
		select {
		case frame := <-conn.Outbound():
			var event receivedEvent
			if err := json.Unmarshal(frame, &event); err != nil {
				t.Fatalf("failed to decode frame %s: %v", frame, err)
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

func eventsOfType(events []receivedEvent, kind OutboundKind) []receivedEvent {
	var matched []receivedEvent
	for _, event := range events {
		if event.Type == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

func newRegisteredConnection(t *testing.T, registry *Registry, userID string) *Connection {
	t.Helper()
	conn := NewConnection(Identity{ID: userID, DisplayName: strings.ToUpper(userID)}, 16)
	if err := registry.Register(conn); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return conn
}

func newTestPipeline(t *testing.T, registry *Registry, store MessageStore, authorizer Authorizer) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(PipelineConfig{
		Registry:             registry,
		Store:                store,
		Authorizer:           authorizer,
		EnforceAuthorization: authorizer != nil,
		PersistTimeout:       time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	return pipeline
}

// hangingStore blocks every write until its context ends.
type hangingStore struct {
	mu      sync.Mutex
	entered int
}

func (s *hangingStore) CreateMessage(ctx context.Context, _ messages.CreateRequest) (messages.Message, error) {
	s.mu.Lock()
	s.entered++
	s.mu.Unlock()
	<-ctx.Done()
	return messages.Message{}, ctx.Err()
}

// hangingAuthorizer blocks every lookup until its context ends.
type hangingAuthorizer struct{}

func (hangingAuthorizer) IsProjectMember(ctx context.Context, _, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (hangingAuthorizer) IsConversationParticipant(ctx context.Context, _, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (hangingAuthorizer) AuthorizedRoomsFor(ctx context.Context, _ string) ([]RoomKey, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
