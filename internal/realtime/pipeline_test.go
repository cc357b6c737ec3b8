package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/messages"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func submitPayload(projectID, content string) SubmitPayload {
	return SubmitPayload{TargetPayload: TargetPayload{RoomKey: FlexibleID(projectID)}, Content: content}
}

func TestSubmitMessagePersistsOnceAndBroadcastsToEveryMember(t *testing.T) {
	registry := NewRegistry(nil)
	store := &recordingStore{}
	pipeline := newTestPipeline(t, registry, store, nil)
	sender := newRegisteredConnection(t, registry, "user-a")
	peer := newRegisteredConnection(t, registry, "user-b")
	outsider := newRegisteredConnection(t, registry, "user-c")
	for _, conn := range []*Connection{sender, peer} {
		if _, err := registry.Join(conn.ID(), ProjectRoom("42")); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	message, err := pipeline.SubmitMessage(context.Background(), sender.Context(), submitPayload("42", "hi"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if message.ProjectID != "42" || message.AuthorID != "user-a" || message.AuthorDisplayName != "USER-A" {
		t.Fatalf("unexpected message %#v", message)
	}
	if store.calls() != 1 {
		t.Fatalf("expected one persistence call, got %d", store.calls())
	}

	for _, conn := range []*Connection{sender, peer} {
		created := eventsOfType(drain(t, conn), OutboundMessageCreated)
		if len(created) != 1 {
			t.Fatalf("expected exactly one message-created for %s, got %d", conn.Identity().ID, len(created))
		}
		view := created[0].message(t)
		if view.Content != "hi" || view.AuthorID != "user-a" || view.Room != ProjectRoom("42") {
			t.Fatalf("unexpected view %#v", view)
		}
	}
	if events := drain(t, outsider); len(events) != 0 {
		t.Fatalf("non-member received %#v", events)
	}
}

func TestSubmitMessageRejectsEmptyContentWithoutSideEffects(t *testing.T) {
	registry := NewRegistry(nil)
	store := &recordingStore{}
	pipeline := newTestPipeline(t, registry, store, nil)
	sender := newRegisteredConnection(t, registry, "user-a")
	if _, err := registry.Join(sender.ID(), ProjectRoom("42")); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	for _, content := range []string{"", "   \n\t"} {
		_, err := pipeline.SubmitMessage(context.Background(), sender.Context(), submitPayload("42", content))
		var realtimeErr *Error
		if !errors.As(err, &realtimeErr) || realtimeErr.Kind != KindValidation || realtimeErr.Code != CodeEmptyContent {
			t.Fatalf("expected empty_content validation error, got %v", err)
		}
	}
	if store.calls() != 0 {
		t.Fatalf("expected no persistence, got %d calls", store.calls())
	}
	if events := drain(t, sender); len(events) != 0 {
		t.Fatalf("expected no broadcast, got %#v", events)
	}
}

func TestSubmitMessageRequiresExactlyOneTarget(t *testing.T) {
	registry := NewRegistry(nil)
	store := &recordingStore{}
	pipeline := newTestPipeline(t, registry, store, nil)
	sender := newRegisteredConnection(t, registry, "user-a")

	payloads := []SubmitPayload{
		{Content: "hi"},
		{TargetPayload: TargetPayload{RoomKey: "1", ConversationKey: "c"}, Content: "hi"},
	}
	for _, payload := range payloads {
		_, err := pipeline.SubmitMessage(context.Background(), sender.Context(), payload)
		var realtimeErr *Error
		if !errors.As(err, &realtimeErr) || realtimeErr.Code != CodeInvalidTarget {
			t.Fatalf("expected invalid_target, got %v", err)
		}
	}
	if store.calls() != 0 {
		t.Fatalf("expected no persistence, got %d calls", store.calls())
	}
}

func TestSubmitMessagePersistenceFailureSuppressesBroadcast(t *testing.T) {
	registry := NewRegistry(nil)
	store := &recordingStore{failWith: errors.New("disk full")}
	pipeline := newTestPipeline(t, registry, store, nil)
	sender := newRegisteredConnection(t, registry, "user-a")
	peer := newRegisteredConnection(t, registry, "user-b")
	for _, conn := range []*Connection{sender, peer} {
		if _, err := registry.Join(conn.ID(), ProjectRoom("42")); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	_, err := pipeline.SubmitMessage(context.Background(), sender.Context(), submitPayload("42", "hi"))
	if KindOf(err) != KindPersistence {
		t.Fatalf("expected persistence error, got %v", err)
	}
	var realtimeErr *Error
	if !errors.As(err, &realtimeErr) || realtimeErr.Code != CodePersistFailed {
		t.Fatalf("expected persist_failed, got %v", err)
	}
	if realtimeErr.Message == "disk full" {
		t.Fatalf("store error must not leak to the client message")
	}
	for _, conn := range []*Connection{sender, peer} {
		if events := drain(t, conn); len(events) != 0 {
			t.Fatalf("expected zero broadcasts, got %#v", events)
		}
	}
}

func TestSubmitMessageMapsStoreValidation(t *testing.T) {
	registry := NewRegistry(nil)
	store := &recordingStore{failWith: fmt.Errorf("messages.create.invalid_request: %w", messages.ErrContentTooLong)}
	pipeline := newTestPipeline(t, registry, store, nil)
	sender := newRegisteredConnection(t, registry, "user-a")

	_, err := pipeline.SubmitMessage(context.Background(), sender.Context(), submitPayload("42", "long"))
	var realtimeErr *Error
	if !errors.As(err, &realtimeErr) || realtimeErr.Kind != KindValidation || realtimeErr.Code != CodeContentTooLong {
		t.Fatalf("expected content_too_long validation error, got %v", err)
	}
	if !errors.Is(err, messages.ErrContentTooLong) {
		t.Fatalf("expected error chain to include ErrContentTooLong")
	}
}

func TestSubmitMessageSurvivesCanceledCaller(t *testing.T) {
	registry := NewRegistry(nil)
	store := &recordingStore{}
	pipeline := newTestPipeline(t, registry, store, nil)
	sender := newRegisteredConnection(t, registry, "user-a")
	peer := newRegisteredConnection(t, registry, "user-b")
	if _, err := registry.Join(peer.ID(), ProjectRoom("42")); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pipeline.SubmitMessage(ctx, sender.Context(), submitPayload("42", "still here")); err != nil {
		t.Fatalf("expected in-flight persistence to ignore caller cancellation, got %v", err)
	}
	if created := eventsOfType(drain(t, peer), OutboundMessageCreated); len(created) != 1 {
		t.Fatalf("expected peer to receive the message, got %d", len(created))
	}
}

func TestSubmitMessageEnforcesAuthorization(t *testing.T) {
	registry := NewRegistry(nil)
	store := &recordingStore{}
	authorizer := &staticAuthorizer{projects: map[string][]string{"user-a": {"42"}}}
	pipeline := newTestPipeline(t, registry, store, authorizer)
	intruder := newRegisteredConnection(t, registry, "user-z")
	member := newRegisteredConnection(t, registry, "user-a")
	if _, err := registry.Join(member.ID(), ProjectRoom("42")); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	_, err := pipeline.SubmitMessage(context.Background(), intruder.Context(), submitPayload("42", "let me in"))
	if !errors.Is(err, ErrForbidden) || KindOf(err) != KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if store.calls() != 0 {
		t.Fatalf("expected nothing persisted, got %d", store.calls())
	}
	if events := drain(t, member); len(events) != 0 {
		t.Fatalf("expected no broadcast, got %#v", events)
	}

	if _, err := pipeline.SubmitMessage(context.Background(), member.Context(), submitPayload("42", "hello")); err != nil {
		t.Fatalf("member submit failed: %v", err)
	}
}

func TestSubmitMessageToConversationReachesParticipants(t *testing.T) {
	registry := NewRegistry(nil)
	store := &recordingStore{}
	authorizer := &staticAuthorizer{conversations: map[string][]string{"user-a": {"c-1"}, "user-b": {"c-1"}}}
	pipeline := newTestPipeline(t, registry, store, authorizer)
	sender := newRegisteredConnection(t, registry, "user-a")
	peer := newRegisteredConnection(t, registry, "user-b")
	for _, conn := range []*Connection{sender, peer} {
		if _, err := registry.Join(conn.ID(), ConversationRoom("c-1")); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	payload := SubmitPayload{TargetPayload: TargetPayload{ConversationKey: "c-1"}, Content: "psst"}
	message, err := pipeline.SubmitMessage(context.Background(), sender.Context(), payload)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if message.ConversationID != "c-1" || message.ProjectID != "" {
		t.Fatalf("unexpected target on %#v", message)
	}
	created := eventsOfType(drain(t, peer), OutboundMessageCreated)
	if len(created) != 1 || created[0].message(t).Room != ConversationRoom("c-1") {
		t.Fatalf("unexpected delivery %#v", created)
	}
}

func TestConcurrentSubmitsAreEachDeliveredOnce(t *testing.T) {
	registry := NewRegistry(nil)
	store := &recordingStore{}
	pipeline := newTestPipeline(t, registry, store, nil)
	first := newRegisteredConnection(t, registry, "user-a")
	second := newRegisteredConnection(t, registry, "user-b")
	for _, conn := range []*Connection{first, second} {
		if _, err := registry.Join(conn.ID(), ProjectRoom("42")); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, conn := range []*Connection{first, second} {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			content := "from " + conn.Identity().ID
			if _, err := pipeline.SubmitMessage(context.Background(), conn.Context(), submitPayload("42", content)); err != nil {
				t.Errorf("submit failed: %v", err)
			}
		}(conn)
	}
	wg.Wait()

	if store.calls() != 2 {
		t.Fatalf("expected two persistence calls, got %d", store.calls())
	}
	for _, conn := range []*Connection{first, second} {
		authors := map[string]string{}
		for _, event := range eventsOfType(drain(t, conn), OutboundMessageCreated) {
			view := event.message(t)
			if _, seen := authors[view.Content]; seen {
				t.Fatalf("duplicate delivery of %q", view.Content)
			}
			authors[view.Content] = view.AuthorID
		}
		if authors["from user-a"] != "user-a" || authors["from user-b"] != "user-b" {
			t.Fatalf("unexpected deliveries %#v", authors)
		}
	}
}

func TestPublishUpdatedAndDeleted(t *testing.T) {
	registry := NewRegistry(nil)
	pipeline := newTestPipeline(t, registry, &recordingStore{}, nil)
	member := newRegisteredConnection(t, registry, "user-a")
	if _, err := registry.Join(member.ID(), ProjectRoom("42")); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	message := messages.Message{MessageID: "msg-9", ProjectID: "42", AuthorID: "user-a", Content: "edited"}

	if delivered, err := pipeline.PublishUpdated(message); err != nil || delivered != 1 {
		t.Fatalf("expected one update delivery, got %d (%v)", delivered, err)
	}
	if delivered, err := pipeline.PublishDeleted(message); err != nil || delivered != 1 {
		t.Fatalf("expected one delete delivery, got %d (%v)", delivered, err)
	}

	events := drain(t, member)
	if len(events) != 2 || events[0].Type != OutboundMessageUpdated || events[1].Type != OutboundMessageDeleted {
		t.Fatalf("unexpected events %#v", events)
	}
	if events[0].message(t).Content != "edited" {
		t.Fatalf("unexpected update payload %s", events[0].Payload)
	}
}

func TestSubmitMessagePersistTimeoutSuppressesBroadcast(t *testing.T) {
	registry := NewRegistry(nil)
	store := &hangingStore{}
	pipeline, err := NewPipeline(PipelineConfig{
		Registry:       registry,
		Store:          store,
		PersistTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	sender := newRegisteredConnection(t, registry, "user-a")
	peer := newRegisteredConnection(t, registry, "user-b")
	for _, conn := range []*Connection{sender, peer} {
		if _, err := registry.Join(conn.ID(), ProjectRoom("42")); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	started := time.Now()
	_, err = pipeline.SubmitMessage(context.Background(), sender.Context(), submitPayload("42", "hi"))
	elapsed := time.Since(started)

	var realtimeErr *Error
	if !errors.As(err, &realtimeErr) {
		t.Fatalf("expected realtime error, got %v", err)
	}
	if realtimeErr.Kind != KindPersistence || realtimeErr.Code != CodePersistTimeout {
		t.Fatalf("expected persistence/%s, got %s/%s", CodePersistTimeout, realtimeErr.Kind, realtimeErr.Code)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("submit was not bounded by the persist timeout, took %s", elapsed)
	}
	for _, conn := range []*Connection{sender, peer} {
		if events := drain(t, conn); len(events) != 0 {
			t.Fatalf("expected no broadcast after timeout, got %#v", events)
		}
	}
}

func TestAuthorizeBoundsMembershipLookup(t *testing.T) {
	registry := NewRegistry(nil)
	pipeline, err := NewPipeline(PipelineConfig{
		Registry:             registry,
		Store:                &recordingStore{},
		Authorizer:           hangingAuthorizer{},
		EnforceAuthorization: true,
		PersistTimeout:       50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	identity := Identity{ID: "user-a", DisplayName: "A"}

	started := time.Now()
	err = pipeline.Authorize(context.Background(), identity, ProjectRoom("42"))
	if time.Since(started) > time.Second {
		t.Fatalf("authorization lookup was not bounded")
	}
	if KindOf(err) != KindInternal || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected internal error caused by the deadline, got %v", err)
	}

	if _, err := pipeline.AuthorizedRooms(context.Background(), identity); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected room listing to hit the deadline, got %v", err)
	}
}

func TestSubmitMessageToUnjoinedRoomIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	registry := NewRegistry(nil)
	pipeline, err := NewPipeline(PipelineConfig{
		Registry: registry,
		Store:    &recordingStore{},
		Logger:   zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	sender := newRegisteredConnection(t, registry, "user-a")

	if _, err := pipeline.SubmitMessage(context.Background(), sender.Context(), submitPayload("42", "hi")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if entries := logs.FilterMessage("message submitted to unjoined room").All(); len(entries) != 1 {
		t.Fatalf("expected one unjoined-room log entry, got %d", len(entries))
	}

	if _, err := registry.Join(sender.ID(), ProjectRoom("42")); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := pipeline.SubmitMessage(context.Background(), sender.Context(), submitPayload("42", "again")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if entries := logs.FilterMessage("message submitted to unjoined room").All(); len(entries) != 1 {
		t.Fatalf("joined submit must not log, got %d entries", len(entries))
	}
}
