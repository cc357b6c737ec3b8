package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultSubmitRate  = 5
	defaultSubmitBurst = 20
)

var errMissingPipeline = errors.New("realtime: pipeline is required")

type handlerFunc func(ctx context.Context, session *Session, cc ConnectionContext, envelope inboundEnvelope) error

// DispatcherConfig wires the per-connection event handling.
type DispatcherConfig struct {
	Registry    *Registry
	Pipeline    *Pipeline
	SendBuffer  int
	SubmitRate  float64
	SubmitBurst int
	Logger      *zap.Logger
}

// Dispatcher owns the handler table shared by every session.
type Dispatcher struct {
	registry    *Registry
	pipeline    *Pipeline
	handlers    map[EventKind]handlerFunc
	sendBuffer  int
	submitRate  rate.Limit
	submitBurst int
	logger      *zap.Logger
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Pipeline == nil {
		return nil, errMissingPipeline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	submitRate := rate.Limit(cfg.SubmitRate)
	if cfg.SubmitRate <= 0 {
		submitRate = defaultSubmitRate
	}
	submitBurst := cfg.SubmitBurst
	if submitBurst <= 0 {
		submitBurst = defaultSubmitBurst
	}

	dispatcher := &Dispatcher{
		registry:    cfg.Registry,
		pipeline:    cfg.Pipeline,
		sendBuffer:  cfg.SendBuffer,
		submitRate:  submitRate,
		submitBurst: submitBurst,
		logger:      logger,
	}
	dispatcher.handlers = map[EventKind]handlerFunc{
		EventJoinRoom:      handleJoinRoom,
		EventLeaveRoom:     handleLeaveRoom,
		EventSubmitMessage: handleSubmitMessage,
	}
	for _, kind := range InboundKinds() {
		if dispatcher.handlers[kind] == nil {
			return nil, fmt.Errorf("realtime: no handler for %s", kind)
		}
	}
	return dispatcher, nil
}

// Open registers a connection for an authenticated identity and greets it with
// session-ready. Handlers become reachable only through the returned session.
func (d *Dispatcher) Open(ctx context.Context, identity Identity) (*Session, error) {
	conn := NewConnection(identity, d.sendBuffer)
	if err := d.registry.Register(conn); err != nil {
		return nil, err
	}

	session := &Session{
		dispatcher: d,
		conn:       conn,
		limiter:    rate.NewLimiter(d.submitRate, d.submitBurst),
		logger: d.logger.With(
			zap.String("connection_id", conn.ID()),
			zap.String("user_id", identity.ID)),
	}

	rooms, err := d.pipeline.AuthorizedRooms(ctx, identity)
	if err != nil {
		session.logger.Warn("failed to list authorized rooms", zap.Error(err))
		rooms = []RoomKey{}
	}
	session.reply(OutboundEvent{Type: OutboundSessionReady, Payload: sessionReadyPayload{
		ConnectionID: conn.ID(),
		Identity:     identity,
		Rooms:        rooms,
	}})
	session.logger.Info("realtime session opened")
	return session, nil
}

// Session is one connection's view of the dispatcher. Dispatch must be called
// from a single goroutine so events are handled in arrival order.
type Session struct {
	dispatcher *Dispatcher
	conn       *Connection
	limiter    *rate.Limiter
	logger     *zap.Logger
	closeOnce  sync.Once
}

func (s *Session) Connection() *Connection {
	return s.conn
}

// Dispatch decodes one inbound frame and runs its handler. Failures are
// reported to this connection only.
func (s *Session) Dispatch(ctx context.Context, frame []byte) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		s.fail("", newError(KindValidation, CodeMalformedEvent, "event must be a JSON object with a type", nil, err))
		return
	}
	kind, ok := ParseEventKind(envelope.Type)
	if !ok {
		s.logger.Debug("ignoring unknown realtime event", zap.String("type", envelope.Type))
		return
	}
	s.invoke(ctx, kind, envelope)
}

func (s *Session) invoke(ctx context.Context, kind EventKind, envelope inboundEnvelope) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("realtime handler panicked",
				zap.String("event", kind.String()),
				zap.Any("panic", recovered))
			s.fail(envelope.ID, newError(KindInternal, CodeInternal, "internal error", nil, fmt.Errorf("panic: %v", recovered)))
		}
	}()

	handler := s.dispatcher.handlers[kind]
	if err := handler(ctx, s, s.conn.Context(), envelope); err != nil {
		s.fail(envelope.ID, asRealtimeError(err))
	}
}

// Close removes the connection from the registry. Only the first call counts.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.dispatcher.registry.RemoveConnection(s.conn.ID()) {
			s.logger.Info("realtime session closed")
		}
		s.conn.Close()
	})
}

func (s *Session) reply(event OutboundEvent) {
	if err := s.dispatcher.registry.Send(s.conn.ID(), event); err != nil && !errors.Is(err, ErrUnknownConnection) {
		s.logger.Error("failed to queue realtime reply", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func (s *Session) fail(correlationID string, err *Error) {
	switch err.Kind {
	case KindInternal:
		s.logger.Error("realtime event failed", zap.String("code", err.Code), zap.Error(err))
	case KindPersistence:
		s.logger.Warn("realtime event failed", zap.String("code", err.Code), zap.Error(err))
	default:
		s.logger.Debug("realtime event rejected", zap.String("code", err.Code), zap.Error(err))
	}
	s.reply(errorEvent(correlationID, err))
}

func decodePayload(envelope inboundEnvelope, target interface{}) error {
	raw := envelope.Payload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return newError(KindValidation, CodeMalformedEvent, fmt.Sprintf("%s payload is malformed", envelope.Type), nil, err)
	}
	return nil
}

func registryError(err error) error {
	if errors.Is(err, ErrUnknownConnection) {
		return newError(KindInternal, CodeUnknownConnection, "connection is closed", ErrUnknownConnection, err)
	}
	return err
}

func handleJoinRoom(ctx context.Context, session *Session, cc ConnectionContext, envelope inboundEnvelope) error {
	var payload TargetPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return err
	}
	key, err := payload.Room()
	if err != nil {
		return err
	}
	if err := session.dispatcher.pipeline.Authorize(ctx, cc.Identity, key); err != nil {
		return err
	}
	if _, err := session.dispatcher.registry.Join(cc.ConnectionID, key); err != nil {
		return registryError(err)
	}
	session.reply(OutboundEvent{Type: OutboundRoomJoined, ID: envelope.ID, Payload: roomPayload{Room: key}})
	return nil
}

func handleLeaveRoom(_ context.Context, session *Session, cc ConnectionContext, envelope inboundEnvelope) error {
	var payload TargetPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return err
	}
	key, err := payload.Room()
	if err != nil {
		return err
	}
	if _, err := session.dispatcher.registry.Leave(cc.ConnectionID, key); err != nil {
		return registryError(err)
	}
	session.reply(OutboundEvent{Type: OutboundRoomLeft, ID: envelope.ID, Payload: roomPayload{Room: key}})
	return nil
}

func handleSubmitMessage(ctx context.Context, session *Session, cc ConnectionContext, envelope inboundEnvelope) error {
	if !session.limiter.Allow() {
		return newError(KindValidation, CodeRateLimited, "too many messages, slow down", nil, nil)
	}
	var payload SubmitPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return err
	}
	_, err := session.dispatcher.pipeline.SubmitMessage(ctx, cc, payload)
	return err
}
