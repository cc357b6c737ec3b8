package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/messages"
	"go.uber.org/zap"
)

const defaultPersistTimeout = 5 * time.Second

var (
	errMissingRegistry   = errors.New("realtime: registry is required")
	errMissingStore      = errors.New("realtime: message store is required")
	errMissingAuthorizer = errors.New("realtime: authorizer is required when authorization is enforced")
)

// MessageStore persists chat messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, request messages.CreateRequest) (messages.Message, error)
}

// Authorizer answers room entitlement questions.
type Authorizer interface {
	IsProjectMember(ctx context.Context, userID, projectID string) (bool, error)
	IsConversationParticipant(ctx context.Context, userID, conversationID string) (bool, error)
	AuthorizedRoomsFor(ctx context.Context, userID string) ([]RoomKey, error)
}

// PipelineConfig wires the ingest pipeline.
type PipelineConfig struct {
	Registry             *Registry
	Store                MessageStore
	Authorizer           Authorizer
	EnforceAuthorization bool
	PersistTimeout       time.Duration
	Logger               *zap.Logger
}

// Pipeline persists submitted messages and only then fans them out.
type Pipeline struct {
	registry       *Registry
	store          MessageStore
	authorizer     Authorizer
	enforce        bool
	persistTimeout time.Duration
	logger         *zap.Logger
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.EnforceAuthorization && cfg.Authorizer == nil {
		return nil, errMissingAuthorizer
	}
	timeout := cfg.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		registry:       cfg.Registry,
		store:          cfg.Store,
		authorizer:     cfg.Authorizer,
		enforce:        cfg.EnforceAuthorization,
		persistTimeout: timeout,
		logger:         logger,
	}, nil
}

// SubmitMessage validates, authorizes, persists and broadcasts one message.
// Any error means nothing was broadcast.
func (p *Pipeline) SubmitMessage(ctx context.Context, cc ConnectionContext, payload SubmitPayload) (messages.Message, error) {
	if strings.TrimSpace(payload.Content) == "" {
		return messages.Message{}, newError(KindValidation, CodeEmptyContent, "message content is required", messages.ErrEmptyContent, nil)
	}
	key, err := payload.Room()
	if err != nil {
		return messages.Message{}, err
	}
	if err := p.Authorize(ctx, cc.Identity, key); err != nil {
		return messages.Message{}, err
	}
	if !cc.Joined(key) {
		p.logger.Debug("message submitted to unjoined room",
			zap.String("connection_id", cc.ConnectionID),
			zap.String("room", key.String()))
	}

	request := messages.CreateRequest{
		Content:           payload.Content,
		AuthorID:          cc.Identity.ID,
		AuthorDisplayName: cc.Identity.DisplayName,
	}
	if key.Kind() == RoomKindProject {
		request.ProjectID = key.TargetID()
	} else {
		request.ConversationID = key.TargetID()
	}

	// The write outlives the connection: a client hanging up mid-persist must
	// not abort it.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.persistTimeout)
	defer cancel()
	message, err := p.store.CreateMessage(persistCtx, request)
	if err != nil {
		mapped := classifyStoreError(err)
		if mapped.Kind != KindValidation {
			p.logger.Error("message persistence failed",
				zap.String("connection_id", cc.ConnectionID),
				zap.String("user_id", cc.Identity.ID),
				zap.String("room", key.String()),
				zap.Error(err))
		}
		return messages.Message{}, mapped
	}

	delivered, err := p.registry.Broadcast(key, messageCreatedEvent(message))
	if err != nil {
		p.logger.Error("message broadcast failed",
			zap.String("message_id", message.MessageID),
			zap.String("room", key.String()),
			zap.Error(err))
		return message, nil
	}
	p.logger.Debug("message broadcast",
		zap.String("message_id", message.MessageID),
		zap.String("room", key.String()),
		zap.Int("recipients", delivered))
	return message, nil
}

// Authorize checks that the identity may use the room. It always passes when
// enforcement is disabled. Lookups share the persist timeout.
func (p *Pipeline) Authorize(ctx context.Context, identity Identity, key RoomKey) error {
	if !p.enforce {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, p.persistTimeout)
	defer cancel()
	var (
		allowed bool
		err     error
	)
	switch key.Kind() {
	case RoomKindProject:
		allowed, err = p.authorizer.IsProjectMember(lookupCtx, identity.ID, key.TargetID())
	case RoomKindConversation:
		allowed, err = p.authorizer.IsConversationParticipant(lookupCtx, identity.ID, key.TargetID())
	default:
		return newError(KindValidation, CodeInvalidTarget, "room reference is invalid", ErrInvalidRoomKey, nil)
	}
	if err != nil {
		p.logger.Error("authorization lookup failed",
			zap.String("user_id", identity.ID),
			zap.String("room", key.String()),
			zap.Error(err))
		return newError(KindInternal, CodeInternal, "authorization check failed", nil, err)
	}
	if !allowed {
		return newError(KindAuthorization, CodeForbidden, "not permitted to access this room", ErrForbidden, nil)
	}
	return nil
}

// AuthorizedRooms lists the rooms the identity may join. Without an authorizer
// the list is empty.
func (p *Pipeline) AuthorizedRooms(ctx context.Context, identity Identity) ([]RoomKey, error) {
	if p.authorizer == nil {
		return []RoomKey{}, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, p.persistTimeout)
	defer cancel()
	rooms, err := p.authorizer.AuthorizedRoomsFor(lookupCtx, identity.ID)
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []RoomKey{}
	}
	return rooms, nil
}

// PublishUpdated broadcasts an edit of an already persisted message.
func (p *Pipeline) PublishUpdated(message messages.Message) (int, error) {
	return p.registry.Broadcast(RoomForMessage(message), messageUpdatedEvent(message))
}

// PublishDeleted broadcasts the removal of an already persisted message.
func (p *Pipeline) PublishDeleted(message messages.Message) (int, error) {
	return p.registry.Broadcast(RoomForMessage(message), messageDeletedEvent(message))
}

func classifyStoreError(err error) *Error {
	switch {
	case errors.Is(err, messages.ErrEmptyContent):
		return newError(KindValidation, CodeEmptyContent, "message content is required", messages.ErrEmptyContent, err)
	case errors.Is(err, messages.ErrContentTooLong):
		return newError(KindValidation, CodeContentTooLong, "message content is too long", messages.ErrContentTooLong, err)
	case errors.Is(err, messages.ErrInvalidTarget):
		return newError(KindValidation, CodeInvalidTarget, "exactly one of roomKey or conversationKey is required", messages.ErrInvalidTarget, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindPersistence, CodePersistTimeout, "message could not be saved in time, retry", nil, err)
	default:
		return newError(KindPersistence, CodePersistFailed, "message could not be saved, retry", nil, err)
	}
}
