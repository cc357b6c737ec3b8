package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "messages.service.new"
	opCreateMessage  = "messages.create"
	opListHistory    = "messages.list_history"
	opGetMessage     = "messages.get"
	opUpdateMessage  = "messages.update"
	opDeleteMessage  = "messages.delete"
	reasonInvalid    = "invalid_request"
	reasonNotFound   = "not_found"
	reasonForbidden  = "forbidden"
	reasonQuery      = "query_failed"
	reasonWrite      = "write_failed"
	reasonIDProvider = "id_generation_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database         *gorm.DB
	Clock            func() time.Time
	IDProvider       IDProvider
	Logger           *zap.Logger
	MaxContentLength int
}

type IDProvider interface {
	NewID() (string, error)
}

// Service persists chat messages for projects and direct conversations.
type Service struct {
	db               *gorm.DB
	clock            func() time.Time
	idProvider       IDProvider
	logger           *zap.Logger
	maxContentLength int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	maxContentLength := cfg.MaxContentLength
	if maxContentLength <= 0 {
		maxContentLength = defaultMaxContentLength
	}

	return &Service{
		db:               cfg.Database,
		clock:            clock,
		idProvider:       cfg.IDProvider,
		logger:           logger,
		maxContentLength: maxContentLength,
	}, nil
}

// CreateMessage validates and durably stores a message. The returned record is
// what gets broadcast; callers must not publish anything when err is non-nil.
func (s *Service) CreateMessage(ctx context.Context, request CreateRequest) (Message, error) {
	normalized, err := request.normalized(s.maxContentLength)
	if err != nil {
		return Message{}, newServiceError(opCreateMessage, reasonInvalid, err)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateMessage, reasonIDProvider, err, zap.String("author_id", normalized.AuthorID))
		return Message{}, newServiceError(opCreateMessage, reasonIDProvider, err)
	}

	message := Message{
		MessageID:         messageID,
		ProjectID:         normalized.ProjectID,
		ConversationID:    normalized.ConversationID,
		AuthorID:          normalized.AuthorID,
		AuthorDisplayName: normalized.AuthorDisplayName,
		Content:           normalized.Content,
		CreatedAt:         s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opCreateMessage, reasonWrite, err,
			zap.String("author_id", message.AuthorID),
			zap.String("project_id", message.ProjectID),
			zap.String("conversation_id", message.ConversationID))
		return Message{}, newServiceError(opCreateMessage, reasonWrite, err)
	}
	return message, nil
}

// ListProjectMessages returns non-deleted messages for a project, newest first.
func (s *Service) ListProjectMessages(ctx context.Context, projectID string, query HistoryQuery) ([]Message, error) {
	return s.listHistory(ctx, "project_id", projectID, query)
}

// ListConversationMessages returns non-deleted messages for a conversation, newest first.
func (s *Service) ListConversationMessages(ctx context.Context, conversationID string, query HistoryQuery) ([]Message, error) {
	return s.listHistory(ctx, "conversation_id", conversationID, query)
}

func (s *Service) listHistory(ctx context.Context, column, targetID string, query HistoryQuery) ([]Message, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, newServiceError(opListHistory, reasonInvalid, ErrInvalidTarget)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	statement := s.db.WithContext(ctx).
		Where(column+" = ? AND is_deleted = ?", targetID, false)
	if !query.Before.IsZero() {
		statement = statement.Where("created_at < ?", query.Before.UTC())
	}

	var history []Message
	if err := statement.
		Order("created_at DESC").
		Order("message_id DESC").
		Limit(limit).
		Find(&history).Error; err != nil {
		s.logError(opListHistory, reasonQuery, err, zap.String(column, targetID))
		return nil, newServiceError(opListHistory, reasonQuery, err)
	}
	return history, nil
}

// GetMessage loads a single non-deleted message.
func (s *Service) GetMessage(ctx context.Context, messageID string) (Message, error) {
	message, err := s.load(s.db.WithContext(ctx), messageID)
	if err != nil {
		return Message{}, s.wrapLoadError(opGetMessage, messageID, err)
	}
	return message, nil
}

// UpdateContent replaces the content of a message owned by authorID.
func (s *Service) UpdateContent(ctx context.Context, messageID, authorID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if err := validateContent(content, s.maxContentLength); err != nil {
		return Message{}, newServiceError(opUpdateMessage, reasonInvalid, err)
	}

	var updated Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := s.load(tx, messageID)
		if err != nil {
			return s.wrapLoadError(opUpdateMessage, messageID, err)
		}
		if message.AuthorID != strings.TrimSpace(authorID) {
			return newServiceError(opUpdateMessage, reasonForbidden, ErrNotAuthor)
		}
		editedAt := s.clock().UTC()
		if err := tx.Model(&Message{}).
			Where("message_id = ?", message.MessageID).
			Updates(map[string]interface{}{"content": content, "edited_at": editedAt}).Error; err != nil {
			s.logError(opUpdateMessage, reasonWrite, err, zap.String("message_id", message.MessageID))
			return newServiceError(opUpdateMessage, reasonWrite, err)
		}
		message.Content = content
		message.EditedAt = &editedAt
		updated = message
		return nil
	})
	if txErr != nil {
		return Message{}, txErr
	}
	return updated, nil
}

// Delete soft-deletes a message owned by authorID and returns its last state.
func (s *Service) Delete(ctx context.Context, messageID, authorID string) (Message, error) {
	var deleted Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := s.load(tx, messageID)
		if err != nil {
			return s.wrapLoadError(opDeleteMessage, messageID, err)
		}
		if message.AuthorID != strings.TrimSpace(authorID) {
			return newServiceError(opDeleteMessage, reasonForbidden, ErrNotAuthor)
		}
		if err := tx.Model(&Message{}).
			Where("message_id = ?", message.MessageID).
			Update("is_deleted", true).Error; err != nil {
			s.logError(opDeleteMessage, reasonWrite, err, zap.String("message_id", message.MessageID))
			return newServiceError(opDeleteMessage, reasonWrite, err)
		}
		message.IsDeleted = true
		deleted = message
		return nil
	})
	if txErr != nil {
		return Message{}, txErr
	}
	return deleted, nil
}

func (s *Service) load(db *gorm.DB, messageID string) (Message, error) {
	var message Message
	err := db.
		Where("message_id = ? AND is_deleted = ?", strings.TrimSpace(messageID), false).
		Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, ErrMessageNotFound
	}
	return message, err
}

func (s *Service) wrapLoadError(operation, messageID string, err error) error {
	if errors.Is(err, ErrMessageNotFound) {
		return newServiceError(operation, reasonNotFound, err)
	}
	s.logError(operation, reasonQuery, err, zap.String("message_id", messageID))
	return newServiceError(operation, reasonQuery, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("messages service error", attrs...)
}
