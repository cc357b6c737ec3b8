package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidIdentifier indicates an empty or oversized project, user, or conversation id.
	ErrInvalidIdentifier = errors.New("access: invalid identifier")
	// ErrTooFewParticipants indicates a conversation without anyone besides its creator.
	ErrTooFewParticipants = errors.New("access: conversation needs at least two participants")
)

// ServiceConfig describes the dependencies of the access service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service answers membership questions for projects and conversations.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the access service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("access: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AddProjectMember grants membership, updating the role when already present.
func (s *Service) AddProjectMember(ctx context.Context, projectID, userID string, role Role) error {
	projectID, userID = normalize(projectID), normalize(userID)
	if err := validateIdentifiers(projectID, userID); err != nil {
		return err
	}
	if role == "" {
		role = RoleMember
	}
	member := ProjectMember{ProjectID: projectID, UserID: userID, Role: role}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).
		Create(&member).Error
}

// RemoveProjectMember revokes membership. Removing a non-member is a no-op.
func (s *Service) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	return s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", normalize(projectID), normalize(userID)).
		Delete(&ProjectMember{}).Error
}

// IsProjectMember reports whether the user may read and post in the project channel.
func (s *Service) IsProjectMember(ctx context.Context, userID, projectID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ProjectMember{}).
		Where("project_id = ? AND user_id = ?", normalize(projectID), normalize(userID)).
		Count(&count).Error
	if err != nil {
		s.logger.Error("project membership lookup failed", zap.Error(err),
			zap.String("project_id", projectID), zap.String("user_id", userID))
		return false, err
	}
	return count > 0, nil
}

// ProjectsFor lists the project ids the user belongs to, sorted.
func (s *Service) ProjectsFor(ctx context.Context, userID string) ([]string, error) {
	var projectIDs []string
	err := s.db.WithContext(ctx).
		Model(&ProjectMember{}).
		Where("user_id = ?", normalize(userID)).
		Order("project_id").
		Pluck("project_id", &projectIDs).Error
	return projectIDs, err
}

// CreateConversation creates a direct conversation between the creator and the
// listed participants. Duplicate and blank participant ids are ignored.
func (s *Service) CreateConversation(ctx context.Context, creatorID string, participantIDs []string) (Conversation, []string, error) {
	creatorID = normalize(creatorID)
	if err := validateIdentifiers(creatorID); err != nil {
		return Conversation{}, nil, err
	}

	unique := map[string]struct{}{creatorID: {}}
	for _, participantID := range participantIDs {
		participantID = normalize(participantID)
		if participantID == "" {
			continue
		}
		if err := validateIdentifiers(participantID); err != nil {
			return Conversation{}, nil, err
		}
		unique[participantID] = struct{}{}
	}
	if len(unique) < 2 {
		return Conversation{}, nil, ErrTooFewParticipants
	}
	participants := make([]string, 0, len(unique))
	for participantID := range unique {
		participants = append(participants, participantID)
	}
	sort.Strings(participants)

	conversationID, err := uuid.NewV7()
	if err != nil {
		return Conversation{}, nil, err
	}
	conversation := Conversation{
		ConversationID: conversationID.String(),
		CreatedBy:      creatorID,
		CreatedAt:      s.clock().UTC(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conversation).Error; err != nil {
			return err
		}
		rows := make([]ConversationParticipant, 0, len(participants))
		for _, participantID := range participants {
			rows = append(rows, ConversationParticipant{ConversationID: conversation.ConversationID, UserID: participantID})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		s.logger.Error("conversation create failed", zap.Error(err), zap.String("created_by", creatorID))
		return Conversation{}, nil, err
	}
	return conversation, participants, nil
}

// IsConversationParticipant reports whether the user takes part in the conversation.
func (s *Service) IsConversationParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", normalize(conversationID), normalize(userID)).
		Count(&count).Error
	if err != nil {
		s.logger.Error("conversation participant lookup failed", zap.Error(err),
			zap.String("conversation_id", conversationID), zap.String("user_id", userID))
		return false, err
	}
	return count > 0, nil
}

// ConversationsFor lists the conversation ids the user takes part in, sorted.
func (s *Service) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	var conversationIDs []string
	err := s.db.WithContext(ctx).
		Model(&ConversationParticipant{}).
		Where("user_id = ?", normalize(userID)).
		Order("conversation_id").
		Pluck("conversation_id", &conversationIDs).Error
	return conversationIDs, err
}

func validateIdentifiers(values ...string) error {
	for _, value := range values {
		if value == "" {
			return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
		}
		if len(value) > maxIdentifierLength {
			return fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentifier, maxIdentifierLength)
		}
	}
	return nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
