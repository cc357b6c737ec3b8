package messages

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxIdentifierLength     = 190
	defaultMaxContentLength = 4000
)

var (
	// ErrEmptyContent indicates a message without visible content.
	ErrEmptyContent = errors.New("messages: content is empty")
	// ErrContentTooLong indicates the content exceeds the configured rune budget.
	ErrContentTooLong = errors.New("messages: content too long")
	// ErrInvalidTarget indicates a message that names neither or both of project and conversation.
	ErrInvalidTarget = errors.New("messages: exactly one of project or conversation is required")
	// ErrMissingAuthor indicates the author identity was not supplied.
	ErrMissingAuthor = errors.New("messages: author is required")
	// ErrInvalidIdentifier indicates an identifier that exceeds storage bounds.
	ErrInvalidIdentifier = errors.New("messages: invalid identifier")
	// ErrMessageNotFound indicates the referenced message does not exist or was deleted.
	ErrMessageNotFound = errors.New("messages: message not found")
	// ErrNotAuthor indicates a mutation attempted by someone other than the author.
	ErrNotAuthor = errors.New("messages: only the author may modify a message")
)

// IsValidationError reports whether err stems from rejected client input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrContentTooLong) ||
		errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrMissingAuthor) ||
		errors.Is(err, ErrInvalidIdentifier)
}

// Message is the persisted chat record. Exactly one of ProjectID and
// ConversationID is non-empty.
type Message struct {
	MessageID         string     `gorm:"column:message_id;primaryKey;size:64;not null"`
	ProjectID         string     `gorm:"column:project_id;size:190;not null;default:'';index:idx_messages_project_created,priority:1"`
	ConversationID    string     `gorm:"column:conversation_id;size:190;not null;default:'';index:idx_messages_conversation_created,priority:1"`
	AuthorID          string     `gorm:"column:author_id;size:190;not null;index"`
	AuthorDisplayName string     `gorm:"column:author_display_name;size:320;not null;default:''"`
	Content           string     `gorm:"column:content;type:text;not null"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null;index:idx_messages_project_created,priority:2;index:idx_messages_conversation_created,priority:2"`
	EditedAt          *time.Time `gorm:"column:edited_at"`
	IsDeleted         bool       `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// CreateRequest describes a message to persist.
type CreateRequest struct {
	Content           string
	AuthorID          string
	AuthorDisplayName string
	ProjectID         string
	ConversationID    string
}

// HistoryQuery pages through a room's history, newest first.
type HistoryQuery struct {
	Limit  int
	Before time.Time
}

func (r CreateRequest) normalized(maxContentLength int) (CreateRequest, error) {
	normalized := CreateRequest{
		Content:           strings.TrimSpace(r.Content),
		AuthorID:          strings.TrimSpace(r.AuthorID),
		AuthorDisplayName: strings.TrimSpace(r.AuthorDisplayName),
		ProjectID:         strings.TrimSpace(r.ProjectID),
		ConversationID:    strings.TrimSpace(r.ConversationID),
	}
	if normalized.AuthorID == "" {
		return CreateRequest{}, ErrMissingAuthor
	}
	if (normalized.ProjectID == "") == (normalized.ConversationID == "") {
		return CreateRequest{}, ErrInvalidTarget
	}
	for _, identifier := range []string{normalized.AuthorID, normalized.ProjectID, normalized.ConversationID} {
		if len(identifier) > maxIdentifierLength {
			return CreateRequest{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentifier, maxIdentifierLength)
		}
	}
	if err := validateContent(normalized.Content, maxContentLength); err != nil {
		return CreateRequest{}, err
	}
	return normalized, nil
}

func validateContent(content string, maxContentLength int) error {
	if content == "" {
		return ErrEmptyContent
	}
	if count := utf8.RuneCountInString(content); count > maxContentLength {
		return fmt.Errorf("%w: %d runes exceeds %d", ErrContentTooLong, count, maxContentLength)
	}
	return nil
}
