package access

import "time"

// Role names a project member's standing. Authorization only distinguishes
// members from non-members; the role is carried for the REST layer.
type Role string

const (
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
)

// ProjectMember grants a user access to a project's channel.
type ProjectMember struct {
	ProjectID string    `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role      Role      `gorm:"column:role;size:32;not null;default:'member'"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ProjectMember) TableName() string {
	return "project_members"
}

// Conversation is a direct conversation between two or more users.
type Conversation struct {
	ConversationID string    `gorm:"column:conversation_id;primaryKey;size:64;not null"`
	CreatedBy      string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// ConversationParticipant links a user to a conversation.
type ConversationParticipant struct {
	ConversationID string `gorm:"column:conversation_id;primaryKey;size:64;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ConversationParticipant) TableName() string {
	return "conversation_participants"
}
