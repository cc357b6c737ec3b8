package server

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/huddle/internal/access"
	"github.com/MarcoPoloResearchLab/huddle/internal/auth"
	"github.com/MarcoPoloResearchLab/huddle/internal/realtime"
	"github.com/MarcoPoloResearchLab/huddle/internal/users"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserService      = errors.New("user service dependency required")
)

// SessionIdentityVerifier turns a TAuth session token into a realtime identity
// with a canonical user id.
type SessionIdentityVerifier struct {
	sessions *auth.SessionValidator
	users    *users.Service
}

func NewSessionIdentityVerifier(sessions *auth.SessionValidator, userService *users.Service) (*SessionIdentityVerifier, error) {
	if sessions == nil {
		return nil, errMissingSessionValidator
	}
	if userService == nil {
		return nil, errMissingUserService
	}
	return &SessionIdentityVerifier{sessions: sessions, users: userService}, nil
}

func (v *SessionIdentityVerifier) Verify(ctx context.Context, token string) (realtime.Identity, error) {
	claims, err := v.sessions.ValidateToken(token)
	if err != nil {
		return realtime.Identity{}, err
	}
	profile, err := v.users.ResolveProfile(ctx, claims)
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{ID: profile.UserID, DisplayName: profile.DisplayName}, nil
}

// AccessAuthorizer answers realtime entitlement checks from project membership
// and conversation participation.
type AccessAuthorizer struct {
	access *access.Service
}

func NewAccessAuthorizer(service *access.Service) (*AccessAuthorizer, error) {
	if service == nil {
		return nil, errMissingAccess
	}
	return &AccessAuthorizer{access: service}, nil
}

func (a *AccessAuthorizer) IsProjectMember(ctx context.Context, userID, projectID string) (bool, error) {
	return a.access.IsProjectMember(ctx, userID, projectID)
}

func (a *AccessAuthorizer) IsConversationParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	return a.access.IsConversationParticipant(ctx, userID, conversationID)
}

func (a *AccessAuthorizer) AuthorizedRoomsFor(ctx context.Context, userID string) ([]realtime.RoomKey, error) {
	projects, err := a.access.ProjectsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	conversations, err := a.access.ConversationsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	rooms := make([]realtime.RoomKey, 0, len(projects)+len(conversations))
	for _, projectID := range projects {
		rooms = append(rooms, realtime.ProjectRoom(projectID))
	}
	for _, conversationID := range conversations {
		rooms = append(rooms, realtime.ConversationRoom(conversationID))
	}
	return rooms, nil
}
