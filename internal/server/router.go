package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/access"
	"github.com/MarcoPoloResearchLab/huddle/internal/auth"
	"github.com/MarcoPoloResearchLab/huddle/internal/messages"
	"github.com/MarcoPoloResearchLab/huddle/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const identityContextKey = "huddle_identity"

var (
	errMissingCredentials   = errors.New("credential extractor dependency required")
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingDispatcher    = errors.New("dispatcher dependency required")
	errMissingPipeline      = errors.New("pipeline dependency required")
	errMissingMessages      = errors.New("messages service dependency required")
	errMissingAccess        = errors.New("access service dependency required")
	errMissingRegistry      = errors.New("registry dependency required")
)

// CredentialExtractor pulls the session credential out of a request.
type CredentialExtractor interface {
	TokenFromRequest(r *http.Request) string
}

type Dependencies struct {
	Credentials    CredentialExtractor
	Authenticator  *realtime.Authenticator
	Registry       *realtime.Registry
	Dispatcher     *realtime.Dispatcher
	Pipeline       *realtime.Pipeline
	Messages       *messages.Service
	Access         *access.Service
	Transport      realtime.TransportConfig
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Credentials == nil:
		return nil, errMissingCredentials
	case deps.Authenticator == nil:
		return nil, errMissingAuthenticator
	case deps.Registry == nil:
		return nil, errMissingRegistry
	case deps.Dispatcher == nil:
		return nil, errMissingDispatcher
	case deps.Pipeline == nil:
		return nil, errMissingPipeline
	case deps.Messages == nil:
		return nil, errMissingMessages
	case deps.Access == nil:
		return nil, errMissingAccess
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		credentials:   deps.Credentials,
		authenticator: deps.Authenticator,
		registry:      deps.Registry,
		dispatcher:    deps.Dispatcher,
		pipeline:      deps.Pipeline,
		messages:      deps.Messages,
		access:        deps.Access,
		transport:     deps.Transport,
		upgrader:      newUpgrader(deps.AllowedOrigins),
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/realtime", handler.handleRealtime)
	protected.GET("/rooms", handler.handleListRooms)
	protected.GET("/projects/:projectID/messages", handler.handleProjectHistory)
	protected.POST("/conversations", handler.handleCreateConversation)
	protected.GET("/conversations/:conversationID/messages", handler.handleConversationHistory)
	protected.GET("/messages/:messageID", handler.handleGetMessage)
	protected.PATCH("/messages/:messageID", handler.handleUpdateMessage)
	protected.DELETE("/messages/:messageID", handler.handleDeleteMessage)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	credentials   CredentialExtractor
	authenticator *realtime.Authenticator
	registry      *realtime.Registry
	dispatcher    *realtime.Dispatcher
	pipeline      *realtime.Pipeline
	messages      *messages.Service
	access        *access.Service
	transport     realtime.TransportConfig
	upgrader      *websocket.Upgrader
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.registry.ConnectionCount(),
		"rooms":       h.registry.RoomCount(),
	})
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	identity := identityFromContext(c)
	rooms, err := h.pipeline.AuthorizedRooms(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to list authorized rooms", zap.String("user_id", identity.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rooms_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

type historyResponsePayload struct {
	Messages []realtime.MessageView `json:"messages"`
}

func (h *httpHandler) handleProjectHistory(c *gin.Context) {
	h.serveHistory(c, realtime.ProjectRoom(c.Param("projectID")), h.messages.ListProjectMessages)
}

func (h *httpHandler) handleConversationHistory(c *gin.Context) {
	h.serveHistory(c, realtime.ConversationRoom(c.Param("conversationID")), h.messages.ListConversationMessages)
}

type historyLister func(ctx context.Context, targetID string, query messages.HistoryQuery) ([]messages.Message, error)

func (h *httpHandler) serveHistory(c *gin.Context, key realtime.RoomKey, list historyLister) {
	identity := identityFromContext(c)
	if _, err := realtime.ParseRoomKey(key.String()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
		return
	}
	query, err := parseHistoryQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.pipeline.Authorize(c.Request.Context(), identity, key); err != nil {
		h.writeRealtimeError(c, err)
		return
	}

	history, err := list(c.Request.Context(), key.TargetID(), query)
	if err != nil {
		h.logger.Error("failed to load message history", zap.String("room", key.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_unavailable"})
		return
	}

	response := historyResponsePayload{Messages: make([]realtime.MessageView, 0, len(history))}
	for _, message := range history {
		response.Messages = append(response.Messages, realtime.NewMessageView(message))
	}
	c.JSON(http.StatusOK, response)
}

func parseHistoryQuery(c *gin.Context) (messages.HistoryQuery, error) {
	var query messages.HistoryQuery
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return messages.HistoryQuery{}, errors.New("limit must be a positive integer")
		}
		query.Limit = limit
	}
	if raw := strings.TrimSpace(c.Query("before")); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return messages.HistoryQuery{}, err
		}
		query.Before = before
	}
	return query, nil
}

type createConversationPayload struct {
	ParticipantIDs []string `json:"participant_ids"`
}

type conversationResponsePayload struct {
	ConversationID string           `json:"conversation_id"`
	Room           realtime.RoomKey `json:"room"`
	ParticipantIDs []string         `json:"participant_ids"`
	CreatedAt      time.Time        `json:"created_at"`
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	identity := identityFromContext(c)
	var request createConversationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	conversation, participants, err := h.access.CreateConversation(c.Request.Context(), identity.ID, request.ParticipantIDs)
	switch {
	case errors.Is(err, access.ErrTooFewParticipants), errors.Is(err, access.ErrInvalidIdentifier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_participants"})
		return
	case err != nil:
		h.logger.Error("failed to create conversation", zap.String("user_id", identity.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation_failed"})
		return
	}

	c.JSON(http.StatusCreated, conversationResponsePayload{
		ConversationID: conversation.ConversationID,
		Room:           realtime.ConversationRoom(conversation.ConversationID),
		ParticipantIDs: participants,
		CreatedAt:      conversation.CreatedAt.UTC(),
	})
}

func (h *httpHandler) handleGetMessage(c *gin.Context) {
	identity := identityFromContext(c)
	message, err := h.messages.GetMessage(c.Request.Context(), c.Param("messageID"))
	if err != nil {
		h.writeMessageError(c, err)
		return
	}
	if err := h.pipeline.Authorize(c.Request.Context(), identity, realtime.RoomForMessage(message)); err != nil {
		if realtime.KindOf(err) == realtime.KindAuthorization {
			// Indistinguishable from a missing message.
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.writeRealtimeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": realtime.NewMessageView(message)})
}

type updateMessagePayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleUpdateMessage(c *gin.Context) {
	identity := identityFromContext(c)
	var request updateMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	updated, err := h.messages.UpdateContent(c.Request.Context(), c.Param("messageID"), identity.ID, request.Content)
	if err != nil {
		h.writeMessageError(c, err)
		return
	}
	if _, err := h.pipeline.PublishUpdated(updated); err != nil {
		h.logger.Error("failed to broadcast message update", zap.String("message_id", updated.MessageID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": realtime.NewMessageView(updated)})
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	identity := identityFromContext(c)
	deleted, err := h.messages.Delete(c.Request.Context(), c.Param("messageID"), identity.ID)
	if err != nil {
		h.writeMessageError(c, err)
		return
	}
	if _, err := h.pipeline.PublishDeleted(deleted); err != nil {
		h.logger.Error("failed to broadcast message deletion", zap.String("message_id", deleted.MessageID), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) writeMessageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, messages.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, messages.ErrNotAuthor):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case messages.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("message operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message_operation_failed"})
	}
}

func (h *httpHandler) writeRealtimeError(c *gin.Context, err error) {
	code := realtime.CodeInternal
	var realtimeErr *realtime.Error
	if errors.As(err, &realtimeErr) {
		code = realtimeErr.Code
	}
	status := http.StatusInternalServerError
	switch realtime.KindOf(err) {
	case realtime.KindAuthentication:
		status = http.StatusUnauthorized
	case realtime.KindAuthorization:
		status = http.StatusForbidden
	case realtime.KindValidation:
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": code})
}

// authorizeRequest resolves the caller through the same authenticator the
// websocket handshake uses.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := h.credentials.TokenFromRequest(c.Request)
	identity, err := h.authenticator.Authenticate(c.Request.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, realtime.ErrMissingCredential):
			h.logger.Debug("request without credential", zap.String("path", c.FullPath()))
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		h.writeRealtimeError(c, err)
		c.Abort()
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFromContext(c *gin.Context) realtime.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return realtime.Identity{}
	}
	identity, _ := value.(realtime.Identity)
	return identity
}
