package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/access"
	"github.com/MarcoPoloResearchLab/huddle/internal/auth"
	"github.com/MarcoPoloResearchLab/huddle/internal/database"
	"github.com/MarcoPoloResearchLab/huddle/internal/messages"
	"github.com/MarcoPoloResearchLab/huddle/internal/realtime"
	"github.com/MarcoPoloResearchLab/huddle/internal/users"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

type testApp struct {
	server   *httptest.Server
	issuer   *auth.SessionIssuer
	access   *access.Service
	messages *messages.Service
	registry *realtime.Registry
}

func newTestApp(t *testing.T) testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(githubsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build session issuer: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	accessService, err := access.NewService(access.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build access service: %v", err)
	}
	messageService, err := messages.NewService(messages.ServiceConfig{
		Database:   db,
		IDProvider: messages.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build message service: %v", err)
	}

	verifier, err := NewSessionIdentityVerifier(sessions, userService)
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	authorizer, err := NewAccessAuthorizer(accessService)
	if err != nil {
		t.Fatalf("failed to build authorizer: %v", err)
	}
	authenticator, err := realtime.NewAuthenticator(realtime.AuthenticatorConfig{Verifier: verifier, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to build authenticator: %v", err)
	}
	registry := realtime.NewRegistry(nil)
	pipeline, err := realtime.NewPipeline(realtime.PipelineConfig{
		Registry:             registry,
		Store:                messageService,
		Authorizer:           authorizer,
		EnforceAuthorization: true,
		PersistTimeout:       time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	dispatcher, err := realtime.NewDispatcher(realtime.DispatcherConfig{Registry: registry, Pipeline: pipeline})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Credentials:   sessions,
		Authenticator: authenticator,
		Registry:      registry,
		Dispatcher:    dispatcher,
		Pipeline:      pipeline,
		Messages:      messageService,
		Access:        accessService,
		Transport:     realtime.TransportConfig{PingInterval: time.Second, WriteTimeout: time.Second},
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		registry.CloseAll()
		server.Close()
	})

	return testApp{
		server:   server,
		issuer:   issuer,
		access:   accessService,
		messages: messageService,
		registry: registry,
	}
}

func (a testApp) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := a.issuer.Issue(auth.SessionSubject{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (a testApp) grant(t *testing.T, projectID string, userIDs ...string) {
	t.Helper()
	for _, userID := range userIDs {
		if err := a.access.AddProjectMember(context.Background(), projectID, userID, access.RoleMember); err != nil {
			t.Fatalf("failed to grant membership: %v", err)
		}
	}
}

func (a testApp) websocketURL() string {
	return "ws" + strings.TrimPrefix(a.server.URL, "http") + "/realtime"
}

func (a testApp) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	ws, response, err := websocket.DefaultDialer.Dial(a.websocketURL(), header)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial failed with status %d: %v", status, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func bearer(token string) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return header
}

func (a testApp) do(t *testing.T, method, path, token string, body string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}
