package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultVerifyTimeout = 5 * time.Second

var errMissingVerifier = errors.New("realtime: identity verifier is required")

// IdentityVerifier resolves an opaque credential to an identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// AuthenticatorConfig configures handshake authentication.
type AuthenticatorConfig struct {
	Verifier IdentityVerifier
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Authenticator gates the websocket handshake.
type Authenticator struct {
	verifier IdentityVerifier
	timeout  time.Duration
	logger   *zap.Logger
}

func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{verifier: cfg.Verifier, timeout: timeout, logger: logger}, nil
}

type verifyResult struct {
	identity Identity
	err      error
}

// Authenticate resolves the token or returns an authentication error. There is
// no retry and no anonymous fallback.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, newError(KindAuthentication, CodeMissingCredential, "credential required", ErrMissingCredential, nil)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results := make(chan verifyResult, 1)
	go func() {
		identity, err := a.verifier.Verify(verifyCtx, token)
		results <- verifyResult{identity: identity, err: err}
	}()

	var result verifyResult
	select {
	case result = <-results:
	case <-verifyCtx.Done():
		a.logger.Warn("identity verification timed out", zap.Duration("timeout", a.timeout))
		return Identity{}, newError(KindAuthentication, CodeInvalidCredential, "credential could not be verified", ErrInvalidCredential, verifyCtx.Err())
	}

	if result.err != nil {
		return Identity{}, newError(KindAuthentication, CodeInvalidCredential, "credential rejected", ErrInvalidCredential, result.err)
	}
	identity := result.identity
	identity.ID = strings.TrimSpace(identity.ID)
	if identity.ID == "" {
		return Identity{}, newError(KindAuthentication, CodeInvalidCredential, "credential rejected", ErrInvalidCredential, nil)
	}
	if strings.TrimSpace(identity.DisplayName) == "" {
		identity.DisplayName = identity.ID
	}
	return identity, nil
}
