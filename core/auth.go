// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package core

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/modryn/go-dispatch/dispatch"
	"github.com/modryn/go-dispatch/errors"
)

// DefaultTokenTTL is the lifetime of a generated auth token.  Every
// successful use restarts the clock.
const DefaultTokenTTL = 600 * time.Second

type authToken struct {
	ttl      time.Duration
	lastUsed time.Time
}

// AuthService is the "auth" built-in service: credential checks,
// session login, and short-lived bearer tokens.  It also satisfies
// the transfer endpoints' Authenticator.
type AuthService struct {
	logger *logrus.Entry
	clock  clock.Clock

	mu sync.Mutex
	// credentials maps username to password.  The daemon loads
	// them from its config; real deployments would back this with
	// the account database.
	credentials map[string]string
	tokens      map[string]*authToken
}

// NewAuthService creates the auth service with a static credential
// table.
func NewAuthService(logger *logrus.Logger, clk clock.Clock, credentials map[string]string) *AuthService {
	if credentials == nil {
		credentials = make(map[string]string)
	}
	return &AuthService{
		logger:      logger.WithField("service", "auth"),
		clock:       clk,
		credentials: credentials,
		tokens:      make(map[string]*authToken),
	}
}

// Config implements dispatch.Service.
func (s *AuthService) Config() dispatch.ServiceConfig {
	return dispatch.ServiceConfig{Name: "auth"}
}

// Methods implements dispatch.Service.
func (s *AuthService) Methods() []*dispatch.Method {
	return []*dispatch.Method{
		{Name: "login", NoAuth: true, Handler: s.login},
		{Name: "token", NoAuth: true, Handler: s.tokenLogin},
		{Name: "check_user", Handler: s.checkUser},
		{Name: "generate_token", Handler: s.generateToken},
	}
}

// CheckUser implements transfer.Authenticator.
func (s *AuthService) CheckUser(username, password string) bool {
	s.mu.Lock()
	expected, ok := s.credentials[username]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

// CheckToken implements transfer.Authenticator.  A valid use renews
// the token's idle timer.
func (s *AuthService) CheckToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return false
	}
	now := s.clock.Now()
	if now.Sub(t.lastUsed) > t.ttl {
		delete(s.tokens, token)
		return false
	}
	t.lastUsed = now
	return true
}

func (s *AuthService) login(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	username, password, err := credentialArgs(call.Args)
	if err != nil {
		return nil, err
	}
	if !s.CheckUser(username, password) {
		return false, nil
	}
	if call.Session != nil {
		call.Session.SetAuthenticated(true)
	}
	return true, nil
}

// tokenLogin authenticates a session with a previously generated
// bearer token.
func (s *AuthService) tokenLogin(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	if len(call.Args) < 1 {
		return nil, errors.NewCallError(errors.EINVAL, "token is required")
	}
	token, ok := call.Args[0].(string)
	if !ok {
		return nil, errors.NewCallError(errors.EINVAL, "token must be a string")
	}
	if !s.CheckToken(token) {
		return false, nil
	}
	if call.Session != nil {
		call.Session.SetAuthenticated(true)
	}
	return true, nil
}

func (s *AuthService) checkUser(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	username, password, err := credentialArgs(call.Args)
	if err != nil {
		return nil, err
	}
	return s.CheckUser(username, password), nil
}

// generateToken mints a bearer token for the authenticated caller.
// An optional first argument overrides the idle TTL in seconds.
func (s *AuthService) generateToken(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	ttl := DefaultTokenTTL
	if len(call.Args) > 0 {
		seconds, ok := call.Args[0].(float64)
		if !ok || seconds <= 0 {
			return nil, errors.NewCallError(errors.EINVAL, "ttl must be a positive number of seconds")
		}
		ttl = time.Duration(seconds) * time.Second
	}

	token := uuid.NewV4().String()
	s.mu.Lock()
	s.tokens[token] = &authToken{ttl: ttl, lastUsed: s.clock.Now()}
	s.mu.Unlock()
	return token, nil
}

func credentialArgs(args []interface{}) (string, string, error) {
	if len(args) < 2 {
		return "", "", errors.NewCallError(errors.EINVAL, "username and password are required")
	}
	username, uok := args[0].(string)
	password, pok := args[1].(string)
	if !uok || !pok {
		return "", "", errors.NewCallError(errors.EINVAL, "username and password must be strings")
	}
	return username, password, nil
}
