// Package session resolves bearer credentials to authenticated principals.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/account"
	"github.com/coachpo/copydesk/internal/infra/broker"
	"github.com/coachpo/copydesk/internal/observability"
)

// ProfileFetcher verifies a credential against the brokerage.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, credential string) (broker.Profile, error)
}

// Store keeps principals keyed by credential. Only credentials the brokerage accepted are registered.
type Store struct {
	verifier ProfileFetcher
	logger   observability.Logger

	mu           sync.RWMutex
	byCredential map[string]account.Principal
	byUser       map[string]string
}

// NewStore constructs an empty session store.
func NewStore(verifier ProfileFetcher, logger observability.Logger) *Store {
	return &Store{
		verifier:     verifier,
		logger:       observability.OrNop(logger),
		byCredential: make(map[string]account.Principal),
		byUser:       make(map[string]string),
	}
}

// Register verifies the credential and records the principal behind it with the requested role.
// A user logging in again replaces their previous credential.
func (s *Store) Register(ctx context.Context, credential string, role account.Role) (account.Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return account.Principal{}, errs.New("session", errs.CodeInvalid, errs.WithMessage("access_token is required"))
	}
	if role == "" {
		role = account.RoleParent
	}
	if !role.Valid() {
		return account.Principal{}, errs.New("session", errs.CodeInvalid,
			errs.WithMessage("role must be parent or child"), errs.WithField("role", string(role)))
	}

	profile, err := s.verifier.FetchProfile(ctx, credential)
	if err != nil {
		s.logger.Warn("session verification failed",
			observability.Field{Key: "credential", Value: observability.MaskSecret(credential)},
			observability.Field{Key: "error", Value: err},
		)
		code := errs.CodeUpstreamRejected
		var ue *broker.UpstreamError
		if errors.As(err, &ue) {
			switch ue.Kind {
			case broker.KindAuthRejected:
				code = errs.CodeUnauthenticated
			case broker.KindTimeout:
				code = errs.CodeTimeout
			}
		}
		return account.Principal{}, errs.New("session", code,
			errs.WithMessage("unable to verify access token"), errs.WithCause(err))
	}
	if strings.TrimSpace(profile.UserID) == "" {
		return account.Principal{}, errs.New("session", errs.CodeUnauthenticated, errs.WithMessage("profile carries no user id"))
	}

	principal := account.Principal{
		UserID:           profile.UserID,
		DisplayName:      profile.UserName,
		Email:            profile.Email,
		AccessCredential: credential,
		Role:             role,
	}
	s.mu.Lock()
	if previous, ok := s.byUser[principal.UserID]; ok && previous != credential {
		delete(s.byCredential, previous)
	}
	s.byCredential[credential] = principal
	s.byUser[principal.UserID] = credential
	s.mu.Unlock()

	s.logger.Info("session registered",
		observability.Field{Key: "user_id", Value: principal.UserID},
		observability.Field{Key: "role", Value: string(role)},
		observability.Field{Key: "credential", Value: observability.MaskSecret(credential)},
	)
	return principal, nil
}

// Resolve returns the principal registered for credential.
func (s *Store) Resolve(credential string) (account.Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byCredential[strings.TrimSpace(credential)]
	return p, ok
}

// Revoke forgets the credential, typically after the brokerage rejected it.
func (s *Store) Revoke(credential string) {
	credential = strings.TrimSpace(credential)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byCredential[credential]
	if !ok {
		return
	}
	delete(s.byCredential, credential)
	if s.byUser[p.UserID] == credential {
		delete(s.byUser, p.UserID)
	}
}

// Credential returns the live credential of a logged-in user.
func (s *Store) Credential(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byUser[userID]
	return c, ok
}
