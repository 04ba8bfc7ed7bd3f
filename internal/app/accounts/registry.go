// Package accounts manages the child accounts linked to each parent account.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/account"
	"github.com/coachpo/copydesk/internal/infra/broker"
	"github.com/coachpo/copydesk/internal/observability"
	"github.com/coachpo/copydesk/lib/validate"
)

// Reasons attached to invalid_request errors returned by the registry.
const (
	ReasonCredentialRejected = "credential_rejected"
	ReasonSelfLink           = "self_link"
	ReasonInvalidCandidate   = "invalid_candidate"
)

const defaultChildName = "Child User"

// ProfileFetcher verifies a credential by fetching the account profile behind it.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, credential string) (broker.Profile, error)
}

// Candidate is a child account a parent wants to link.
type Candidate struct {
	UserID           string `json:"user_id"`
	DisplayName      string `json:"display_name"`
	Email            string `json:"email"`
	AccessCredential string `json:"access_token" validate:"required"`
}

// Registry owns child links. Every stored link was verified against the brokerage when added.
type Registry struct {
	store    account.Store
	verifier ProfileFetcher
	logger   observability.Logger
	now      func() time.Time
}

// NewRegistry constructs a registry over store, verifying candidates with verifier.
func NewRegistry(store account.Store, verifier ProfileFetcher, logger observability.Logger) *Registry {
	return &Registry{
		store:    store,
		verifier: verifier,
		logger:   observability.OrNop(logger),
		now:      time.Now,
	}
}

// GetChildren returns the parent's links; empty when none exist.
func (r *Registry) GetChildren(ctx context.Context, parentID string) ([]account.ChildLink, error) {
	children, err := r.store.Children(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("accounts: list children: %w", err)
	}
	return children, nil
}

// ActiveChildren returns only links that replication should target.
func (r *Registry) ActiveChildren(ctx context.Context, parentID string) (active, inactive []account.ChildLink, err error) {
	children, err := r.GetChildren(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	for _, child := range children {
		if child.IsActive {
			active = append(active, child)
		} else {
			inactive = append(inactive, child)
		}
	}
	return active, inactive, nil
}

// UpsertChild verifies the candidate's credential and stores it as an active link,
// replacing any existing link with the same child id.
func (r *Registry) UpsertChild(ctx context.Context, parentID string, candidate Candidate) (account.ChildLink, error) {
	candidate.UserID = strings.TrimSpace(candidate.UserID)
	candidate.AccessCredential = strings.TrimSpace(candidate.AccessCredential)
	violations, err := validate.Struct(candidate)
	if err != nil {
		return account.ChildLink{}, fmt.Errorf("accounts: validate candidate: %w", err)
	}
	if len(violations) > 0 {
		return account.ChildLink{}, errs.New("accounts", errs.CodeInvalid,
			errs.WithReason(ReasonInvalidCandidate),
			errs.WithMessage(validate.Summary(violations)))
	}

	profile, err := r.verifier.FetchProfile(ctx, candidate.AccessCredential)
	if err != nil {
		r.logger.Warn("child credential verification failed",
			observability.Field{Key: "parent_user_id", Value: parentID},
			observability.Field{Key: "child_user_id", Value: candidate.UserID},
			observability.Field{Key: "credential", Value: observability.MaskSecret(candidate.AccessCredential)},
			observability.Field{Key: "error", Value: err},
		)
		opts := []errs.Option{
			errs.WithReason(ReasonCredentialRejected),
			errs.WithMessage("invalid access token or unable to verify account"),
			errs.WithCause(err),
		}
		var ue *broker.UpstreamError
		if errors.As(err, &ue) {
			opts = append(opts, errs.WithHTTP(ue.HTTPStatus), errs.WithRawCode(ue.Code), errs.WithRawMessage(ue.Message))
		}
		return account.ChildLink{}, errs.New("accounts", errs.CodeInvalid, opts...)
	}

	childID := firstNonEmpty(profile.UserID, candidate.UserID)
	if childID == "" {
		return account.ChildLink{}, errs.New("accounts", errs.CodeInvalid,
			errs.WithReason(ReasonCredentialRejected),
			errs.WithMessage("verified profile carries no user id"))
	}
	if childID == parentID {
		return account.ChildLink{}, errs.New("accounts", errs.CodeInvalid,
			errs.WithReason(ReasonSelfLink),
			errs.WithMessage("an account cannot be linked as its own child"))
	}

	now := r.now().UTC()
	link := account.ChildLink{
		ChildUserID:      childID,
		DisplayName:      firstNonEmpty(profile.UserName, candidate.DisplayName, defaultChildName),
		Email:            firstNonEmpty(profile.Email, candidate.Email),
		AccessCredential: candidate.AccessCredential,
		IsActive:         true,
		ConnectedAt:      now,
		LastSync:         now,
	}
	if err := r.store.Upsert(ctx, parentID, link); err != nil {
		return account.ChildLink{}, fmt.Errorf("accounts: upsert child: %w", err)
	}
	r.logger.Info("child account linked",
		observability.Field{Key: "parent_user_id", Value: parentID},
		observability.Field{Key: "child_user_id", Value: childID},
	)
	return link, nil
}

// RemoveChild unlinks the child. Removing an unknown child is not an error.
func (r *Registry) RemoveChild(ctx context.Context, parentID, childID string) error {
	if err := r.store.Remove(ctx, parentID, strings.TrimSpace(childID)); err != nil {
		return fmt.Errorf("accounts: remove child: %w", err)
	}
	return nil
}

// Deactivate marks the child inactive after its credential was rejected. Unknown children
// are ignored so concurrent removal does not surface as an error.
func (r *Registry) Deactivate(ctx context.Context, parentID, childID string) error {
	_, err := r.store.Update(ctx, parentID, childID, func(link *account.ChildLink) {
		link.IsActive = false
	})
	if errs.Is(err, errs.CodeNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("accounts: deactivate child: %w", err)
	}
	r.logger.Warn("child account deactivated",
		observability.Field{Key: "parent_user_id", Value: parentID},
		observability.Field{Key: "child_user_id", Value: childID},
	)
	return nil
}

// TouchSync records a successful replication against the child.
func (r *Registry) TouchSync(ctx context.Context, parentID, childID string) error {
	now := r.now().UTC()
	_, err := r.store.Update(ctx, parentID, childID, func(link *account.ChildLink) {
		link.LastSync = now
	})
	if err != nil && !errs.Is(err, errs.CodeNotFound) {
		return fmt.Errorf("accounts: touch sync: %w", err)
	}
	return nil
}

// LookupChildCredential returns the stored credential for a child id, if any parent links it.
func (r *Registry) LookupChildCredential(ctx context.Context, childID string) (string, bool, error) {
	_, link, found, err := r.store.FindChild(ctx, childID)
	if err != nil {
		return "", false, fmt.Errorf("accounts: find child: %w", err)
	}
	if !found || !link.IsActive {
		return "", false, nil
	}
	return link.AccessCredential, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
