package accounts

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/infra/broker"
	"github.com/coachpo/copydesk/internal/infra/persistence/memory"
)

type fakeVerifier struct {
	profiles map[string]broker.Profile
	calls    int
}

func (f *fakeVerifier) FetchProfile(_ context.Context, credential string) (broker.Profile, error) {
	f.calls++
	if p, ok := f.profiles[credential]; ok {
		return p, nil
	}
	return broker.Profile{}, &broker.UpstreamError{
		Op: "fetch_profile", HTTPStatus: http.StatusUnauthorized, Kind: broker.KindAuthRejected,
		Code: "UDAPI100050", Message: "Invalid token used to access API",
	}
}

func newRegistry() (*Registry, *fakeVerifier) {
	verifier := &fakeVerifier{profiles: map[string]broker.Profile{
		"tok-c1": {UserID: "C1", UserName: "Child One", Email: "c1@example.com"},
		"tok-c2": {UserID: "C2"},
		"tok-p":  {UserID: "P"},
	}}
	return NewRegistry(memory.NewAccountStore(), verifier, nil), verifier
}

func TestUpsertChildVerifiesCredential(t *testing.T) {
	ctx := context.Background()
	reg, verifier := newRegistry()

	link, err := reg.UpsertChild(ctx, "P", Candidate{AccessCredential: "tok-c1"})
	require.NoError(t, err)
	require.Equal(t, 1, verifier.calls)
	require.Equal(t, "C1", link.ChildUserID)
	require.Equal(t, "Child One", link.DisplayName)
	require.True(t, link.IsActive)
	require.False(t, link.ConnectedAt.IsZero())

	link, err = reg.UpsertChild(ctx, "P", Candidate{AccessCredential: "tok-c2", UserID: "ignored"})
	require.NoError(t, err)
	require.Equal(t, "C2", link.ChildUserID)
	require.Equal(t, defaultChildName, link.DisplayName)
}

func TestUpsertChildRejectedCredentialIsNotStored(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()

	_, err := reg.UpsertChild(ctx, "P", Candidate{UserID: "C9", AccessCredential: "expired"})
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeInvalid, e.Code)
	require.Equal(t, ReasonCredentialRejected, e.Reason)
	require.Equal(t, http.StatusUnauthorized, e.HTTP)

	children, err := reg.GetChildren(ctx, "P")
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestUpsertChildRequiresCredential(t *testing.T) {
	reg, verifier := newRegistry()
	_, err := reg.UpsertChild(context.Background(), "P", Candidate{UserID: "C1"})
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, ReasonInvalidCandidate, e.Reason)
	require.Zero(t, verifier.calls)
}

func TestUpsertChildRejectsSelfLink(t *testing.T) {
	reg, _ := newRegistry()
	_, err := reg.UpsertChild(context.Background(), "P", Candidate{AccessCredential: "tok-p"})
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, ReasonSelfLink, e.Reason)
}

func TestReAddReactivatesAndReplaces(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()

	_, err := reg.UpsertChild(ctx, "P", Candidate{AccessCredential: "tok-c1"})
	require.NoError(t, err)
	require.NoError(t, reg.Deactivate(ctx, "P", "C1"))

	active, inactive, err := reg.ActiveChildren(ctx, "P")
	require.NoError(t, err)
	require.Empty(t, active)
	require.Len(t, inactive, 1)

	_, err = reg.UpsertChild(ctx, "P", Candidate{AccessCredential: "tok-c1"})
	require.NoError(t, err)
	children, err := reg.GetChildren(ctx, "P")
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.True(t, children[0].IsActive)
}

func TestRemoveChildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()
	_, err := reg.UpsertChild(ctx, "P", Candidate{AccessCredential: "tok-c1"})
	require.NoError(t, err)

	require.NoError(t, reg.RemoveChild(ctx, "P", "C1"))
	require.NoError(t, reg.RemoveChild(ctx, "P", "C1"))

	children, err := reg.GetChildren(ctx, "P")
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestDeactivateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()
	_, err := reg.UpsertChild(ctx, "P", Candidate{AccessCredential: "tok-c1"})
	require.NoError(t, err)

	require.NoError(t, reg.Deactivate(ctx, "P", "C1"))
	require.NoError(t, reg.Deactivate(ctx, "P", "C1"))
	require.NoError(t, reg.Deactivate(ctx, "P", "missing"))
}

func TestLookupChildCredential(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()
	_, err := reg.UpsertChild(ctx, "P", Candidate{AccessCredential: "tok-c1"})
	require.NoError(t, err)

	cred, ok, err := reg.LookupChildCredential(ctx, "C1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-c1", cred)

	require.NoError(t, reg.Deactivate(ctx, "P", "C1"))
	_, ok, err = reg.LookupChildCredential(ctx, "C1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLookupChildCredentialPrefersActiveLink(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()
	_, err := reg.UpsertChild(ctx, "P1", Candidate{AccessCredential: "tok-c1"})
	require.NoError(t, err)
	_, err = reg.UpsertChild(ctx, "P2", Candidate{AccessCredential: "tok-c1"})
	require.NoError(t, err)
	require.NoError(t, reg.Deactivate(ctx, "P1", "C1"))

	cred, ok, err := reg.LookupChildCredential(ctx, "C1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-c1", cred)
}
