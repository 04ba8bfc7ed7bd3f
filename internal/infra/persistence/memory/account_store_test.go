package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/account"
)

func TestAccountStoreUpsertReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	store := NewAccountStore()

	require.NoError(t, store.Upsert(ctx, "P", account.ChildLink{ChildUserID: "C1", DisplayName: "one", IsActive: true}))
	require.NoError(t, store.Upsert(ctx, "P", account.ChildLink{ChildUserID: "C2", IsActive: true}))
	require.NoError(t, store.Upsert(ctx, "P", account.ChildLink{ChildUserID: "C1", DisplayName: "uno", IsActive: true}))

	children, err := store.Children(ctx, "P")
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, "uno", children[0].DisplayName)
}

func TestAccountStoreRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewAccountStore()
	require.NoError(t, store.Upsert(ctx, "P", account.ChildLink{ChildUserID: "C1"}))

	require.NoError(t, store.Remove(ctx, "P", "C1"))
	require.NoError(t, store.Remove(ctx, "P", "C1"))
	require.NoError(t, store.Remove(ctx, "unknown", "C1"))

	children, err := store.Children(ctx, "P")
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestAccountStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewAccountStore()
	require.NoError(t, store.Upsert(ctx, "P", account.ChildLink{ChildUserID: "C1", IsActive: true}))

	link, err := store.Update(ctx, "P", "C1", func(l *account.ChildLink) { l.IsActive = false })
	require.NoError(t, err)
	require.False(t, link.IsActive)

	_, err = store.Update(ctx, "P", "C9", func(*account.ChildLink) {})
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestAccountStoreFindChild(t *testing.T) {
	ctx := context.Background()
	store := NewAccountStore()
	require.NoError(t, store.Upsert(ctx, "P1", account.ChildLink{ChildUserID: "C1", AccessCredential: "tok-1"}))
	require.NoError(t, store.Upsert(ctx, "P2", account.ChildLink{ChildUserID: "C2", AccessCredential: "tok-2"}))

	parent, link, found, err := store.FindChild(ctx, "C2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "P2", parent)
	require.Equal(t, "tok-2", link.AccessCredential)

	_, _, found, err = store.FindChild(ctx, "C3")
	require.NoError(t, err)
	require.False(t, found)
}

func TestAccountStoreFindChildPrefersActiveLink(t *testing.T) {
	ctx := context.Background()
	store := NewAccountStore()
	require.NoError(t, store.Upsert(ctx, "P1", account.ChildLink{ChildUserID: "C1", AccessCredential: "old"}))
	require.NoError(t, store.Upsert(ctx, "P2", account.ChildLink{ChildUserID: "C1", AccessCredential: "new", IsActive: true}))

	parent, link, found, err := store.FindChild(ctx, "C1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "P2", parent)
	require.Equal(t, "new", link.AccessCredential)

	require.NoError(t, store.Remove(ctx, "P2", "C1"))
	parent, link, found, err = store.FindChild(ctx, "C1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "P1", parent)
	require.False(t, link.IsActive)
}
