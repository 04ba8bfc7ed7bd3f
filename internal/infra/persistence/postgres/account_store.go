package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/account"
)

// AccountStore persists parent to child links.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore constructs an AccountStore backed by the provided pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

var _ account.Store = (*AccountStore)(nil)

const (
	linkUpsertSQL = `
INSERT INTO child_links (
    parent_user_id,
    child_user_id,
    display_name,
    email,
    access_credential,
    is_active,
    connected_at,
    last_sync
)
VALUES (
    @parent,
    @child,
    @display_name,
    @email,
    @access_credential,
    @is_active,
    @connected_at,
    @last_sync
)
ON CONFLICT (parent_user_id, child_user_id) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    email = EXCLUDED.email,
    access_credential = EXCLUDED.access_credential,
    is_active = EXCLUDED.is_active,
    connected_at = EXCLUDED.connected_at,
    last_sync = EXCLUDED.last_sync;
`

	linkUpdateSQL = `
UPDATE child_links
SET display_name = @display_name,
    email = @email,
    access_credential = @access_credential,
    is_active = @is_active,
    connected_at = @connected_at,
    last_sync = @last_sync
WHERE parent_user_id = @parent AND child_user_id = @child;
`

	linkDeleteSQL = `DELETE FROM child_links WHERE parent_user_id = $1 AND child_user_id = $2;`

	linkSelectBase = `
SELECT
    parent_user_id,
    child_user_id,
    display_name,
    email,
    access_credential,
    is_active,
    connected_at,
    last_sync
FROM child_links
`
)

func (s *AccountStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("account store: nil pool")
	}
	return s.pool, nil
}

// Children lists the parent's links in the order they were first added.
func (s *AccountStore) Children(ctx context.Context, parentID string) ([]account.ChildLink, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, linkSelectBase+" WHERE parent_user_id = $1 ORDER BY position", strings.TrimSpace(parentID))
	if err != nil {
		return nil, fmt.Errorf("account store: list children: %w", err)
	}
	defer rows.Close()
	out := make([]account.ChildLink, 0)
	for rows.Next() {
		_, link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account store: iterate children: %w", err)
	}
	return out, nil
}

// Upsert replaces an existing link in place or appends a new one.
func (s *AccountStore) Upsert(ctx context.Context, parentID string, link account.ChildLink) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	parentID = strings.TrimSpace(parentID)
	if parentID == "" || strings.TrimSpace(link.ChildUserID) == "" {
		return errs.New("accountstore", errs.CodeInvalid, errs.WithMessage("parent and child ids required"))
	}
	return writeLink(ctx, pool, linkUpsertSQL, parentID, link)
}

// Remove deletes the link if present.
func (s *AccountStore) Remove(ctx context.Context, parentID, childID string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, linkDeleteSQL, strings.TrimSpace(parentID), childID); err != nil {
		return fmt.Errorf("account store: delete link: %w", err)
	}
	return nil
}

// Update locks the link row, applies fn and writes it back.
func (s *AccountStore) Update(ctx context.Context, parentID, childID string, fn func(*account.ChildLink)) (account.ChildLink, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return account.ChildLink{}, err
	}
	parentID = strings.TrimSpace(parentID)

	var result account.ChildLink
	err = withTx(ctx, pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, linkSelectBase+" WHERE parent_user_id = $1 AND child_user_id = $2 FOR UPDATE", parentID, childID)
		_, link, err := scanLink(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.New("accountstore", errs.CodeNotFound,
				errs.WithMessage("child account not found"),
				errs.WithField("parent_user_id", parentID),
				errs.WithField("child_user_id", childID))
		}
		if err != nil {
			return err
		}
		if fn != nil {
			fn(&link)
		}
		link.ChildUserID = childID
		if err := writeLink(ctx, tx, linkUpdateSQL, parentID, link); err != nil {
			return err
		}
		result = link
		return nil
	})
	if err != nil {
		return account.ChildLink{}, err
	}
	return result, nil
}

// FindChild returns the first parent (by id) linking childID, preferring active links.
func (s *AccountStore) FindChild(ctx context.Context, childID string) (string, account.ChildLink, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return "", account.ChildLink{}, false, err
	}
	row := pool.QueryRow(ctx, linkSelectBase+" WHERE child_user_id = $1 ORDER BY is_active DESC, parent_user_id LIMIT 1", childID)
	parentID, link, err := scanLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", account.ChildLink{}, false, nil
	}
	if err != nil {
		return "", account.ChildLink{}, false, err
	}
	return parentID, link, true, nil
}

func writeLink(ctx context.Context, exec execer, query, parentID string, link account.ChildLink) error {
	args := pgx.NamedArgs{
		"parent":            parentID,
		"child":             link.ChildUserID,
		"display_name":      link.DisplayName,
		"email":             link.Email,
		"access_credential": link.AccessCredential,
		"is_active":         link.IsActive,
		"connected_at":      link.ConnectedAt,
		"last_sync":         link.LastSync,
	}
	if _, err := exec.Exec(ctx, query, args); err != nil {
		return fmt.Errorf("account store: write link: %w", err)
	}
	return nil
}

func scanLink(row pgx.Row) (string, account.ChildLink, error) {
	var (
		parentID string
		link     account.ChildLink
	)
	err := row.Scan(
		&parentID,
		&link.ChildUserID,
		&link.DisplayName,
		&link.Email,
		&link.AccessCredential,
		&link.IsActive,
		&link.ConnectedAt,
		&link.LastSync,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", account.ChildLink{}, err
		}
		return "", account.ChildLink{}, fmt.Errorf("account store: scan link: %w", err)
	}
	return parentID, link, nil
}
