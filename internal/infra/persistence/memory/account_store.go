package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/account"
)

// AccountStore keeps child links per parent, each parent guarded by its own lock.
type AccountStore struct {
	mu      sync.RWMutex
	parents map[string]*childSet
}

type childSet struct {
	mu    sync.RWMutex
	links []account.ChildLink
}

// NewAccountStore constructs an empty store.
func NewAccountStore() *AccountStore {
	return &AccountStore{parents: make(map[string]*childSet)}
}

var _ account.Store = (*AccountStore)(nil)

func (s *AccountStore) set(parentID string, create bool) *childSet {
	s.mu.RLock()
	set := s.parents[parentID]
	s.mu.RUnlock()
	if set != nil || !create {
		return set
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if set = s.parents[parentID]; set == nil {
		set = &childSet{}
		s.parents[parentID] = set
	}
	return set
}

// Children returns a copy of the parent's links.
func (s *AccountStore) Children(ctx context.Context, parentID string) ([]account.ChildLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set := s.set(strings.TrimSpace(parentID), false)
	if set == nil {
		return []account.ChildLink{}, nil
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	out := make([]account.ChildLink, len(set.links))
	copy(out, set.links)
	return out, nil
}

// Upsert replaces a link with the same child id in place or appends a new one.
func (s *AccountStore) Upsert(ctx context.Context, parentID string, link account.ChildLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parentID = strings.TrimSpace(parentID)
	if parentID == "" || strings.TrimSpace(link.ChildUserID) == "" {
		return errs.New("accountstore", errs.CodeInvalid, errs.WithMessage("parent and child ids required"))
	}
	set := s.set(parentID, true)
	set.mu.Lock()
	defer set.mu.Unlock()
	for i := range set.links {
		if set.links[i].ChildUserID == link.ChildUserID {
			set.links[i] = link
			return nil
		}
	}
	set.links = append(set.links, link)
	return nil
}

// Remove drops the link if present.
func (s *AccountStore) Remove(ctx context.Context, parentID, childID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	set := s.set(strings.TrimSpace(parentID), false)
	if set == nil {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	kept := set.links[:0]
	for _, link := range set.links {
		if link.ChildUserID != childID {
			kept = append(kept, link)
		}
	}
	set.links = kept
	return nil
}

// Update applies fn to the matching link under the parent's lock.
func (s *AccountStore) Update(ctx context.Context, parentID, childID string, fn func(*account.ChildLink)) (account.ChildLink, error) {
	if err := ctx.Err(); err != nil {
		return account.ChildLink{}, err
	}
	set := s.set(strings.TrimSpace(parentID), false)
	if set != nil {
		set.mu.Lock()
		defer set.mu.Unlock()
		for i := range set.links {
			if set.links[i].ChildUserID != childID {
				continue
			}
			if fn != nil {
				fn(&set.links[i])
			}
			set.links[i].ChildUserID = childID
			return set.links[i], nil
		}
	}
	return account.ChildLink{}, errs.New("accountstore", errs.CodeNotFound,
		errs.WithMessage("child account not found"),
		errs.WithField("parent_user_id", parentID),
		errs.WithField("child_user_id", childID))
}

// FindChild scans parents in sorted order and returns the first active match, falling back
// to the first inactive one.
func (s *AccountStore) FindChild(ctx context.Context, childID string) (string, account.ChildLink, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", account.ChildLink{}, false, err
	}
	s.mu.RLock()
	parents := make([]string, 0, len(s.parents))
	for id := range s.parents {
		parents = append(parents, id)
	}
	s.mu.RUnlock()
	sort.Strings(parents)

	var (
		fallbackParent string
		fallback       account.ChildLink
		found          bool
	)
	for _, parentID := range parents {
		set := s.set(parentID, false)
		if set == nil {
			continue
		}
		set.mu.RLock()
		for _, link := range set.links {
			if link.ChildUserID != childID {
				continue
			}
			if link.IsActive {
				set.mu.RUnlock()
				return parentID, link, true, nil
			}
			if !found {
				fallbackParent, fallback, found = parentID, link, true
			}
		}
		set.mu.RUnlock()
	}
	return fallbackParent, fallback, found, nil
}
