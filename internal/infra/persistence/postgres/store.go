package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/copydesk/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed order and account repositories over one pool.
type Store struct {
	*persistence.Store
	orders   *OrderStore
	accounts *AccountStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:    persistence.NewStore(pool),
		orders:   NewOrderStore(pool),
		accounts: NewAccountStore(pool),
	}
}

// Orders returns the order log repository.
func (s *Store) Orders() *OrderStore { return s.orders }

// Accounts returns the child link repository.
func (s *Store) Accounts() *AccountStore { return s.accounts }
