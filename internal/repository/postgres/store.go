// Package postgres implements the repositories on PostgreSQL via pgx.
package postgres

import (
	"github.com/utafrali/orderflow/internal/repository"
	"github.com/utafrali/orderflow/pkg/database"
)

// NewStore returns every repository backed by pool.
func NewStore(pool database.DBTX) repository.Store {
	return repository.Store{
		Products: NewProductRepository(pool),
		Carts:    NewCartRepository(pool),
		Coupons:  NewCouponRepository(pool),
		Orders:   NewOrderRepository(pool),
		Journals: NewJournalRepository(pool),
	}
}
