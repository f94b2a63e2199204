package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/repository"
	"github.com/utafrali/orderflow/pkg/database"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

// CartRepository stores carts as JSONB documents keyed by user, guarded by
// a version column.
type CartRepository struct {
	pool database.DBTX
}

// NewCartRepository creates a new PostgreSQL-backed cart repository.
func NewCartRepository(pool database.DBTX) *CartRepository {
	return &CartRepository{pool: pool}
}

// Get retrieves the cart of a user.
func (r *CartRepository) Get(ctx context.Context, userID string) (c *domain.Cart, err error) {
	query := `SELECT data, version FROM carts WHERE user_id = $1`

	ctx, end := database.TraceQuery(ctx, "GetCart", query)
	defer func() { end(err) }()

	var (
		data    []byte
		version int64
	)
	if err = r.pool.QueryRow(ctx, query, userID).Scan(&data, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	cart.Version = version
	return &cart, nil
}

// Save inserts the first version of a cart or updates it when the stored
// version matches.
func (r *CartRepository) Save(ctx context.Context, cart *domain.Cart, expectedVersion int64) (err error) {
	insertQuery := `
		INSERT INTO carts (user_id, data, version, updated_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (user_id) DO NOTHING`
	updateQuery := `
		UPDATE carts SET data = $2, version = version + 1, updated_at = $3
		WHERE user_id = $1 AND version = $4`

	query := updateQuery
	if expectedVersion == 0 {
		query = insertQuery
	}

	ctx, end := database.TraceQuery(ctx, "SaveCart", query)
	defer func() { end(err) }()

	next := *cart
	next.Version = expectedVersion + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	args := []any{cart.UserID, data, cart.UpdatedAt}
	if expectedVersion != 0 {
		args = append(args, expectedVersion)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}
	cart.Version = next.Version
	return nil
}
