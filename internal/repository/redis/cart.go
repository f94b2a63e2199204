package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/repository"
	"github.com/utafrali/orderflow/pkg/database"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

const keyPrefix = "cart:"

// CartRepository implements repository.CartRepository using Redis. Saves
// are optimistic: the key is WATCHed, its stored version compared, and the
// write committed in a MULTI block.
type CartRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewCartRepository creates a new Redis-backed cart repository. A zero ttl
// keeps carts forever.
func NewCartRepository(client redis.UniversalClient, ttl time.Duration) *CartRepository {
	return &CartRepository{
		client: client,
		ttl:    ttl,
	}
}

func key(userID string) string {
	return keyPrefix + userID
}

// Get retrieves a cart by user ID from Redis.
func (r *CartRepository) Get(ctx context.Context, userID string) (cart *domain.Cart, err error) {
	ctx, end := database.TraceQuery(ctx, "GetCart", "GET "+keyPrefix+"{user_id}")
	defer func() { end(err) }()

	data, err := r.client.Get(ctx, key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("redis get cart: %w", err)
	}

	var c domain.Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &c, nil
}

// Save writes cart if the stored version still equals expectedVersion.
func (r *CartRepository) Save(ctx context.Context, cart *domain.Cart, expectedVersion int64) (err error) {
	ctx, end := database.TraceQuery(ctx, "SaveCart", "WATCH/MULTI SET "+keyPrefix+"{user_id}")
	defer func() { end(err) }()

	k := key(cart.UserID)
	txf := func(tx *redis.Tx) error {
		current, err := storedVersion(ctx, tx, k)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return repository.ErrVersionConflict
		}

		next := *cart
		next.Version = expectedVersion + 1
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal cart: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, r.ttl)
			return nil
		})
		return err
	}

	err = r.client.Watch(ctx, txf, k)
	switch {
	case err == nil:
		cart.Version = expectedVersion + 1
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, repository.ErrVersionConflict):
		return repository.ErrVersionConflict
	default:
		return fmt.Errorf("redis save cart: %w", err)
	}
}

func storedVersion(ctx context.Context, tx *redis.Tx, k string) (int64, error) {
	data, err := tx.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get cart: %w", err)
	}

	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("unmarshal cart version: %w", err)
	}
	return v.Version, nil
}
