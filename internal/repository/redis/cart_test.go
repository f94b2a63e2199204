package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/repository"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

func setupTestRedis(t *testing.T) (*CartRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCartRepository(client, 24*time.Hour), mr
}

func sampleCart() *domain.Cart {
	now := time.Now().UTC().Truncate(time.Millisecond)
	c := domain.NewCart("cart-001", "user-001", now)
	c.Items = []domain.CartItem{
		{ID: "item-1", ProductID: "prod-1", Name: "Widget", Quantity: 2, UnitPrice: 1990},
	}
	return c
}

// ---------------------------------------------------------------------------
// Get
// ---------------------------------------------------------------------------

func TestCartRepository_Get_NotFound(t *testing.T) {
	repo, _ := setupTestRedis(t)

	got, err := repo.Get(context.Background(), "nobody")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCartRepository_Get_InvalidJSON(t *testing.T) {
	repo, mr := setupTestRedis(t)
	require.NoError(t, mr.Set("cart:user-001", "{not json"))

	_, err := repo.Get(context.Background(), "user-001")
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Save
// ---------------------------------------------------------------------------

func TestCartRepository_Save_CreateThenUpdate(t *testing.T) {
	repo, mr := setupTestRedis(t)
	ctx := context.Background()

	cart := sampleCart()
	require.NoError(t, repo.Save(ctx, cart, 0))
	assert.Equal(t, int64(1), cart.Version)
	assert.Equal(t, 24*time.Hour, mr.TTL("cart:user-001"))

	cart.Items[0].Quantity = 5
	require.NoError(t, repo.Save(ctx, cart, 1))

	got, err := repo.Get(ctx, "user-001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 5, got.Items[0].Quantity)
}

func TestCartRepository_Save_StaleVersion(t *testing.T) {
	repo, mr := setupTestRedis(t)
	ctx := context.Background()

	cart := sampleCart()
	require.NoError(t, repo.Save(ctx, cart, 0))

	err := repo.Save(ctx, sampleCart(), 0)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)

	raw, err := mr.Get("cart:user-001")
	require.NoError(t, err)
	var stored domain.Cart
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, int64(1), stored.Version)
}

func TestCartRepository_Save_ConflictLeavesCallerVersion(t *testing.T) {
	repo, _ := setupTestRedis(t)
	ctx := context.Background()

	first := sampleCart()
	require.NoError(t, repo.Save(ctx, first, 0))

	second := sampleCart()
	second.Version = 7
	assert.ErrorIs(t, repo.Save(ctx, second, 5), repository.ErrVersionConflict)
	assert.Equal(t, int64(7), second.Version)
}

func TestCartRepository_Save_RedisDown(t *testing.T) {
	repo, mr := setupTestRedis(t)
	mr.Close()

	err := repo.Save(context.Background(), sampleCart(), 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrVersionConflict)
}
