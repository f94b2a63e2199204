package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/repository"
	"github.com/utafrali/orderflow/pkg/database"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

// JournalRepository implements repository.JournalRepository using PostgreSQL.
type JournalRepository struct {
	pool database.DBTX
}

// NewJournalRepository creates a new PostgreSQL-backed checkout journal repository.
func NewJournalRepository(pool database.DBTX) *JournalRepository {
	return &JournalRepository{pool: pool}
}

const journalColumns = `order_id, user_id, cart_version, coupon_code, lines, state, version, created_at, updated_at`

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// Create inserts a journal. The partial unique index on (user_id,
// cart_version) rejects a second checkout of the same cart version.
func (r *JournalRepository) Create(ctx context.Context, j *domain.CheckoutJournal) (err error) {
	query := `
		INSERT INTO checkout_journals (order_id, user_id, cart_version, coupon_code, lines, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)`

	ctx, end := database.TraceQuery(ctx, "CreateJournal", query)
	defer func() { end(err) }()

	lines, err := json.Marshal(j.Lines)
	if err != nil {
		return fmt.Errorf("marshal journal lines: %w", err)
	}

	_, err = r.pool.Exec(ctx, query, j.OrderID, j.UserID, j.CartVersion, j.CouponCode, lines, j.State, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrVersionConflict
		}
		return fmt.Errorf("insert checkout journal: %w", err)
	}
	j.Version = 1
	return nil
}

// Update moves the journal to j.State if nobody else wrote it since j was read.
func (r *JournalRepository) Update(ctx context.Context, j *domain.CheckoutJournal) (err error) {
	query := `
		UPDATE checkout_journals SET state = $3, updated_at = $4, version = version + 1
		WHERE order_id = $1 AND version = $2`

	ctx, end := database.TraceQuery(ctx, "UpdateJournal", query)
	defer func() { end(err) }()

	tag, err := r.pool.Exec(ctx, query, j.OrderID, j.Version, j.State, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update checkout journal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}
	j.Version++
	return nil
}

// InFlight returns the subset of orderIDs whose checkout is still reserving
// or compensating.
func (r *JournalRepository) InFlight(ctx context.Context, orderIDs []string) (out map[string]bool, err error) {
	out = make(map[string]bool)
	if len(orderIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT order_id FROM checkout_journals
		WHERE order_id = ANY($1) AND state IN ('reserving', 'compensating')`

	ctx, end := database.TraceQuery(ctx, "ListInFlightJournals", query)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, query, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("list in-flight journals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan in-flight journal: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate in-flight journals: %w", err)
	}
	return out, nil
}

// Get retrieves the journal of one checkout.
func (r *JournalRepository) Get(ctx context.Context, orderID string) (j *domain.CheckoutJournal, err error) {
	query := `
		SELECT ` + journalColumns + `
		FROM checkout_journals
		WHERE order_id = $1`

	ctx, end := database.TraceQuery(ctx, "GetJournal", query)
	defer func() { end(err) }()

	j, err = scanJournal(r.pool.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get checkout journal: %w", err)
	}
	return j, nil
}

// ListStale returns unfinished journals not touched since cutoff, oldest first.
func (r *JournalRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) (out []domain.CheckoutJournal, err error) {
	query := `
		SELECT ` + journalColumns + `
		FROM checkout_journals
		WHERE state NOT IN ('completed', 'rolled_back') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	ctx, end := database.TraceQuery(ctx, "ListStaleJournals", query)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale journals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		j, err := scanJournal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkout journal: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkout journals: %w", err)
	}
	return out, nil
}

func scanJournal(row pgx.Row) (*domain.CheckoutJournal, error) {
	var (
		j     domain.CheckoutJournal
		lines []byte
	)
	if err := row.Scan(&j.OrderID, &j.UserID, &j.CartVersion, &j.CouponCode, &lines, &j.State, &j.Version, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &j.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal journal lines: %w", err)
	}
	return &j, nil
}
