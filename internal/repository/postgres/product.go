package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/repository"
	"github.com/utafrali/orderflow/pkg/database"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

const productColumns = `id, name, image_url, price_original, price_selling, quantity, unlimited,
	sold, viewed, wishlisted, active, created_at, updated_at`

// ProductRepository implements repository.ProductRepository using PostgreSQL.
// Stock only moves through conditional UPDATE statements; Reserve and
// Release pair them with the order line's stock_reservations row in one
// transaction.
type ProductRepository struct {
	pool database.DBTX
}

// NewProductRepository creates a new PostgreSQL-backed product repository.
func NewProductRepository(pool database.DBTX) *ProductRepository {
	return &ProductRepository{pool: pool}
}

func scanProduct(row pgx.Row) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.ImageURL,
		&p.Price.Original,
		&p.Price.Selling,
		&p.Inventory.Quantity,
		&p.Inventory.Unlimited,
		&p.Stats.Sold,
		&p.Stats.Viewed,
		&p.Stats.Wishlisted,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID retrieves a product by its ID.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (p *domain.Product, err error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "GetProduct", query)
	defer func() { end(err) }()

	p, err = scanProduct(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// Create inserts a new product with its initial stock.
func (r *ProductRepository) Create(ctx context.Context, p *domain.Product) (err error) {
	query := `
		INSERT INTO products (id, name, image_url, price_original, price_selling, quantity, unlimited,
			sold, viewed, wishlisted, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`

	ctx, end := database.TraceQuery(ctx, "CreateProduct", query)
	defer func() { end(err) }()

	tag, err := r.pool.Exec(ctx, query,
		p.ID,
		p.Name,
		p.ImageURL,
		p.Price.Original,
		p.Price.Selling,
		p.Inventory.Quantity,
		p.Inventory.Unlimited,
		p.Stats.Sold,
		p.Stats.Viewed,
		p.Stats.Wishlisted,
		p.Active,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}
	return nil
}

// UpdateCatalog rewrites the catalog fields of a product. Stock and stats
// belong to the ledger statements below and are never written here.
func (r *ProductRepository) UpdateCatalog(ctx context.Context, p *domain.Product) (out *domain.Product, err error) {
	query := `
		UPDATE products SET
			name = $2,
			image_url = $3,
			price_original = $4,
			price_selling = $5,
			unlimited = $6,
			active = $7,
			updated_at = $8
		WHERE id = $1
		RETURNING ` + productColumns

	ctx, end := database.TraceQuery(ctx, "UpdateProductCatalog", query)
	defer func() { end(err) }()

	out, err = scanProduct(r.pool.QueryRow(ctx, query,
		p.ID,
		p.Name,
		p.ImageURL,
		p.Price.Original,
		p.Price.Selling,
		p.Inventory.Unlimited,
		p.Active,
		p.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("update product catalog: %w", err)
	}
	return out, nil
}

// AdjustQuantity applies a stock correction relative to the stored value.
func (r *ProductRepository) AdjustQuantity(ctx context.Context, productID string, delta int) (p *domain.Product, ok bool, err error) {
	query := `
		UPDATE products SET
			quantity = quantity + $2,
			updated_at = NOW()
		WHERE id = $1 AND quantity + $2 >= 0
		RETURNING ` + productColumns

	ctx, end := database.TraceQuery(ctx, "AdjustStock", query)
	defer func() { end(err) }()

	p, err = scanProduct(r.pool.QueryRow(ctx, query, productID, delta))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("adjust stock: %w", err)
	}
	return p, true, nil
}

// Reserve records the line's reservation and decrements stock in one
// transaction. The reservation's primary key serializes concurrent calls
// for the same order line.
func (r *ProductRepository) Reserve(ctx context.Context, res domain.Reservation) (p *domain.Product, ok bool, err error) {
	insertQuery := `
		INSERT INTO stock_reservations (order_id, line, product_id, quantity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'active', NOW(), NOW())
		ON CONFLICT (order_id, line) DO NOTHING`

	decrementQuery := `
		UPDATE products SET
			quantity = CASE WHEN unlimited THEN quantity ELSE quantity - $2 END,
			sold = sold + $2,
			updated_at = NOW()
		WHERE id = $1 AND active AND (unlimited OR quantity >= $2)
		RETURNING ` + productColumns

	ctx, end := database.TraceQuery(ctx, "ReserveStock", decrementQuery)
	defer func() { end(err) }()

	var existing domain.ReservationStatus
	err = database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertQuery, res.OrderID, res.Line, res.ProductID, res.Quantity)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			existing, err = reservationStatus(ctx, tx, res)
			return err
		}

		p, err = scanProduct(tx.QueryRow(ctx, decrementQuery, res.ProductID, res.Quantity))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Roll back the reservation row along with the missed decrement.
				return errStockShort
			}
			return fmt.Errorf("reserve stock: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, errStockShort):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	case existing == domain.ReservationActive:
		p, err = r.GetByID(ctx, res.ProductID)
		if err != nil {
			return nil, false, err
		}
		return p, true, nil
	case existing != "":
		return nil, false, repository.ErrReservationClosed
	}
	return p, true, nil
}

// Release closes the line's reservation and, if it held stock, gives the
// stock back in the same transaction.
func (r *ProductRepository) Release(ctx context.Context, res domain.Reservation) (p *domain.Product, released bool, err error) {
	closeQuery := `
		UPDATE stock_reservations SET status = 'released', updated_at = NOW()
		WHERE order_id = $1 AND line = $2 AND status = 'active'
		RETURNING product_id, quantity`

	voidQuery := `
		INSERT INTO stock_reservations (order_id, line, product_id, quantity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'voided', NOW(), NOW())
		ON CONFLICT (order_id, line) DO NOTHING`

	incrementQuery := `
		UPDATE products SET
			quantity = CASE WHEN unlimited THEN quantity ELSE quantity + $2 END,
			sold = GREATEST(sold - $2, 0),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + productColumns

	ctx, end := database.TraceQuery(ctx, "ReleaseStock", incrementQuery)
	defer func() { end(err) }()

	err = database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		// A reserve racing with this call may insert the row between the
		// close and the void, so the close is tried once more after a void
		// that hit an existing row.
		for attempt := 0; attempt < 2; attempt++ {
			var (
				productID string
				quantity  int
			)
			err := tx.QueryRow(ctx, closeQuery, res.OrderID, res.Line).Scan(&productID, &quantity)
			if err == nil {
				p, err = scanProduct(tx.QueryRow(ctx, incrementQuery, productID, quantity))
				if err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						return apperrors.ErrNotFound
					}
					return fmt.Errorf("release stock: %w", err)
				}
				released = true
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("close reservation: %w", err)
			}

			tag, err := tx.Exec(ctx, voidQuery, res.OrderID, res.Line, res.ProductID, res.Quantity)
			if err != nil {
				return fmt.Errorf("void reservation: %w", err)
			}
			if tag.RowsAffected() == 1 {
				return nil
			}
			status, err := reservationStatus(ctx, tx, res)
			if err != nil {
				return err
			}
			if status != domain.ReservationActive {
				return nil
			}
		}
		return fmt.Errorf("release reservation %s/%d: %w", res.OrderID, res.Line, repository.ErrVersionConflict)
	})
	if err != nil {
		return nil, false, err
	}
	return p, released, nil
}

var errStockShort = errors.New("stock short")

func reservationStatus(ctx context.Context, tx pgx.Tx, res domain.Reservation) (domain.ReservationStatus, error) {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM stock_reservations WHERE order_id = $1 AND line = $2`,
		res.OrderID, res.Line,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("get reservation status: %w", err)
	}
	return domain.ReservationStatus(status), nil
}
