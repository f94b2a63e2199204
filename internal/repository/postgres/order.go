package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/repository"
	"github.com/utafrali/orderflow/pkg/database"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

const orderColumns = `o.id, o.order_number, o.user_id, o.status, o.delivery_address,
	o.subtotal, o.discount, o.shipping, o.tax, o.total, o.coupon_code,
	o.payment_method, o.payment_status, o.payment_reference, o.paid_at,
	o.status_history, o.cancellation, o.return_request,
	o.shipped_at, o.delivered_at, o.created_at, o.updated_at`

// OrderRepository implements repository.OrderRepository using PostgreSQL.
// Line snapshots live in order_items; status history, cancellation and
// return request are JSONB columns on orders.
type OrderRepository struct {
	pool database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(pool database.DBTX) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create inserts a new order and its items atomically within a transaction.
func (r *OrderRepository) Create(ctx context.Context, o *domain.Order) (err error) {
	orderQuery := `
		INSERT INTO orders (id, order_number, user_id, status, delivery_address,
			subtotal, discount, shipping, tax, total, coupon_code,
			payment_method, payment_status, payment_reference, paid_at,
			status_history, cancellation, return_request,
			shipped_at, delivered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	itemQuery := `
		INSERT INTO order_items (order_id, position, product_id, name, image_url, variant,
			unit_price, quantity, tax, line_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	ctx, end := database.TraceQuery(ctx, "CreateOrder", orderQuery)
	defer func() { end(err) }()

	addressJSON, err := json.Marshal(o.Address)
	if err != nil {
		return fmt.Errorf("marshal delivery address: %w", err)
	}
	mut, err := marshalMutable(o)
	if err != nil {
		return err
	}

	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, orderQuery,
			o.ID,
			o.OrderNumber,
			o.UserID,
			o.Status,
			addressJSON,
			o.Pricing.Subtotal,
			o.Pricing.Discount,
			o.Pricing.Shipping,
			o.Pricing.Tax,
			o.Pricing.Total,
			o.Pricing.CouponCode,
			o.Payment.Method,
			o.Payment.Status,
			o.Payment.Reference,
			o.Payment.PaidAt,
			mut.history,
			mut.cancellation,
			mut.returnRequest,
			o.ShippedAt,
			o.DeliveredAt,
			o.CreatedAt,
			o.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i, l := range o.Lines {
			_, err = tx.Exec(ctx, itemQuery,
				o.ID,
				i,
				l.ProductID,
				l.Name,
				l.ImageURL,
				l.Variant,
				l.UnitPrice,
				l.Quantity,
				l.Tax,
				l.LineTotal,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
}

// GetByID retrieves an order with its items in a single query.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (o *domain.Order, err error) {
	query := `
		SELECT ` + orderColumns + `,
			COALESCE(
				JSONB_AGG(
					JSONB_BUILD_OBJECT(
						'product_id', oi.product_id,
						'name', oi.name,
						'image_url', oi.image_url,
						'variant', oi.variant,
						'unit_price', oi.unit_price,
						'quantity', oi.quantity,
						'tax', oi.tax,
						'line_total', oi.line_total
					) ORDER BY oi.position
				) FILTER (WHERE oi.order_id IS NOT NULL),
				'[]'::jsonb
			) AS items
		FROM orders o
		LEFT JOIN order_items oi ON o.id = oi.order_id
		WHERE o.id = $1
		GROUP BY o.id`

	ctx, end := database.TraceQuery(ctx, "GetOrder", query)
	defer func() { end(err) }()

	var itemsJSON []byte
	o, err = scanOrder(r.pool.QueryRow(ctx, query, id), &itemsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.Lines = []domain.OrderLine{}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &o.Lines); err != nil {
			return nil, fmt.Errorf("unmarshal order items: %w", err)
		}
	}
	return o, nil
}

// ListByUser returns a page of the user's orders with the total count.
func (r *OrderRepository) ListByUser(ctx context.Context, filter domain.OrderFilter) (orders []domain.Order, total int, err error) {
	query := `
		SELECT ` + orderColumns + `, count(*) OVER() AS total_count
		FROM orders o
		WHERE o.user_id = $1 AND ($2 = '' OR o.status = $2)
		ORDER BY o.created_at DESC
		LIMIT $3 OFFSET $4`

	ctx, end := database.TraceQuery(ctx, "ListOrders", query)
	defer func() { end(err) }()

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.pool.Query(ctx, query, filter.UserID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders = make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order rows: %w", err)
	}

	if len(orders) == 0 {
		return orders, total, nil
	}
	if err := r.loadItems(ctx, orders); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// loadItems batch-loads items for all orders in one query.
func (r *OrderRepository) loadItems(ctx context.Context, orders []domain.Order) error {
	query := `
		SELECT order_id, product_id, name, image_url, variant, unit_price, quantity, tax, line_total
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position`

	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("batch load order items: %w", err)
	}
	defer rows.Close()

	byOrder := make(map[string][]domain.OrderLine, len(orders))
	for rows.Next() {
		var (
			orderID string
			l       domain.OrderLine
		)
		if err := rows.Scan(&orderID, &l.ProductID, &l.Name, &l.ImageURL, &l.Variant,
			&l.UnitPrice, &l.Quantity, &l.Tax, &l.LineTotal); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		byOrder[orderID] = append(byOrder[orderID], l)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate order items: %w", err)
	}

	for i := range orders {
		orders[i].Lines = byOrder[orders[i].ID]
		if orders[i].Lines == nil {
			orders[i].Lines = []domain.OrderLine{}
		}
	}
	return nil
}

// Update writes the mutable order fields if the stored status is expected.
// Line items, address and pricing columns are never touched.
func (r *OrderRepository) Update(ctx context.Context, o *domain.Order, expected domain.OrderStatus) (err error) {
	query := `
		UPDATE orders SET
			status = $2,
			payment_status = $3,
			payment_reference = $4,
			paid_at = $5,
			status_history = $6,
			cancellation = $7,
			return_request = $8,
			shipped_at = $9,
			delivered_at = $10,
			updated_at = $11
		WHERE id = $1 AND status = $12`

	ctx, end := database.TraceQuery(ctx, "UpdateOrder", query)
	defer func() { end(err) }()

	mut, err := marshalMutable(o)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, query,
		o.ID,
		o.Status,
		o.Payment.Status,
		o.Payment.Reference,
		o.Payment.PaidAt,
		mut.history,
		mut.cancellation,
		mut.returnRequest,
		o.ShippedAt,
		o.DeliveredAt,
		o.UpdatedAt,
		expected,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}
	return nil
}

// Delete removes an order; order_items cascade.
func (r *OrderRepository) Delete(ctx context.Context, id string) (err error) {
	query := `DELETE FROM orders WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "DeleteOrder", query)
	defer func() { end(err) }()

	if _, err = r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

type mutableJSON struct {
	history       []byte
	cancellation  []byte
	returnRequest []byte
}

func marshalMutable(o *domain.Order) (mutableJSON, error) {
	var (
		m   mutableJSON
		err error
	)
	history := o.StatusHistory
	if history == nil {
		history = []domain.StatusEntry{}
	}
	if m.history, err = json.Marshal(history); err != nil {
		return m, fmt.Errorf("marshal status history: %w", err)
	}
	if o.Cancellation != nil {
		if m.cancellation, err = json.Marshal(o.Cancellation); err != nil {
			return m, fmt.Errorf("marshal cancellation: %w", err)
		}
	}
	if o.ReturnRequest != nil {
		if m.returnRequest, err = json.Marshal(o.ReturnRequest); err != nil {
			return m, fmt.Errorf("marshal return request: %w", err)
		}
	}
	return m, nil
}

// scanOrder scans orderColumns followed by one extra destination.
func scanOrder(row pgx.Row, extra any) (*domain.Order, error) {
	var (
		o                 domain.Order
		addressJSON       []byte
		historyJSON       []byte
		cancellationJSON  []byte
		returnRequestJSON []byte
		paidAt            *time.Time
	)

	err := row.Scan(
		&o.ID,
		&o.OrderNumber,
		&o.UserID,
		&o.Status,
		&addressJSON,
		&o.Pricing.Subtotal,
		&o.Pricing.Discount,
		&o.Pricing.Shipping,
		&o.Pricing.Tax,
		&o.Pricing.Total,
		&o.Pricing.CouponCode,
		&o.Payment.Method,
		&o.Payment.Status,
		&o.Payment.Reference,
		&paidAt,
		&historyJSON,
		&cancellationJSON,
		&returnRequestJSON,
		&o.ShippedAt,
		&o.DeliveredAt,
		&o.CreatedAt,
		&o.UpdatedAt,
		extra,
	)
	if err != nil {
		return nil, err
	}
	o.Payment.PaidAt = paidAt

	if err := json.Unmarshal(addressJSON, &o.Address); err != nil {
		return nil, fmt.Errorf("unmarshal delivery address: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &o.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshal status history: %w", err)
	}
	if isJSONValue(cancellationJSON) {
		o.Cancellation = &domain.Cancellation{}
		if err := json.Unmarshal(cancellationJSON, o.Cancellation); err != nil {
			return nil, fmt.Errorf("unmarshal cancellation: %w", err)
		}
	}
	if isJSONValue(returnRequestJSON) {
		o.ReturnRequest = &domain.ReturnRequest{}
		if err := json.Unmarshal(returnRequestJSON, o.ReturnRequest); err != nil {
			return nil, fmt.Errorf("unmarshal return request: %w", err)
		}
	}
	return &o, nil
}

func isJSONValue(b []byte) bool {
	return len(b) > 0 && string(b) != "null"
}
