package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/cart"
)

const (
	cartLinesSelect = `SELECT ci.product_id, COALESCE(p.name, ''), COALESCE(p.category, ''),
		COALESCE(p.price, 0), ci.quantity, p.id IS NULL
		FROM cart_items ci
		LEFT JOIN products p ON p.id = ci.product_id`

	customerCartLinesSQL = cartLinesSelect + ` WHERE ci.customer_id = $1 ORDER BY ci.id`

	sessionCartLinesSQL = cartLinesSelect + ` WHERE ci.customer_id IS NULL AND ci.session_id = $1 ORDER BY ci.id`

	clearCustomerCartSQL = `DELETE FROM cart_items WHERE customer_id = $1`

	clearSessionCartSQL = `DELETE FROM cart_items WHERE customer_id IS NULL AND session_id = $1`

	addCartItemSQL = `INSERT INTO cart_items (customer_id, session_id, product_id, quantity)
		VALUES ($1, $2, $3, $4)`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository reads carts from the cart_items table. Lines whose product
// was removed from the catalog come back orphaned.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// Lines returns the cart lines owned by id, joined with the catalog.
func (r *CartRepository) Lines(ctx context.Context, id cart.Identity) ([]cart.Line, error) {
	query, key := customerCartLinesSQL, id.CustomerID
	if !id.IsCustomer() {
		query, key = sessionCartLinesSQL, id.SessionID
	}
	rows, err := r.pool.Query(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("reading cart %s: %w", id.Key(), err)
	}
	return pgx.CollectRows(rows, scanCartLine)
}

// Clear removes every line owned by id.
func (r *CartRepository) Clear(ctx context.Context, id cart.Identity) error {
	query, key := clearCustomerCartSQL, id.CustomerID
	if !id.IsCustomer() {
		query, key = clearSessionCartSQL, id.SessionID
	}
	if _, err := r.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("clearing cart %s: %w", id.Key(), err)
	}
	return nil
}

// Add appends a line to the cart owned by id.
func (r *CartRepository) Add(ctx context.Context, id cart.Identity, productID string, quantity int) error {
	_, err := r.pool.Exec(ctx, addCartItemSQL,
		nullString(id.CustomerID), nullString(id.SessionID), productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("adding %q to cart %s: %w", productID, id.Key(), err)
	}
	return nil
}

func scanCartLine(row pgx.CollectableRow) (cart.Line, error) {
	var l cart.Line
	err := row.Scan(&l.ProductID, &l.Name, &l.Category, &l.UnitPrice, &l.Quantity, &l.Orphaned)
	return l, err
}
