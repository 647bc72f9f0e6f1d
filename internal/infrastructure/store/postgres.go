package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/storefront-orders/internal/domain/inventory"
	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/domain/product"
	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS products (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	price      NUMERIC(14, 2) NOT NULL,
	stock      INTEGER NOT NULL CHECK (stock >= 0),
	image_url  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id                 TEXT PRIMARY KEY,
	customer_id        TEXT NOT NULL,
	fulfillment_status TEXT NOT NULL,
	payment_method     TEXT NOT NULL,
	is_paid            BOOLEAN NOT NULL,
	version            INTEGER NOT NULL,
	document           JSONB NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS orders_customer_created_idx ON orders (customer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS orders_status_created_idx ON orders (fulfillment_status, created_at DESC);
`

// PostgresStore keeps products as rows and orders as JSONB documents with
// their filterable fields copied into columns.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tables when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return classifyPostgresError(err)
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*product.Product, error) {
	var p product.Product
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, price, stock, image_url, created_at, updated_at FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	return &p, nil
}

func (s *PostgresStore) PutProduct(ctx context.Context, p *product.Product) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (id, name, price, stock, image_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   price = EXCLUDED.price,
		   image_url = EXCLUDED.image_url,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Price, p.Stock, p.ImageURL, p.CreatedAt, p.UpdatedAt,
	)
	return classifyPostgresError(err)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	var (
		doc     []byte
		version int
	)
	err := s.db.QueryRowContext(ctx, `SELECT document, version FROM orders WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	return decodeOrder(doc, version)
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*order.Order, int, error) {
	where, args := buildOrderWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM orders"+where, args...).Scan(&total); err != nil {
		return nil, 0, classifyPostgresError(err)
	}

	query := "SELECT document, version FROM orders" + where + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, classifyPostgresError(err)
	}
	defer rows.Close()

	orders := make([]*order.Order, 0)
	for rows.Next() {
		var (
			doc     []byte
			version int
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, 0, classifyPostgresError(err)
		}
		o, err := decodeOrder(doc, version)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifyPostgresError(err)
	}
	return orders, total, nil
}

// buildOrderWhere renders the filter as a WHERE clause with positional args.
func buildOrderWhere(f OrderFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.CustomerID != "" {
		add("customer_id", f.CustomerID)
	}
	if f.Status != "" {
		add("fulfillment_status", string(f.Status))
	}
	if f.PaymentMethod != "" {
		add("payment_method", string(f.PaymentMethod))
	}
	if f.IsPaid != nil {
		add("is_paid", *f.IsPaid)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Apply runs the batch in one transaction. Reservations use a conditional
// decrement so a concurrent order cannot push stock below zero.
func (s *PostgresStore) Apply(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPostgresError(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range b.Ops() {
		if err := s.applyOp(ctx, tx, op); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyPostgresError(err)
	}
	b.commitVersions()
	return nil
}

func (s *PostgresStore) applyOp(ctx context.Context, tx *sql.Tx, op Op) error {
	switch op.Kind {
	case OpReserve:
		if op.Quantity <= 0 {
			return inventory.ErrInvalidQuantity
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE products SET stock = stock - $2, updated_at = now() WHERE id = $1 AND stock >= $2`,
			op.ProductID, op.Quantity)
		if err != nil {
			return classifyPostgresError(err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var available int
		err = tx.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, op.ProductID).Scan(&available)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("product %s: %w", op.ProductID, ErrNotFound)
		}
		if err != nil {
			return classifyPostgresError(err)
		}
		return &inventory.ShortageError{ProductID: op.ProductID, Requested: op.Quantity, Available: available}

	case OpRelease:
		if op.Quantity <= 0 {
			return inventory.ErrInvalidQuantity
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1`,
			op.ProductID, op.Quantity)
		if err != nil {
			return classifyPostgresError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("product %s: %w", op.ProductID, ErrNotFound)
		}
		return nil

	case OpCreateOrder:
		doc, err := encodeOrder(op.Order, op.nextVersion())
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, customer_id, fulfillment_status, payment_method, is_paid, version, document, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO NOTHING`,
			op.Order.ID, op.Order.CustomerID, string(op.Order.FulfillmentStatus), string(op.Order.PaymentMethod),
			op.Order.IsPaid, op.nextVersion(), doc, op.Order.CreatedAt, op.Order.UpdatedAt)
		if err != nil {
			return classifyPostgresError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("order %s already exists: %w", op.Order.ID, ErrConflict)
		}
		return nil

	case OpUpdateOrder:
		doc, err := encodeOrder(op.Order, op.nextVersion())
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET fulfillment_status = $3, is_paid = $4, version = $5, document = $6, updated_at = $7
			 WHERE id = $1 AND version = $2`,
			op.Order.ID, op.ExpectedVersion, string(op.Order.FulfillmentStatus), op.Order.IsPaid,
			op.nextVersion(), doc, op.Order.UpdatedAt)
		if err != nil {
			return classifyPostgresError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("order %s not at version %d: %w", op.Order.ID, op.ExpectedVersion, ErrConflict)
		}
		return nil
	}
	return fmt.Errorf("store: unknown operation %d", op.Kind)
}

func encodeOrder(o *order.Order, version int) ([]byte, error) {
	c := o.Clone()
	c.Version = version
	doc, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order %s: %w", o.ID, err)
	}
	return doc, nil
}

func decodeOrder(doc []byte, version int) (*order.Order, error) {
	var o order.Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	o.Version = version
	return &o, nil
}

// classifyPostgresError tags transient failures with ErrUnavailable.
func classifyPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}
