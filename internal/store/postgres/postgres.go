package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classifyError(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(ctx, &unitOfWork{tx: pgTx}); err != nil {
		return classifyError(err)
	}
	if err := pgTx.Commit(); err != nil {
		return classifyError(err)
	}
	return nil
}

type unitOfWork struct {
	tx *sql.Tx
}

const productColumns = `id, code, name, price, cost, stock, category, active, discount, expires_at, created_at, updated_at`

func (u *unitOfWork) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := u.tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 OR code = upper($1)
		LIMIT 1
		FOR UPDATE
	`, strings.TrimSpace(id))
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return product, nil
}

func (u *unitOfWork) DecrementStock(ctx context.Context, id string, qty int) (int, error) {
	if qty < 1 {
		return 0, store.ErrValidation
	}

	var remaining int
	err := u.tx.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING stock
	`, id, qty).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var code string
	var available int
	err = u.tx.QueryRowContext(ctx, `SELECT code, stock FROM products WHERE id = $1`, id).Scan(&code, &available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return available, &store.InsufficientStockError{ProductID: id, Code: code, Available: available, Requested: qty}
}

func (u *unitOfWork) IncrementStock(ctx context.Context, id string, qty int) error {
	if qty < 1 {
		return store.ErrValidation
	}
	res, err := u.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1
	`, id, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (u *unitOfWork) NextSaleSequence(ctx context.Context, year int) (int, error) {
	// The first bump of a year seeds the counter past the highest sequence
	// already on the ledger for that year, so imported or gapped numbers
	// never collide.
	var next int
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO sale_sequences (year, last_value)
		VALUES ($1, COALESCE((
			SELECT MAX(substring(sale_number FROM '^V[0-9]+-([0-9]+)$')::integer)
			FROM sales
			WHERE sale_number LIKE $2
		), 0) + 1)
		ON CONFLICT (year)
		DO UPDATE SET last_value = sale_sequences.last_value + 1
		RETURNING last_value
	`, year, fmt.Sprintf("V%d-%%", year)).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (u *unitOfWork) InsertSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" || sale.SaleNumber == "" || len(sale.Items) == 0 {
		return store.ErrValidation
	}

	var customerID any
	if sale.Customer != nil && sale.Customer.ID != "" {
		customerID = sale.Customer.ID
	}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, sale_number, customer_id, seller_id, total_amount, tax,
			payment_method, payment_status, notes, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sale.ID, sale.SaleNumber, customerID, sale.Seller.ID, sale.TotalAmount, sale.Tax,
		sale.PaymentMethod, sale.PaymentStatus, sale.Notes, sale.CreatedAt, sale.UpdatedAt)
	if err != nil {
		return err
	}

	for i, item := range sale.Items {
		_, err := u.tx.ExecContext(ctx, `
			INSERT INTO sale_items (
				sale_id, position, product_id, product_code, product_name,
				quantity, unit_price, discount, subtotal
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, sale.ID, i, item.ProductID, item.ProductCode, item.ProductName,
			item.Quantity, item.UnitPrice, item.Discount, item.Subtotal)
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *unitOfWork) GetSaleForUpdate(ctx context.Context, id string) (*domain.Sale, error) {
	row := u.tx.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, id)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := loadSaleItems(ctx, u.tx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return sale, nil
}

func (u *unitOfWork) UpdateSalePayment(ctx context.Context, id string, status string, method string, at time.Time) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE sales
		SET payment_status = $2,
			payment_method = COALESCE(NULLIF($3, ''), payment_method),
			updated_at = $4
		WHERE id = $1 AND payment_status <> $5
	`, id, status, method, at, domain.StatusCancelled)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true OR $1
		ORDER BY category, name
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 OR code = upper($1)
		LIMIT 1
	`, strings.TrimSpace(id))
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return product, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Code == "" || product.Name == "" || product.Stock < 0 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, code, name, price, cost, stock, category, active, discount, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		RETURNING `+productColumns,
		product.ID, product.Code, product.Name, product.Price, product.Cost, product.Stock,
		product.Category, product.Active, product.Discount, nullTime(product.ExpiresAt))
	created, err := scanProduct(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product code %s already exists", store.ErrValidation, product.Code)
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, price = $3, cost = $4, category = $5, active = $6,
			discount = $7, expires_at = $8, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.Price, product.Cost, product.Category,
		product.Active, product.Discount, nullTime(product.ExpiresAt))
	updated, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return updated, nil
}

func (s *Store) AdjustStock(ctx context.Context, id string, delta int) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE (id = $1 OR code = upper($1)) AND stock + $2 >= 0
		RETURNING `+productColumns, strings.TrimSpace(id), delta)
	adjusted, err := scanProduct(row)
	if err == nil {
		return adjusted, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := s.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &store.InsufficientStockError{ProductID: current.ID, Code: current.Code, Available: current.Stock, Requested: -delta}
}

const saleColumns = `id, sale_number, customer_id, seller_id, total_amount, tax, payment_method, payment_status, notes, created_at, updated_at`

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1 OR sale_number = $1
		LIMIT 1
	`, id)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := loadSaleItems(ctx, s.db, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	where := make([]string, 0, 8)
	args := make([]any, 0, 8)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if !filter.IncludeCancelled && filter.PaymentStatus != domain.StatusCancelled {
		add("payment_status <> $%d", domain.StatusCancelled)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	if filter.PaymentStatus != "" {
		add("payment_status = $%d", filter.PaymentStatus)
	}
	if filter.PaymentMethod != "" {
		add("payment_method = $%d", filter.PaymentMethod)
	}
	if filter.SellerID != "" {
		add("seller_id = $%d", filter.SellerID)
	}
	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}

	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, sale_number DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := loadSaleItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR entity_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, full_name, password, role, active, created_at
		FROM users
		WHERE username = lower($1)
	`, strings.TrimSpace(username)).Scan(&user.Username, &user.FullName, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, full_name, password, role, active, created_at)
		VALUES (lower($1),$2,$3,$4,$5,$6)
	`, strings.TrimSpace(user.Username), user.FullName, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username already exists", store.ErrValidation)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, full_name, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.FullName, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = lower($1)`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var expires sql.NullTime
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Price, &p.Cost, &p.Stock, &p.Category, &p.Active, &p.Discount, &expires, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		e := expires.Time.UTC()
		p.ExpiresAt = &e
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullString
	if err := row.Scan(&sale.ID, &sale.SaleNumber, &customerID, &sale.Seller.ID, &sale.TotalAmount, &sale.Tax,
		&sale.PaymentMethod, &sale.PaymentStatus, &sale.Notes, &sale.CreatedAt, &sale.UpdatedAt); err != nil {
		return nil, err
	}
	if customerID.Valid && customerID.String != "" {
		sale.Customer = &domain.PartyRef{ID: customerID.String}
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.UpdatedAt = sale.UpdatedAt.UTC()
	return &sale, nil
}

func loadSaleItems(ctx context.Context, q queryer, saleIDs []string) (map[string][]domain.SaleLineItem, error) {
	result := make(map[string][]domain.SaleLineItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT sale_id, product_id, product_code, product_name, quantity, unit_price, discount, subtotal
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, position
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var item domain.SaleLineItem
		if err := rows.Scan(&saleID, &item.ProductID, &item.ProductCode, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Discount, &item.Subtotal); err != nil {
			return nil, err
		}
		result[saleID] = append(result[saleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// classifyError keeps domain sentinels as they are, maps retryable
// postgres conflicts to ErrConflict and everything else to ErrStorage.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		store.ErrValidation,
		store.ErrNotFound,
		store.ErrInsufficientStock,
		store.ErrInvalidState,
		store.ErrConflict,
		store.ErrStorage,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if isConflict(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return fmt.Errorf("%w: %v", store.ErrStorage, err)
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
