package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokoledger/backend/internal/domain"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidState      = errors.New("invalid state")
	ErrConflict          = errors.New("write conflict")
	ErrStorage           = errors.New("storage failure")
)

// InsufficientStockError carries the available-vs-requested detail of a
// rejected stock decrement. It matches ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	ProductID string
	Code      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	name := e.Code
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", name, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// SaleFilter is an intersection of optional constraints. Zero values mean
// "no constraint". IncludeCancelled is implied when PaymentStatus is cancelled.
type SaleFilter struct {
	From             *time.Time
	To               *time.Time
	PaymentStatus    string
	PaymentMethod    string
	CustomerID       string
	SellerID         string
	IncludeCancelled bool
	Limit            int
}

// Matches applies the filter to a single sale. Both stores use it for the
// in-process checks so the semantics stay in one place.
func (f SaleFilter) Matches(sale domain.Sale) bool {
	if sale.PaymentStatus == domain.StatusCancelled && !f.IncludeCancelled && f.PaymentStatus != domain.StatusCancelled {
		return false
	}
	if f.From != nil && sale.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !sale.CreatedAt.Before(*f.To) {
		return false
	}
	if f.PaymentStatus != "" && sale.PaymentStatus != f.PaymentStatus {
		return false
	}
	if f.PaymentMethod != "" && sale.PaymentMethod != f.PaymentMethod {
		return false
	}
	if f.SellerID != "" && sale.Seller.ID != f.SellerID {
		return false
	}
	if f.CustomerID != "" && (sale.Customer == nil || sale.Customer.ID != f.CustomerID) {
		return false
	}
	return true
}

// UnitOfWork is the set of inventory, sequence and ledger operations that
// share one atomic transaction.
type UnitOfWork interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	// DecrementStock subtracts qty only if the current stock covers it and
	// returns the remaining stock. It fails with *InsufficientStockError.
	DecrementStock(ctx context.Context, id string, qty int) (int, error)
	// IncrementStock fails with ErrNotFound when the product no longer exists.
	IncrementStock(ctx context.Context, id string, qty int) error
	// NextSaleSequence atomically bumps and returns the per-year sale counter.
	NextSaleSequence(ctx context.Context, year int) (int, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	GetSaleForUpdate(ctx context.Context, id string) (*domain.Sale, error)
	UpdateSalePayment(ctx context.Context, id string, status string, method string, at time.Time) error
}

type Repository interface {
	// Atomic runs fn in one transaction. Any error returned by fn rolls back
	// every write fn made; a failed commit is reported wrapped in ErrStorage
	// or ErrConflict.
	Atomic(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error

	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	AdjustStock(ctx context.Context, id string, delta int) (*domain.Product, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error)

	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
