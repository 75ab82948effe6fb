package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedIntegrationProduct(t *testing.T, s *Store, stock int) *domain.Product {
	t.Helper()
	ctx := context.Background()
	code := fmt.Sprintf("IT-%d", time.Now().UnixNano())
	product, err := s.CreateProduct(ctx, domain.Product{
		Code:     code,
		Name:     "Produk Integrasi",
		Price:    decimal.RequireFromString("12.50"),
		Stock:    stock,
		Category: "groceries",
		Active:   true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
	})
	return product
}

// integrationYear picks a far-future year so runs never share a counter
// with real sales.
func integrationYear(t *testing.T, s *Store) int {
	t.Helper()
	year := 2900 + int(time.Now().UnixNano()%90)
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE sale_number LIKE $1`, fmt.Sprintf("V%d-%%", year))
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_sequences WHERE year = $1`, year)
	})
	return year
}

func integrationSale(id, number string, product *domain.Product, qty int) domain.Sale {
	now := time.Now().UTC()
	subtotal := product.Price.Mul(decimal.NewFromInt(int64(qty)))
	return domain.Sale{
		ID:            id,
		SaleNumber:    number,
		Seller:        domain.PartyRef{ID: "employee"},
		Items:         []domain.SaleLineItem{{ProductID: product.ID, ProductCode: product.Code, ProductName: product.Name, Quantity: qty, UnitPrice: product.Price, Subtotal: subtotal}},
		TotalAmount:   subtotal,
		PaymentMethod: domain.PaymentCash,
		PaymentStatus: domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestAtomicRollsBackStockOnFailure(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	product := seedIntegrationProduct(t, s, 10)

	failure := errors.New("boom")
	err := s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if _, err := uow.DecrementStock(ctx, product.ID, 4); err != nil {
			return err
		}
		return failure
	})
	require.Error(t, err)

	reloaded, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, reloaded.Stock, "stock after rollback")
}

func TestDecrementStockRefusesOversell(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	product := seedIntegrationProduct(t, s, 5)

	err := s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		_, err := uow.DecrementStock(ctx, product.ID, 10)
		return err
	})
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 5, stockErr.Available)
	assert.Equal(t, 10, stockErr.Requested)
}

func TestInsertSaleAndCancelFlow(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	product := seedIntegrationProduct(t, s, 10)
	year := integrationYear(t, s)
	saleID := fmt.Sprintf("sale-it-%d", time.Now().UnixNano())

	err := s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if _, err := uow.DecrementStock(ctx, product.ID, 2); err != nil {
			return err
		}
		seq, err := uow.NextSaleSequence(ctx, year)
		if err != nil {
			return err
		}
		return uow.InsertSale(ctx, integrationSale(saleID, fmt.Sprintf("V%d-%03d", year, seq), product, 2))
	})
	require.NoError(t, err)

	sale, err := s.GetSale(ctx, saleID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("V%d-001", year), sale.SaleNumber)
	require.Len(t, sale.Items, 1)
	assert.Equal(t, 2, sale.Items[0].Quantity)

	cancel := func() error {
		return s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
			current, err := uow.GetSaleForUpdate(ctx, saleID)
			if err != nil {
				return err
			}
			if err := uow.UpdateSalePayment(ctx, current.ID, domain.StatusCancelled, "", time.Now().UTC()); err != nil {
				return err
			}
			for _, item := range current.Items {
				if err := uow.IncrementStock(ctx, item.ProductID, item.Quantity); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, cancel())
	assert.ErrorIs(t, cancel(), store.ErrInvalidState)

	reloaded, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, reloaded.Stock, "stock restored")
}

func TestNextSaleSequenceSeedsPastHighestNumber(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	product := seedIntegrationProduct(t, s, 10)
	year := integrationYear(t, s)

	// Imported ledger with a gap: three rows, highest number 005.
	for i, seq := range []int{1, 5, 3} {
		sale := integrationSale(fmt.Sprintf("sale-import-%d-%d", year, i), fmt.Sprintf("V%d-%03d", year, seq), product, 1)
		require.NoError(t, s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
			return uow.InsertSale(ctx, sale)
		}))
	}

	var got int
	err := s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		seq, err := uow.NextSaleSequence(ctx, year)
		if err != nil {
			return err
		}
		got = seq
		return uow.InsertSale(ctx, integrationSale(fmt.Sprintf("sale-next-%d", year), fmt.Sprintf("V%d-%03d", year, seq), product, 1))
	})
	require.NoError(t, err)
	assert.Equal(t, 6, got)
}
