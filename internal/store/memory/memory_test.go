package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

func seededProduct(t *testing.T, s *Store, code string) *domain.Product {
	t.Helper()
	product, err := s.GetProduct(context.Background(), code)
	require.NoError(t, err)
	return product
}

func testSale(id, number, productID string, qty int) domain.Sale {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return domain.Sale{
		ID:            id,
		SaleNumber:    number,
		Seller:        domain.PartyRef{ID: "employee"},
		Items:         []domain.SaleLineItem{{ProductID: productID, Quantity: qty, UnitPrice: decimal.NewFromInt(1), Subtotal: decimal.NewFromInt(int64(qty))}},
		TotalAmount:   decimal.NewFromInt(int64(qty)),
		PaymentMethod: domain.PaymentCash,
		PaymentStatus: domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestAtomicRollbackRestoresEverything(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	laptop := seededProduct(t, s, "LAPTOP-01")

	failure := errors.New("late failure")
	err := s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if _, err := uow.DecrementStock(ctx, laptop.ID, 7); err != nil {
			return err
		}
		seq, err := uow.NextSaleSequence(ctx, 2024)
		if err != nil {
			return err
		}
		if err := uow.InsertSale(ctx, testSale("sale-rollback", fmt.Sprintf("V2024-%03d", seq), laptop.ID, 7)); err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(t, err, failure)

	after := seededProduct(t, s, "LAPTOP-01")
	assert.Equal(t, 120, after.Stock)

	_, err = s.GetSale(ctx, "sale-rollback")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The counter was rolled back too, so the next sale reuses sequence 1.
	err = s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		seq, err := uow.NextSaleSequence(ctx, 2024)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, seq)
		return nil
	})
	require.NoError(t, err)
}

func TestDecrementStockReportsShortfall(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	milk := seededProduct(t, s, "MILK-01")

	err := s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		_, err := uow.DecrementStock(ctx, milk.ID, 121)
		return err
	})

	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 120, stockErr.Available)
	assert.Equal(t, 121, stockErr.Requested)
	assert.Equal(t, "MILK-01", stockErr.Code)
}

func TestNextSaleSequenceContinuesFromLedger(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	bread := seededProduct(t, s, "BREAD-01")

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.InsertSale(ctx, testSale("sale-a", "V2023-001", bread.ID, 1))
	}))
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.InsertSale(ctx, testSale("sale-b", "V2023-002", bread.ID, 1))
	}))

	var got []int
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
			seq, err := uow.NextSaleSequence(ctx, 2023)
			got = append(got, seq)
			return err
		}))
	}
	assert.Equal(t, []int{3, 4}, got)

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		seq, err := uow.NextSaleSequence(ctx, 2024)
		assert.Equal(t, 1, seq, "a new year starts from one")
		return err
	}))
}

func TestNextSaleSequenceSkipsPastGappedNumbers(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	milk := seededProduct(t, s, "MILK-01")

	for i, number := range []string{"V2023-001", "V2023-005", "V2023-003"} {
		sale := testSale(fmt.Sprintf("imported-%d", i), number, milk.ID, 1)
		require.NoError(t, s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
			return uow.InsertSale(ctx, sale)
		}))
	}

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		seq, err := uow.NextSaleSequence(ctx, 2023)
		if err != nil {
			return err
		}
		assert.Equal(t, 6, seq)
		return uow.InsertSale(ctx, testSale("after-import", fmt.Sprintf("V2023-%03d", seq), milk.ID, 1))
	}))
}

func TestInsertSaleRejectsDuplicateNumber(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	rice := seededProduct(t, s, "RICE-01")

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.InsertSale(ctx, testSale("sale-1", "V2024-001", rice.ID, 1))
	}))
	err := s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.InsertSale(ctx, testSale("sale-2", "V2024-001", rice.ID, 1))
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestUpdateSalePaymentRefusesCancelledSale(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	soap := seededProduct(t, s, "SOAP-01")
	at := time.Now().UTC()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.InsertSale(ctx, testSale("sale-x", "V2024-001", soap.ID, 1)); err != nil {
			return err
		}
		return uow.UpdateSalePayment(ctx, "sale-x", domain.StatusCancelled, "", at)
	}))

	err := s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.UpdateSalePayment(ctx, "sale-x", domain.StatusCompleted, domain.PaymentTransfer, at)
	})
	assert.ErrorIs(t, err, store.ErrInvalidState)

	sale, err := s.GetSale(ctx, "V2024-001")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, sale.PaymentStatus)
	assert.Equal(t, domain.PaymentCash, sale.PaymentMethod)
}

func TestConcurrentDecrementsNeverOversell(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	coffee := seededProduct(t, s, "COFFEE-01")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
				_, err := uow.DecrementStock(ctx, coffee.ID, 3)
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	after := seededProduct(t, s, "COFFEE-01")
	assert.Equal(t, 40, succeeded)
	assert.Equal(t, 0, after.Stock)
}

func TestAdjustStockRejectsNegativeResult(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.AdjustStock(ctx, "shampoo-01", -121)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	adjusted, err := s.AdjustStock(ctx, "SHAMPOO-01", 5)
	require.NoError(t, err)
	assert.Equal(t, 125, adjusted.Stock)
}

func TestListSalesNewestFirstWithLimit(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	milk := seededProduct(t, s, "MILK-01")

	for i := 1; i <= 3; i++ {
		sale := testSale(fmt.Sprintf("sale-%d", i), fmt.Sprintf("V2024-%03d", i), milk.ID, 1)
		sale.CreatedAt = sale.CreatedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
			return uow.InsertSale(ctx, sale)
		}))
	}

	sales, err := s.ListSales(ctx, store.SaleFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, "V2024-003", sales[0].SaleNumber)
	assert.Equal(t, "V2024-002", sales[1].SaleNumber)
}
