package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tokoledger/backend/internal/domain"
)

func TestInsufficientStockErrorMatchesSentinel(t *testing.T) {
	err := error(&InsufficientStockError{ProductID: "prod-1", Code: "SKU-A", Available: 5, Requested: 10})

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.Equal(t, "insufficient stock for SKU-A: available 5, requested 10", err.Error())

	var detail *InsufficientStockError
	assert.True(t, errors.As(err, &detail))
	assert.Equal(t, 5, detail.Available)
}

func TestSaleFilterExcludesCancelledByDefault(t *testing.T) {
	cancelled := domain.Sale{PaymentStatus: domain.StatusCancelled, Seller: domain.PartyRef{ID: "ana"}}

	assert.False(t, SaleFilter{}.Matches(cancelled))
	assert.True(t, SaleFilter{IncludeCancelled: true}.Matches(cancelled))
	assert.True(t, SaleFilter{PaymentStatus: domain.StatusCancelled}.Matches(cancelled))
}

func TestSaleFilterIntersection(t *testing.T) {
	day := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	from := day.Add(-time.Hour)
	to := day.Add(time.Hour)
	sale := domain.Sale{
		PaymentStatus: domain.StatusCompleted,
		PaymentMethod: domain.PaymentCash,
		Seller:        domain.PartyRef{ID: "ana"},
		Customer:      &domain.PartyRef{ID: "budi"},
		CreatedAt:     day,
	}

	assert.True(t, SaleFilter{From: &from, To: &to, SellerID: "ana", CustomerID: "budi", PaymentMethod: domain.PaymentCash}.Matches(sale))
	assert.False(t, SaleFilter{SellerID: "other"}.Matches(sale))
	assert.False(t, SaleFilter{CustomerID: "other"}.Matches(sale))
	assert.False(t, SaleFilter{PaymentMethod: domain.PaymentTransfer}.Matches(sale))
	assert.False(t, SaleFilter{To: &day}.Matches(sale), "upper bound is exclusive")
	assert.False(t, SaleFilter{CustomerID: "budi"}.Matches(domain.Sale{PaymentStatus: domain.StatusPending}))
}
