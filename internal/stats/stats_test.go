package stats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoledger/backend/internal/cache"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

func sale(number, status, method string, at time.Time, total string, items ...domain.SaleLineItem) domain.Sale {
	return domain.Sale{
		ID:            "sale-" + number,
		SaleNumber:    number,
		Seller:        domain.PartyRef{ID: "employee"},
		Items:         items,
		TotalAmount:   decimal.RequireFromString(total),
		PaymentMethod: method,
		PaymentStatus: status,
		CreatedAt:     at,
	}
}

func line(id string, qty int, subtotal string) domain.SaleLineItem {
	return domain.SaleLineItem{ProductID: id, ProductCode: id, ProductName: id, Quantity: qty, Subtotal: decimal.RequireFromString(subtotal)}
}

func TestAggregateIgnoresCancelledSales(t *testing.T) {
	at := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)
	sales := []domain.Sale{
		sale("V2024-001", domain.StatusCompleted, domain.PaymentCash, at, "3350", line("A", 2, "2400"), line("B", 1, "950")),
		sale("V2024-002", domain.StatusCancelled, domain.PaymentCash, at, "500", line("A", 9, "500")),
	}

	got := Aggregate(sales, store.SaleFilter{})

	assert.Equal(t, int64(1), got.TotalSales)
	assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(3350)), "total %s", got.TotalAmount)
	require.Len(t, got.ByPaymentStatus, 1)
	assert.Equal(t, domain.StatusCompleted, got.ByPaymentStatus[0].PaymentStatus)
	require.Len(t, got.TopProducts, 2)
	assert.Equal(t, int64(2), got.TopProducts[0].Quantity, "cancelled quantity must not leak into top products")
}

func TestAggregateCancelledOnlyWhenRequested(t *testing.T) {
	at := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)
	sales := []domain.Sale{
		sale("V2024-001", domain.StatusCompleted, domain.PaymentCash, at, "10"),
		sale("V2024-002", domain.StatusCancelled, domain.PaymentTransfer, at, "7"),
	}

	got := Aggregate(sales, store.SaleFilter{PaymentStatus: domain.StatusCancelled})

	assert.Equal(t, int64(1), got.TotalSales)
	assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(7)))
}

func TestAggregateGroupingAndOrdering(t *testing.T) {
	day1 := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	sales := []domain.Sale{
		sale("V2024-001", domain.StatusCompleted, domain.PaymentCash, day1, "5", line("C", 3, "5")),
		sale("V2024-002", domain.StatusPending, domain.PaymentCreditCard, day2, "40", line("B", 3, "40")),
		sale("V2024-003", domain.StatusCompleted, domain.PaymentCreditCard, day2, "20", line("A", 1, "20")),
	}

	got := Aggregate(sales, store.SaleFilter{})

	require.Len(t, got.ByPaymentMethod, 2)
	assert.Equal(t, domain.PaymentCreditCard, got.ByPaymentMethod[0].PaymentMethod)
	assert.Equal(t, int64(2), got.ByPaymentMethod[0].Count)
	assert.True(t, got.ByPaymentMethod[0].Total.Equal(decimal.NewFromInt(60)))

	require.Len(t, got.TopProducts, 3)
	assert.Equal(t, "B", got.TopProducts[0].ProductID, "ties on quantity break by product id")
	assert.Equal(t, "C", got.TopProducts[1].ProductID)
	assert.Equal(t, "A", got.TopProducts[2].ProductID)

	require.Len(t, got.Daily, 2)
	assert.Equal(t, "2024-04-02", got.Daily[0].Date)
	assert.Equal(t, int64(2), got.Daily[0].Count)
}

func TestAggregateLimitsTopProductsAndDays(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sales := make([]domain.Sale, 0, 40)
	for i := 0; i < 40; i++ {
		sales = append(sales, sale(fmt.Sprintf("V2024-%03d", i+1), domain.StatusCompleted, domain.PaymentCash,
			start.AddDate(0, 0, i), "1", line(fmt.Sprintf("P%02d", i%8), i+1, "1")))
	}

	got := Aggregate(sales, store.SaleFilter{})

	assert.Len(t, got.TopProducts, 5)
	require.Len(t, got.Daily, 30)
	assert.Equal(t, start.AddDate(0, 0, 39).Format("2006-01-02"), got.Daily[0].Date)
	assert.Equal(t, start.AddDate(0, 0, 10).Format("2006-01-02"), got.Daily[29].Date)
}

type fakeLister struct {
	calls int
	sales []domain.Sale
	err   error
}

func (f *fakeLister) ListSales(_ context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Sale, 0, len(f.sales))
	for _, s := range f.sales {
		if filter.Matches(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestAggregatorCachesUntilInvalidated(t *testing.T) {
	at := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)
	lister := &fakeLister{sales: []domain.Sale{sale("V2024-001", domain.StatusCompleted, domain.PaymentCash, at, "10")}}
	agg := NewAggregator(lister, cache.NewMemoryStatsCache(), time.Minute)
	ctx := context.Background()

	first, err := agg.Stats(ctx, store.SaleFilter{})
	require.NoError(t, err)
	_, err = agg.Stats(ctx, store.SaleFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, lister.calls)
	assert.Equal(t, int64(1), first.TotalSales)

	lister.sales = append(lister.sales, sale("V2024-002", domain.StatusCompleted, domain.PaymentCash, at, "5"))
	agg.Invalidate(ctx)

	second, err := agg.Stats(ctx, store.SaleFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls)
	assert.Equal(t, int64(2), second.TotalSales)
}

func TestAggregatorPropagatesListFailure(t *testing.T) {
	lister := &fakeLister{err: store.ErrStorage}
	agg := NewAggregator(lister, nil, 0)

	_, err := agg.Stats(context.Background(), store.SaleFilter{})
	assert.True(t, errors.Is(err, store.ErrStorage))
}

func TestBuildCacheKeyDistinguishesScope(t *testing.T) {
	assert.Equal(t, BuildCacheKey(store.SaleFilter{SellerID: "ana"}), BuildCacheKey(store.SaleFilter{SellerID: "ana"}))
	assert.NotEqual(t, BuildCacheKey(store.SaleFilter{SellerID: "ana"}), BuildCacheKey(store.SaleFilter{SellerID: "budi"}))
	assert.NotEqual(t, BuildCacheKey(store.SaleFilter{SellerID: "ana"}), BuildCacheKey(store.SaleFilter{CustomerID: "ana"}))
}

// racingLister changes the ledger and invalidates after it has read the
// sales, the way a cancellation committing mid-read would.
type racingLister struct {
	fakeLister
	onRead func()
}

func (r *racingLister) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	out, err := r.fakeLister.ListSales(ctx, filter)
	if r.onRead != nil {
		hook := r.onRead
		r.onRead = nil
		hook()
	}
	return out, err
}

func TestAggregatorDoesNotCacheRollupRacingInvalidation(t *testing.T) {
	at := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)
	lister := &racingLister{fakeLister: fakeLister{sales: []domain.Sale{
		sale("V2024-001", domain.StatusCompleted, domain.PaymentCash, at, "3350"),
	}}}
	agg := NewAggregator(lister, cache.NewMemoryStatsCache(), time.Minute)
	ctx := context.Background()

	lister.onRead = func() {
		lister.sales[0].PaymentStatus = domain.StatusCancelled
		agg.Invalidate(ctx)
	}

	stale, err := agg.Stats(ctx, store.SaleFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stale.TotalSales, "the racing read itself saw the sale")

	fresh, err := agg.Stats(ctx, store.SaleFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls, "stale rollup must not have been cached")
	assert.Equal(t, int64(0), fresh.TotalSales)
	assert.True(t, fresh.TotalAmount.IsZero(), "cancelled sale contributed %s", fresh.TotalAmount)
}
