package stats

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/cache"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

const (
	topProductLimit = 5
	dailyWindow     = 30
)

// SaleLister is the read side of the ledger the aggregator needs.
type SaleLister interface {
	ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error)
}

type Aggregator struct {
	sales    SaleLister
	cache    cache.StatsCache
	cacheTTL time.Duration
	now      func() time.Time
}

func NewAggregator(sales SaleLister, cacheStore cache.StatsCache, cacheTTL time.Duration) *Aggregator {
	if cacheStore == nil {
		cacheStore = cache.NoopStatsCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Aggregator{
		sales:    sales,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Stats loads every sale matching filter and rolls it up. Cache failures are
// logged and fall through to a fresh computation. The cache version is read
// before the ledger so a result computed across an invalidation is not kept.
func (a *Aggregator) Stats(ctx context.Context, filter store.SaleFilter) (domain.SalesStats, error) {
	filter.Limit = 0
	filter.IncludeCancelled = false

	cacheKey := BuildCacheKey(filter)
	version, err := a.cache.Version(ctx)
	cacheable := err == nil
	if err != nil {
		log.Printf("[stats] WARN: cache version failed: %v", err)
	} else {
		cached, ok, err := a.cache.Get(ctx, version, cacheKey)
		if err != nil {
			log.Printf("[stats] WARN: cache get failed: %v", err)
		} else if ok {
			return *cached, nil
		}
	}

	sales, err := a.sales.ListSales(ctx, filter)
	if err != nil {
		return domain.SalesStats{}, err
	}

	result := Aggregate(sales, filter)
	result.GeneratedAt = a.now()
	if cacheable {
		if err := a.cache.Set(ctx, version, cacheKey, &result, a.cacheTTL); err != nil {
			log.Printf("[stats] WARN: cache set failed: %v", err)
		}
	}
	return result, nil
}

// Invalidate drops cached rollups after the ledger changes.
func (a *Aggregator) Invalidate(ctx context.Context) {
	if err := a.cache.Invalidate(ctx); err != nil {
		log.Printf("[stats] WARN: cache invalidate failed: %v", err)
	}
}

type productTally struct {
	id       string
	code     string
	name     string
	quantity int64
	revenue  decimal.Decimal
}

// Aggregate is the pure rollup over sales. Sales the filter rejects are
// skipped, so cancelled sales never contribute unless the filter asks for
// the cancelled status.
func Aggregate(sales []domain.Sale, filter store.SaleFilter) domain.SalesStats {
	result := domain.SalesStats{
		TotalAmount:     decimal.Zero,
		ByPaymentMethod: []domain.PaymentMethodTotal{},
		ByPaymentStatus: []domain.PaymentStatusTotal{},
		TopProducts:     []domain.TopProduct{},
		Daily:           []domain.DailyTotal{},
	}

	byMethod := make(map[string]*domain.PaymentMethodTotal)
	byStatus := make(map[string]*domain.PaymentStatusTotal)
	byDay := make(map[string]*domain.DailyTotal)
	products := make(map[string]*productTally)

	for _, sale := range sales {
		if !filter.Matches(sale) {
			continue
		}

		result.TotalSales++
		result.TotalAmount = result.TotalAmount.Add(sale.TotalAmount)

		method, ok := byMethod[sale.PaymentMethod]
		if !ok {
			method = &domain.PaymentMethodTotal{PaymentMethod: sale.PaymentMethod, Total: decimal.Zero}
			byMethod[sale.PaymentMethod] = method
		}
		method.Count++
		method.Total = method.Total.Add(sale.TotalAmount)

		status, ok := byStatus[sale.PaymentStatus]
		if !ok {
			status = &domain.PaymentStatusTotal{PaymentStatus: sale.PaymentStatus, Total: decimal.Zero}
			byStatus[sale.PaymentStatus] = status
		}
		status.Count++
		status.Total = status.Total.Add(sale.TotalAmount)

		dayKey := sale.CreatedAt.UTC().Format("2006-01-02")
		day, ok := byDay[dayKey]
		if !ok {
			day = &domain.DailyTotal{Date: dayKey, Total: decimal.Zero}
			byDay[dayKey] = day
		}
		day.Count++
		day.Total = day.Total.Add(sale.TotalAmount)

		for _, item := range sale.Items {
			tally, ok := products[item.ProductID]
			if !ok {
				tally = &productTally{id: item.ProductID, code: item.ProductCode, name: item.ProductName, revenue: decimal.Zero}
				products[item.ProductID] = tally
			}
			tally.quantity += int64(item.Quantity)
			tally.revenue = tally.revenue.Add(item.Subtotal)
		}
	}

	for _, method := range byMethod {
		result.ByPaymentMethod = append(result.ByPaymentMethod, *method)
	}
	sort.Slice(result.ByPaymentMethod, func(i, j int) bool {
		a, b := result.ByPaymentMethod[i], result.ByPaymentMethod[j]
		if cmp := a.Total.Cmp(b.Total); cmp != 0 {
			return cmp > 0
		}
		return a.PaymentMethod < b.PaymentMethod
	})

	for _, status := range byStatus {
		result.ByPaymentStatus = append(result.ByPaymentStatus, *status)
	}
	sort.Slice(result.ByPaymentStatus, func(i, j int) bool {
		a, b := result.ByPaymentStatus[i], result.ByPaymentStatus[j]
		if cmp := a.Total.Cmp(b.Total); cmp != 0 {
			return cmp > 0
		}
		return a.PaymentStatus < b.PaymentStatus
	})

	tallies := make([]*productTally, 0, len(products))
	for _, tally := range products {
		tallies = append(tallies, tally)
	}
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].quantity != tallies[j].quantity {
			return tallies[i].quantity > tallies[j].quantity
		}
		return tallies[i].id < tallies[j].id
	})
	if len(tallies) > topProductLimit {
		tallies = tallies[:topProductLimit]
	}
	for _, tally := range tallies {
		result.TopProducts = append(result.TopProducts, domain.TopProduct{
			ProductID:   tally.id,
			ProductCode: tally.code,
			ProductName: tally.name,
			Quantity:    tally.quantity,
			Revenue:     tally.revenue,
		})
	}

	for _, day := range byDay {
		result.Daily = append(result.Daily, *day)
	}
	// ISO dates sort lexically.
	sort.Slice(result.Daily, func(i, j int) bool { return result.Daily[i].Date > result.Daily[j].Date })
	if len(result.Daily) > dailyWindow {
		result.Daily = result.Daily[:dailyWindow]
	}

	return result
}

func BuildCacheKey(filter store.SaleFilter) string {
	parts := []string{
		"from:" + formatBound(filter.From),
		"to:" + formatBound(filter.To),
		"status:" + filter.PaymentStatus,
		"method:" + filter.PaymentMethod,
		"customer:" + filter.CustomerID,
		"seller:" + filter.SellerID,
		fmt.Sprintf("cancelled:%t", filter.IncludeCancelled),
	}

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

func formatBound(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
