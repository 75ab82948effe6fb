package service

import (
	"fmt"
	"strings"
	"time"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

// EffectiveSaleFilter narrows a requested filter to what the actor may see.
// Admins keep their filter, customers only see their purchases and every
// other role only sees the sales it recorded.
func EffectiveSaleFilter(actor domain.Actor, requested store.SaleFilter) store.SaleFilter {
	effective := requested
	switch actor.Role {
	case domain.RoleAdmin:
	case domain.RoleCustomer:
		effective.CustomerID = actor.Username
	default:
		effective.SellerID = actor.Username
	}
	return effective
}

// ParseDateRange turns inclusive YYYY-MM-DD bounds into the half-open UTC
// interval SaleFilter expects. Either bound may be empty.
func ParseDateRange(startDate string, endDate string) (*time.Time, *time.Time, error) {
	var from, to *time.Time

	if raw := strings.TrimSpace(startDate); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: startDate must be YYYY-MM-DD", store.ErrValidation)
		}
		from = &parsed
	}
	if raw := strings.TrimSpace(endDate); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: endDate must be YYYY-MM-DD", store.ErrValidation)
		}
		next := parsed.AddDate(0, 0, 1)
		to = &next
	}
	if from != nil && to != nil && !from.Before(*to) {
		return nil, nil, fmt.Errorf("%w: startDate is after endDate", store.ErrValidation)
	}
	return from, to, nil
}
