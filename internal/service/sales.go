package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

// FormatSaleNumber renders V<year>-<seq> with at least three sequence digits.
func FormatSaleNumber(year int, seq int) string {
	return fmt.Sprintf("V%d-%03d", year, seq)
}

// LineSubtotal is qty * price * (1 - discount/100), rounded to cents.
func LineSubtotal(qty int, price decimal.Decimal, discount decimal.Decimal) decimal.Decimal {
	return price.
		Mul(decimal.NewFromInt(int64(qty))).
		Mul(hundred.Sub(discount)).
		Div(hundred).
		Round(2)
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	startedAt := s.now()

	actor, err := requireStaff(ctx)
	if err != nil {
		s.metrics.Failure(failureReason(err))
		return domain.Sale{}, err
	}
	if err := normalizeSaleRequest(&req); err != nil {
		s.metrics.Failure(failureReason(err))
		return domain.Sale{}, err
	}

	var created domain.Sale
	for attempt := 1; ; attempt++ {
		created, err = s.createSaleOnce(ctx, actor, req)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			s.metrics.Failure(failureReason(err))
			return domain.Sale{}, err
		}
		if attempt >= s.createAttempts {
			s.metrics.Failure("conflict")
			log.Printf("[service] WARN: sale creation gave up after %d attempts: %v", attempt, err)
			return domain.Sale{}, fmt.Errorf("%w: sale could not be committed after %d attempts", store.ErrStorage, attempt)
		}
		s.metrics.NumberRetry()
		log.Printf("[service] sale creation conflict, retrying attempt=%d: %v", attempt+1, err)
	}

	s.stats.Invalidate(ctx)
	s.metrics.SaleCreated(s.now().Sub(startedAt))
	s.logAudit(ctx, "sale_create", "sale", created.ID, fmt.Sprintf(
		"number=%s,total=%s,payment=%s,status=%s,items=%d",
		created.SaleNumber, created.TotalAmount, created.PaymentMethod, created.PaymentStatus, len(created.Items),
	))

	s.resolveParties(ctx, &created, nil)
	return created, nil
}

func normalizeSaleRequest(req *domain.SaleCreateRequest) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", store.ErrValidation)
	}
	for i := range req.Items {
		item := &req.Items[i]
		item.Product = strings.TrimSpace(item.Product)
		if item.Product == "" {
			return fmt.Errorf("%w: item %d has no product", store.ErrValidation, i+1)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %d quantity must be at least 1", store.ErrValidation, i+1)
		}
		if item.Discount != nil {
			if err := validateDiscount(*item.Discount); err != nil {
				return err
			}
		}
	}

	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	if !domain.IsPaymentMethod(req.PaymentMethod) {
		return fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, req.PaymentMethod)
	}
	req.PaymentStatus = strings.TrimSpace(req.PaymentStatus)
	if req.PaymentStatus == "" {
		req.PaymentStatus = domain.StatusPending
	}
	if req.PaymentStatus == domain.StatusCancelled || !domain.IsPaymentStatus(req.PaymentStatus) {
		return fmt.Errorf("%w: unsupported payment status %q", store.ErrValidation, req.PaymentStatus)
	}
	if req.Tax != nil && req.Tax.IsNegative() {
		return fmt.Errorf("%w: tax must not be negative", store.ErrValidation)
	}
	req.Customer = strings.ToLower(strings.TrimSpace(req.Customer))
	req.Notes = strings.TrimSpace(req.Notes)
	return nil
}

func (s *Service) createSaleOnce(ctx context.Context, actor domain.Actor, req domain.SaleCreateRequest) (domain.Sale, error) {
	now := s.now()
	sale := domain.Sale{
		ID:            xid.New("sale"),
		Seller:        domain.PartyRef{ID: actor.Username},
		Items:         make([]domain.SaleLineItem, 0, len(req.Items)),
		TotalAmount:   decimal.Zero,
		Tax:           decimal.Zero,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: req.PaymentStatus,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Customer != "" {
		sale.Customer = &domain.PartyRef{ID: req.Customer}
	}
	if req.Tax != nil {
		sale.Tax = req.Tax.Round(2)
	}

	err := s.repo.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		for _, item := range req.Items {
			product, err := uow.GetProduct(ctx, item.Product)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: product %s", store.ErrNotFound, item.Product)
				}
				return err
			}
			if !product.Active {
				return fmt.Errorf("%w: product %s is not available", store.ErrNotFound, product.Code)
			}

			if _, err := uow.DecrementStock(ctx, product.ID, item.Quantity); err != nil {
				return err
			}

			discount := product.Discount
			if item.Discount != nil {
				discount = *item.Discount
			}
			subtotal := LineSubtotal(item.Quantity, product.Price, discount)

			sale.Items = append(sale.Items, domain.SaleLineItem{
				ProductID:   product.ID,
				ProductCode: product.Code,
				ProductName: product.Name,
				Quantity:    item.Quantity,
				UnitPrice:   product.Price,
				Discount:    discount,
				Subtotal:    subtotal,
			})
			sale.TotalAmount = sale.TotalAmount.Add(subtotal)
		}

		seq, err := uow.NextSaleSequence(ctx, now.Year())
		if err != nil {
			return err
		}
		sale.SaleNumber = FormatSaleNumber(now.Year(), seq)
		return uow.InsertSale(ctx, sale)
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

// CancelSale restores every line item to stock and marks the sale cancelled.
// Line items whose product has since been removed are skipped.
func (s *Service) CancelSale(ctx context.Context, ref string) (domain.Sale, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.Sale{}, err
	}
	existing, err := s.repo.GetSale(ctx, strings.TrimSpace(ref))
	if err != nil {
		return domain.Sale{}, err
	}

	var cancelled domain.Sale
	err = s.repo.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		sale, err := uow.GetSaleForUpdate(ctx, existing.ID)
		if err != nil {
			return err
		}
		if sale.PaymentStatus == domain.StatusCancelled {
			return fmt.Errorf("%w: sale %s is already cancelled", store.ErrInvalidState, sale.SaleNumber)
		}

		for _, item := range sale.Items {
			err := uow.IncrementStock(ctx, item.ProductID, item.Quantity)
			if errors.Is(err, store.ErrNotFound) {
				log.Printf("[service] WARN: cancel %s skipped stock restore for missing product %s qty=%d", sale.SaleNumber, item.ProductCode, item.Quantity)
				continue
			}
			if err != nil {
				return err
			}
		}

		at := s.now()
		if err := uow.UpdateSalePayment(ctx, sale.ID, domain.StatusCancelled, "", at); err != nil {
			return err
		}
		sale.PaymentStatus = domain.StatusCancelled
		sale.UpdatedAt = at
		cancelled = *sale
		return nil
	})
	if err != nil {
		s.metrics.Failure(failureReason(err))
		return domain.Sale{}, err
	}

	s.stats.Invalidate(ctx)
	s.metrics.SaleCancelled()
	s.logAudit(ctx, "sale_cancel", "sale", cancelled.ID, fmt.Sprintf("number=%s,items=%d", cancelled.SaleNumber, len(cancelled.Items)))

	s.resolveParties(ctx, &cancelled, nil)
	return cancelled, nil
}

// UpdatePaymentStatus changes status and optionally method. Moving a sale to
// cancelled here does not restore stock; only CancelSale does.
func (s *Service) UpdatePaymentStatus(ctx context.Context, ref string, req domain.PaymentUpdateRequest) (domain.Sale, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.Sale{}, err
	}

	req.PaymentStatus = strings.TrimSpace(req.PaymentStatus)
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	if !domain.IsPaymentStatus(req.PaymentStatus) {
		return domain.Sale{}, fmt.Errorf("%w: unsupported payment status %q", store.ErrValidation, req.PaymentStatus)
	}
	if req.PaymentMethod != "" && !domain.IsPaymentMethod(req.PaymentMethod) {
		return domain.Sale{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, req.PaymentMethod)
	}

	existing, err := s.repo.GetSale(ctx, strings.TrimSpace(ref))
	if err != nil {
		return domain.Sale{}, err
	}

	var updated domain.Sale
	err = s.repo.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		sale, err := uow.GetSaleForUpdate(ctx, existing.ID)
		if err != nil {
			return err
		}
		if sale.PaymentStatus == domain.StatusCancelled {
			return fmt.Errorf("%w: sale %s is cancelled", store.ErrInvalidState, sale.SaleNumber)
		}

		at := s.now()
		if err := uow.UpdateSalePayment(ctx, sale.ID, req.PaymentStatus, req.PaymentMethod, at); err != nil {
			return err
		}
		sale.PaymentStatus = req.PaymentStatus
		if req.PaymentMethod != "" {
			sale.PaymentMethod = req.PaymentMethod
		}
		sale.UpdatedAt = at
		updated = *sale
		return nil
	})
	if err != nil {
		s.metrics.Failure(failureReason(err))
		return domain.Sale{}, err
	}

	if updated.PaymentStatus == domain.StatusCancelled {
		log.Printf("[service] WARN: sale %s cancelled through payment update; stock was not restored", updated.SaleNumber)
	}

	s.stats.Invalidate(ctx)
	s.logAudit(ctx, "sale_payment_update", "sale", updated.ID, fmt.Sprintf("number=%s,status=%s,payment=%s", updated.SaleNumber, updated.PaymentStatus, updated.PaymentMethod))

	s.resolveParties(ctx, &updated, nil)
	return updated, nil
}

// GetSale resolves by id or sale number. Sales outside the caller's scope
// are reported as not found.
func (s *Service) GetSale(ctx context.Context, ref string) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, fmt.Errorf("%w: authenticated actor required", ErrForbidden)
	}

	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(ref))
	if err != nil {
		return domain.Sale{}, err
	}
	scope := EffectiveSaleFilter(actor, store.SaleFilter{IncludeCancelled: true})
	if !scope.Matches(*sale) {
		return domain.Sale{}, store.ErrNotFound
	}

	s.resolveParties(ctx, sale, nil)
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, requested store.SaleFilter) ([]domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: authenticated actor required", ErrForbidden)
	}

	sales, err := s.repo.ListSales(ctx, EffectiveSaleFilter(actor, requested))
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	for i := range sales {
		s.resolveParties(ctx, &sales[i], names)
	}
	return sales, nil
}

func (s *Service) SalesStats(ctx context.Context, requested store.SaleFilter) (domain.SalesStats, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SalesStats{}, fmt.Errorf("%w: authenticated actor required", ErrForbidden)
	}
	return s.stats.Stats(ctx, EffectiveSaleFilter(actor, requested))
}

// resolveParties fills display names from the user directory. names is an
// optional lookup memo shared across a listing.
func (s *Service) resolveParties(ctx context.Context, sale *domain.Sale, names map[string]string) {
	lookup := func(username string) string {
		if name, ok := names[username]; ok {
			return name
		}
		name := ""
		user, err := s.repo.GetUser(ctx, username)
		if err == nil {
			name = user.FullName
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[service] WARN: resolve user %s: %v", username, err)
		}
		if names != nil {
			names[username] = name
		}
		return name
	}

	sale.Seller.Name = lookup(sale.Seller.ID)
	if sale.Customer != nil {
		sale.Customer.Name = lookup(sale.Customer.ID)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, store.ErrValidation):
		return "validation"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	default:
		return "storage"
	}
}
