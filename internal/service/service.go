package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/metrics"
	"tokoledger/backend/internal/stats"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

var hundred = decimal.NewFromInt(100)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Stats   *stats.Aggregator
	Metrics *metrics.Sales
	// CreateAttempts bounds how often a sale creation is retried after a
	// write conflict. Values below 1 fall back to 3.
	CreateAttempts int
	Now            func() time.Time
}

type Service struct {
	repo           store.Repository
	stats          *stats.Aggregator
	metrics        *metrics.Sales
	createAttempts int
	now            func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Stats == nil {
		opts.Stats = stats.NewAggregator(repo, nil, 0)
	}
	if opts.CreateAttempts < 1 {
		opts.CreateAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:           repo,
		stats:          opts.Stats,
		metrics:        opts.Metrics,
		createAttempts: opts.CreateAttempts,
		now:            opts.Now,
	}
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return actor, nil
}

func requireStaff(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, fmt.Errorf("%w: authenticated seller required", store.ErrValidation)
	}
	if !domain.IsStaff(actor.Role) {
		return domain.Actor{}, fmt.Errorf("%w: staff role required", ErrForbidden)
	}
	return actor, nil
}

// ListProducts hides inactive products from everyone but admins.
func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	if includeInactive {
		if _, err := requireAdmin(ctx); err != nil {
			includeInactive = false
		}
	}
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) GetProduct(ctx context.Context, ref string) (domain.Product, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Product{}, store.ErrValidation
	}
	product, err := s.repo.GetProduct(ctx, ref)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.Code == "" || req.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: code and name are required", store.ErrValidation)
	}
	if !domain.IsProductCategory(req.Category) {
		return domain.Product{}, fmt.Errorf("%w: unknown category %q", store.ErrValidation, req.Category)
	}
	if req.Price.IsNegative() || req.Cost.IsNegative() || req.Stock < 0 {
		return domain.Product{}, fmt.Errorf("%w: price, cost and stock must not be negative", store.ErrValidation)
	}

	discount := decimal.Zero
	if req.Discount != nil {
		discount = *req.Discount
	}
	if err := validateDiscount(discount); err != nil {
		return domain.Product{}, err
	}
	expiresAt, err := parseExpiry(req.ExpiresAt)
	if err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:        xid.New("prod"),
		Code:      req.Code,
		Name:      req.Name,
		Price:     req.Price.Round(2),
		Cost:      req.Cost.Round(2),
		Stock:     req.Stock,
		Category:  req.Category,
		Active:    true,
		Discount:  discount,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("code=%s,price=%s,stock=%d", created.Code, created.Price, created.Stock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, ref string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(ref))
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, fmt.Errorf("%w: name must not be empty", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if !domain.IsProductCategory(category) {
			return domain.Product{}, fmt.Errorf("%w: unknown category %q", store.ErrValidation, category)
		}
		updated.Category = category
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			return domain.Product{}, fmt.Errorf("%w: price must not be negative", store.ErrValidation)
		}
		updated.Price = req.Price.Round(2)
	}
	if req.Cost != nil {
		if req.Cost.IsNegative() {
			return domain.Product{}, fmt.Errorf("%w: cost must not be negative", store.ErrValidation)
		}
		updated.Cost = req.Cost.Round(2)
	}
	if req.Discount != nil {
		if err := validateDiscount(*req.Discount); err != nil {
			return domain.Product{}, err
		}
		updated.Discount = *req.Discount
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if req.ExpiresAt != nil {
		expiresAt, err := parseExpiry(*req.ExpiresAt)
		if err != nil {
			return domain.Product{}, err
		}
		updated.ExpiresAt = expiresAt
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("price=%s,discount=%s,active=%t", saved.Price, saved.Discount, saved.Active))
	return *saved, nil
}

// DeactivateProduct hides a product from new sales. Existing sales keep
// their line item snapshots.
func (s *Service) DeactivateProduct(ctx context.Context, ref string) (domain.Product, error) {
	inactive := false
	return s.UpdateProduct(ctx, ref, domain.ProductUpdateRequest{Active: &inactive})
}

func (s *Service) AdjustStock(ctx context.Context, ref string, req domain.StockAdjustmentRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if req.Delta == 0 {
		return domain.Product{}, fmt.Errorf("%w: delta must not be zero", store.ErrValidation)
	}

	adjusted, err := s.repo.AdjustStock(ctx, strings.TrimSpace(ref), req.Delta)
	if err != nil {
		return domain.Product{}, err
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "unspecified"
	}
	s.logAudit(ctx, "stock_adjust", "product", adjusted.ID, fmt.Sprintf("delta=%d,stock=%d,reason=%s", req.Delta, adjusted.Stock, reason))
	return *adjusted, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, strings.TrimSpace(entityID), limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func validateDiscount(discount decimal.Decimal) error {
	if discount.IsNegative() || discount.GreaterThan(hundred) {
		return fmt.Errorf("%w: discount must be between 0 and 100", store.ErrValidation)
	}
	return nil
}

func parseExpiry(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: expires_at must be YYYY-MM-DD", store.ErrValidation)
	}
	return &parsed, nil
}
