package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

// Store keeps the whole catalog and ledger in process. A unit of work holds
// the write lock for its full duration, so Repository methods must not be
// called from inside an Atomic callback.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	productIDByCode map[string]string
	salesByID       map[string]*domain.Sale
	saleIDByNumber  map[string]string
	sequences       map[int]int
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
	now             func() time.Time
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		productIDByCode: make(map[string]string),
		salesByID:       make(map[string]*domain.Sale),
		saleIDByNumber:  make(map[string]string),
		sequences:       make(map[int]int),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD, SEED_EMPLOYEE_PASSWORD and
// SEED_CUSTOMER_PASSWORD; unset values fall back to dev defaults.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	employeePwd := envOr("SEED_EMPLOYEE_PASSWORD", "employee123")
	customerPwd := envOr("SEED_CUSTOMER_PASSWORD", "customer123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_EMPLOYEE_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_EMPLOYEE_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		fullName string
		password string
		role     string
	}{
		{"admin", "Store Admin", adminPwd, domain.RoleAdmin},
		{"employee", "Ana Cashier", employeePwd, domain.RoleEmployee},
		{"customer", "Budi Customer", customerPwd, domain.RoleCustomer},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			FullName:  u.fullName,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := s.now()
	seed := []struct {
		code     string
		name     string
		category string
		price    string
		cost     string
		discount string
	}{
		{"LAPTOP-01", "Laptop 14in", "other", "1200", "950", "0"},
		{"MONITOR-01", "Monitor 24in", "other", "950", "700", "0"},
		{"MILK-01", "UHT Milk 1L", "dairy", "1.89", "1.20", "0"},
		{"BREAD-01", "White Bread", "bakery", "1.78", "0.90", "0"},
		{"COFFEE-01", "Coffee Sachet", "beverages", "0.26", "0.12", "10"},
		{"RICE-01", "Rice 5kg", "groceries", "7.40", "5.90", "0"},
		{"SOAP-01", "Bath Soap", "household", "0.74", "0.40", "5"},
		{"SHAMPOO-01", "Shampoo Sachet", "personal_care", "0.32", "0.15", "0"},
	}
	for _, p := range seed {
		id := xid.New("prod")
		s.products[id] = domain.Product{
			ID:        id,
			Code:      p.code,
			Name:      p.name,
			Category:  p.category,
			Price:     decimal.RequireFromString(p.price),
			Cost:      decimal.RequireFromString(p.cost),
			Discount:  decimal.RequireFromString(p.discount),
			Stock:     120,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.productIDByCode[p.code] = id
	}
	return s
}

// Atomic runs fn under the write lock and replays the undo log in reverse
// if fn fails, leaving products, sales and counters as they were.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &unitOfWork{s: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return fmt.Errorf("%w: %v", store.ErrStorage, err)
	}
	return nil
}

type unitOfWork struct {
	s    *Store
	undo []func()
}

func (u *unitOfWork) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
}

func (u *unitOfWork) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	product, ok := u.s.lookupProduct(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (u *unitOfWork) DecrementStock(_ context.Context, id string, qty int) (int, error) {
	if qty < 1 {
		return 0, store.ErrValidation
	}
	product, ok := u.s.products[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	if product.Stock < qty {
		return product.Stock, &store.InsufficientStockError{ProductID: id, Code: product.Code, Available: product.Stock, Requested: qty}
	}

	previous := product
	product.Stock -= qty
	product.UpdatedAt = u.s.now()
	u.s.products[id] = product
	u.undo = append(u.undo, func() { u.s.products[id] = previous })
	return product.Stock, nil
}

func (u *unitOfWork) IncrementStock(_ context.Context, id string, qty int) error {
	if qty < 1 {
		return store.ErrValidation
	}
	product, ok := u.s.products[id]
	if !ok {
		return store.ErrNotFound
	}

	previous := product
	product.Stock += qty
	product.UpdatedAt = u.s.now()
	u.s.products[id] = product
	u.undo = append(u.undo, func() { u.s.products[id] = previous })
	return nil
}

func (u *unitOfWork) NextSaleSequence(_ context.Context, year int) (int, error) {
	current, ok := u.s.sequences[year]
	if !ok {
		// First sale of the year on this store: continue after the highest
		// number the ledger already holds for that year.
		prefix := fmt.Sprintf("V%d-", year)
		for number := range u.s.saleIDByNumber {
			if !strings.HasPrefix(number, prefix) {
				continue
			}
			if seq, err := strconv.Atoi(strings.TrimPrefix(number, prefix)); err == nil && seq > current {
				current = seq
			}
		}
	}

	next := current + 1
	u.s.sequences[year] = next
	u.undo = append(u.undo, func() {
		if ok {
			u.s.sequences[year] = current
		} else {
			delete(u.s.sequences, year)
		}
	})
	return next, nil
}

func (u *unitOfWork) InsertSale(_ context.Context, sale domain.Sale) error {
	if sale.ID == "" || sale.SaleNumber == "" || len(sale.Items) == 0 {
		return store.ErrValidation
	}
	if _, exists := u.s.salesByID[sale.ID]; exists {
		return fmt.Errorf("%w: sale id %s already exists", store.ErrConflict, sale.ID)
	}
	if _, exists := u.s.saleIDByNumber[sale.SaleNumber]; exists {
		return fmt.Errorf("%w: sale number %s already exists", store.ErrConflict, sale.SaleNumber)
	}

	u.s.salesByID[sale.ID] = cloneSale(&sale)
	u.s.saleIDByNumber[sale.SaleNumber] = sale.ID
	u.undo = append(u.undo, func() {
		delete(u.s.salesByID, sale.ID)
		delete(u.s.saleIDByNumber, sale.SaleNumber)
	})
	return nil
}

func (u *unitOfWork) GetSaleForUpdate(_ context.Context, id string) (*domain.Sale, error) {
	sale, ok := u.s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (u *unitOfWork) UpdateSalePayment(_ context.Context, id string, status string, method string, at time.Time) error {
	sale, ok := u.s.salesByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if sale.PaymentStatus == domain.StatusCancelled {
		return store.ErrInvalidState
	}

	previous := *sale
	sale.PaymentStatus = status
	if method != "" {
		sale.PaymentMethod = method
	}
	sale.UpdatedAt = at
	u.undo = append(u.undo, func() {
		sale.PaymentStatus = previous.PaymentStatus
		sale.PaymentMethod = previous.PaymentMethod
		sale.UpdatedAt = previous.UpdatedAt
	})
	return nil
}

func (s *Store) lookupProduct(ref string) (domain.Product, bool) {
	if product, ok := s.products[ref]; ok {
		return product, true
	}
	if id, ok := s.productIDByCode[strings.ToUpper(strings.TrimSpace(ref))]; ok {
		product, ok := s.products[id]
		return product, ok
	}
	return domain.Product{}, false
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active && !includeInactive {
			continue
		}
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Category == products[j].Category {
			return products[i].Name < products[j].Name
		}
		return products[i].Category < products[j].Category
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.lookupProduct(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Code == "" || product.Name == "" || product.Stock < 0 {
		return nil, store.ErrValidation
	}
	if _, exists := s.productIDByCode[product.Code]; exists {
		return nil, fmt.Errorf("%w: product code %s already exists", store.ErrValidation, product.Code)
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := s.now()
	product.CreatedAt = now
	product.UpdatedAt = now

	s.products[product.ID] = product
	s.productIDByCode[product.Code] = product.ID
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	// Stock only moves through AdjustStock and sale units of work.
	product.Stock = existing.Stock
	product.Code = existing.Code
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = s.now()
	s.products[product.ID] = product

	updated := product
	return &updated, nil
}

func (s *Store) AdjustStock(_ context.Context, id string, delta int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.lookupProduct(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	if product.Stock+delta < 0 {
		return nil, &store.InsufficientStockError{ProductID: product.ID, Code: product.Code, Available: product.Stock, Requested: -delta}
	}
	product.Stock += delta
	product.UpdatedAt = s.now()
	s.products[product.ID] = product

	adjusted := product
	return &adjusted, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		if byNumber, found := s.saleIDByNumber[id]; found {
			sale = s.salesByID[byNumber]
			ok = true
		}
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if !filter.Matches(*sale) {
			continue
		}
		sales = append(sales, *cloneSale(sale))
	}
	sort.Slice(sales, func(i, j int) bool {
		if sales[i].CreatedAt.Equal(sales[j].CreatedAt) {
			return sales[i].SaleNumber > sales[j].SaleNumber
		}
		return sales[i].CreatedAt.After(sales[j].CreatedAt)
	})
	if filter.Limit > 0 && len(sales) > filter.Limit {
		sales = sales[:filter.Limit]
	}
	return sales, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrValidation)
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(username))
	user, ok := s.usersByUsername[key]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[key] = user
	return nil
}

func cloneSale(src *domain.Sale) *domain.Sale {
	dst := *src
	dst.Items = append([]domain.SaleLineItem(nil), src.Items...)
	if src.Customer != nil {
		customer := *src.Customer
		dst.Customer = &customer
	}
	return &dst
}
