package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `json:"id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	Stock     int             `json:"stock"`
	Category  string          `json:"category"`
	Active    bool            `json:"active"`
	Discount  decimal.Decimal `json:"discount"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	Code      string           `json:"code"`
	Name      string           `json:"name"`
	Price     decimal.Decimal  `json:"price"`
	Cost      decimal.Decimal  `json:"cost"`
	Stock     int              `json:"stock"`
	Category  string           `json:"category"`
	Discount  *decimal.Decimal `json:"discount,omitempty"`
	ExpiresAt string           `json:"expires_at,omitempty"`
}

type ProductUpdateRequest struct {
	Name      *string          `json:"name,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Cost      *decimal.Decimal `json:"cost,omitempty"`
	Category  *string          `json:"category,omitempty"`
	Discount  *decimal.Decimal `json:"discount,omitempty"`
	Active    *bool            `json:"active,omitempty"`
	ExpiresAt *string          `json:"expires_at,omitempty"`
}

type StockAdjustmentRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// PartyRef points at a user by identity. Name is filled from the user
// directory when a sale is returned to a caller.
type PartyRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SaleLineItem is a snapshot of the product at the moment of sale. It is
// never re-read from the catalog after the sale is stored.
type SaleLineItem struct {
	ProductID   string          `json:"product_id"`
	ProductCode string          `json:"product_code"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type Sale struct {
	ID            string          `json:"id"`
	SaleNumber    string          `json:"sale_number"`
	Customer      *PartyRef       `json:"customer,omitempty"`
	Seller        PartyRef        `json:"seller"`
	Items         []SaleLineItem  `json:"items"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Tax           decimal.Decimal `json:"tax"`
	PaymentMethod string          `json:"payment_method"`
	PaymentStatus string          `json:"payment_status"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type SaleItemRequest struct {
	Product  string           `json:"product"`
	Quantity int              `json:"quantity"`
	Discount *decimal.Decimal `json:"discount,omitempty"`
}

type SaleCreateRequest struct {
	Items         []SaleItemRequest `json:"items"`
	PaymentMethod string            `json:"paymentMethod"`
	PaymentStatus string            `json:"paymentStatus,omitempty"`
	Customer      string            `json:"customer,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	Tax           *decimal.Decimal  `json:"tax,omitempty"`
}

type PaymentUpdateRequest struct {
	PaymentStatus string `json:"paymentStatus"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type PaymentMethodTotal struct {
	PaymentMethod string          `json:"payment_method"`
	Count         int64           `json:"count"`
	Total         decimal.Decimal `json:"total"`
}

type PaymentStatusTotal struct {
	PaymentStatus string          `json:"payment_status"`
	Count         int64           `json:"count"`
	Total         decimal.Decimal `json:"total"`
}

type TopProduct struct {
	ProductID   string          `json:"product_id"`
	ProductCode string          `json:"product_code"`
	ProductName string          `json:"product_name"`
	Quantity    int64           `json:"quantity"`
	Revenue     decimal.Decimal `json:"revenue"`
}

type DailyTotal struct {
	Date  string          `json:"date"`
	Count int64           `json:"count"`
	Total decimal.Decimal `json:"total"`
}

type SalesStats struct {
	TotalSales      int64                `json:"total_sales"`
	TotalAmount     decimal.Decimal      `json:"total_amount"`
	ByPaymentMethod []PaymentMethodTotal `json:"by_payment_method"`
	ByPaymentStatus []PaymentStatusTotal `json:"by_payment_status"`
	TopProducts     []TopProduct         `json:"top_products"`
	Daily           []DailyTotal         `json:"daily"`
	GeneratedAt     time.Time            `json:"generated_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserCreateRequest struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UserSummary struct {
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	FullName  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	PaymentCash       = "cash"
	PaymentCreditCard = "credit_card"
	PaymentDebitCard  = "debit_card"
	PaymentTransfer   = "transfer"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

const (
	RoleAdmin    = "admin"
	RoleEmployee = "employee"
	RoleCustomer = "customer"
)

var ProductCategories = []string{
	"groceries",
	"beverages",
	"dairy",
	"bakery",
	"produce",
	"meat",
	"household",
	"personal_care",
	"other",
}

func IsPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCreditCard, PaymentDebitCard, PaymentTransfer:
		return true
	default:
		return false
	}
}

func IsPaymentStatus(status string) bool {
	switch status {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

func IsProductCategory(category string) bool {
	for _, c := range ProductCategories {
		if c == category {
			return true
		}
	}
	return false
}

// IsStaff reports whether the role may record sales. "manager" is accepted
// as an alias of employee for tokens issued by older clients.
func IsStaff(role string) bool {
	return role == RoleAdmin || role == RoleEmployee || role == "manager"
}
