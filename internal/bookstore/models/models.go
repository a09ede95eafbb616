package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind is the type of a loyalty ledger entry
type EntryKind string

// Ledger entry kinds
const (
	KindEarn   EntryKind = "EARN"
	KindRedeem EntryKind = "REDEEM"
	KindRefund EntryKind = "REFUND"
)

// Valid reports whether k is a known entry kind
func (k EntryKind) Valid() bool {
	switch k {
	case KindEarn, KindRedeem, KindRefund:
		return true
	}
	return false
}

// Sign returns +1 for credits and -1 for debits
func (k EntryKind) Sign() int64 {
	if k == KindRedeem {
		return -1
	}
	return 1
}

// PointBalance represents a user's materialized loyalty balance
type PointBalance struct {
	UserID    string    `json:"user_id"`
	Points    int64     `json:"points"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is an immutable record of a point movement.
// Points is always a positive magnitude, the sign comes from Kind.
type LedgerEntry struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	OrderID         string          `json:"order_id,omitempty"`
	Kind            EntryKind       `json:"type"`
	Points          int64           `json:"points"`
	ReferenceAmount decimal.Decimal `json:"reference_amount"`
	Note            string          `json:"note,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Delta returns the signed balance change the entry represents
func (e LedgerEntry) Delta() int64 {
	return e.Kind.Sign() * e.Points
}

// BalanceView is the response of a balance query
type BalanceView struct {
	Points      int64           `json:"points"`
	VndPerPoint decimal.Decimal `json:"vnd_per_point"`
	VndValue    decimal.Decimal `json:"vnd_value"`
}

// HistoryFilter selects a page of ledger entries
type HistoryFilter struct {
	Kind  EntryKind
	Page  int
	Limit int
}

// PageMeta describes a page of results
type PageMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// HistoryPage is a page of ledger entries
type HistoryPage struct {
	Items []LedgerEntry `json:"items"`
	Meta  PageMeta      `json:"meta"`
}

// DiscountValueType tells how a discount value is applied
type DiscountValueType string

// Discount value types
const (
	ValuePercentage DiscountValueType = "PERCENTAGE"
	ValueAmount     DiscountValueType = "AMOUNT"
)

// DiscountCode is a promotion code with a bounded number of uses
type DiscountCode struct {
	Code          string            `json:"code"`
	ValueType     DiscountValueType `json:"value_type"`
	Value         decimal.Decimal   `json:"value"`
	UsageLimit    int               `json:"usage_limit"`
	UsedCount     int               `json:"used_count"`
	AppliedOrders []string          `json:"applied_orders"`
	Active        bool              `json:"active"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HasOrder reports whether the code was already applied to orderID
func (d DiscountCode) HasOrder(orderID string) bool {
	for _, id := range d.AppliedOrders {
		if id == orderID {
			return true
		}
	}
	return false
}

// DiscountSpec is the administrative input for creating a code
type DiscountSpec struct {
	Code       string            `json:"code"`
	ValueType  DiscountValueType `json:"value_type"`
	Value      decimal.Decimal   `json:"value"`
	UsageLimit int               `json:"usage_limit"`
	Active     *bool             `json:"active,omitempty"`
}

// DiscountPatch is a partial update of a code. Nil fields are left untouched.
type DiscountPatch struct {
	ValueType  *DiscountValueType `json:"value_type,omitempty"`
	Value      *decimal.Decimal   `json:"value,omitempty"`
	UsageLimit *int               `json:"usage_limit,omitempty"`
	Active     *bool              `json:"active,omitempty"`
}

// DiscountQuote is the result of a dry-run discount validation
type DiscountQuote struct {
	Code            string          `json:"code"`
	Discount        decimal.Decimal `json:"discount"`
	DiscountedTotal decimal.Decimal `json:"discounted_total"`
}

// OrderStatus is the status of an order in the external order workflow
type OrderStatus string

// Order statuses
const (
	StatusPending   OrderStatus = "PENDING"
	StatusPaid      OrderStatus = "PAID"
	StatusShipped   OrderStatus = "SHIPPED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusCompleted OrderStatus = "COMPLETED"
)

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusShipped, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Settles reports whether the status marks the order as paid for
func (s OrderStatus) Settles() bool {
	return s == StatusPaid || s == StatusShipped
}

// OrderSettlementRecord is the part of an order the settlement core tracks
type OrderSettlementRecord struct {
	OrderID        string      `json:"order_id"`
	UserID         string      `json:"user_id"`
	RedeemedPoints int64       `json:"redeemed_points"`
	EarnedPoints   int64       `json:"earned_points"`
	RefundedPoints int64       `json:"refunded_points"`
	Status         OrderStatus `json:"status"`
	Settled        bool        `json:"settled"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// StatusChange is a notification from the order workflow
type StatusChange struct {
	OrderID        string          `json:"order_id"`
	UserID         string          `json:"user_id"`
	Status         OrderStatus     `json:"status"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	RedeemedPoints *int64          `json:"redeemed_points,omitempty"`
}

// CheckoutRequest is the input of a checkout settlement
type CheckoutRequest struct {
	UserID          string          `json:"-"`
	OrderID         string          `json:"order_id"`
	OrderTotal      decimal.Decimal `json:"order_total"`
	DiscountCode    string          `json:"discount_code,omitempty"`
	RequestedPoints int64           `json:"points"`
	Exact           bool            `json:"exact,omitempty"`
}

// CheckoutResult is the payable amount computed for a checkout
type CheckoutResult struct {
	OrderID         string          `json:"order_id"`
	FinalAmount     decimal.Decimal `json:"final_amount"`
	DiscountCode    string          `json:"discount_code,omitempty"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	PointsRedeemed  int64           `json:"points_redeemed"`
}

// OrderInfo is the order view served by the external order service
type OrderInfo struct {
	OrderID        string          `json:"order_id"`
	UserID         string          `json:"user_id"`
	Status         OrderStatus     `json:"status"`
	RedeemedPoints int64           `json:"redeemed_points"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
}
