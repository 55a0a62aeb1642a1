// Package schema provides the data structures shared by every possync component:
// orders, customers, catalog entities and the outbox mutation wrapper.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FulfillmentStatus is the kitchen lifecycle state of an order.
// It is distinct from the business Status (payment state).
type FulfillmentStatus string

const (
	FulfillmentPending    FulfillmentStatus = "PENDING"
	FulfillmentInProgress FulfillmentStatus = "IN_PROGRESS"
	FulfillmentReady      FulfillmentStatus = "READY"
	FulfillmentCompleted  FulfillmentStatus = "COMPLETED"
)

// IsValid reports whether s is one of the four known fulfillment states.
func (s FulfillmentStatus) IsValid() bool {
	switch s {
	case FulfillmentPending, FulfillmentInProgress, FulfillmentReady, FulfillmentCompleted:
		return true
	}
	return false
}

// Rank orders the states along the kitchen lifecycle.
func (s FulfillmentStatus) Rank() int {
	switch s {
	case FulfillmentPending:
		return 0
	case FulfillmentInProgress:
		return 1
	case FulfillmentReady:
		return 2
	case FulfillmentCompleted:
		return 3
	default:
		return -1
	}
}

// OrderStatus is the business (payment) status of an order.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusPaid     OrderStatus = "paid"
	StatusVoided   OrderStatus = "voided"
	StatusRefunded OrderStatus = "refunded"
)

// IsValid reports whether s is a known business status.
func (s OrderStatus) IsValid() bool {
	switch s {
	case StatusOpen, StatusPaid, StatusVoided, StatusRefunded:
		return true
	}
	return false
}

// LineItem is a single product line on an order.
// Completed is a kitchen display flag only; it never drives FulfillmentStatus.
type LineItem struct {
	Name       string   `json:"name"`
	PriceCents int64    `json:"price_cents"`
	Quantity   int      `json:"quantity"`
	Modifiers  []string `json:"modifiers,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	Completed  bool     `json:"completed"`
}

// Order is the replicated sale record.
//
// Version is bumped on every local mutation and is used to resolve concurrent
// updates from several displays (highest version wins, then latest UpdatedAt).
type Order struct {
	ID          string `json:"id"`
	BusinessDay string `json:"business_day"` // YYYY-MM-DD
	OrderNumber int    `json:"order_number"`

	Items         []LineItem `json:"items"`
	SubtotalCents int64      `json:"subtotal_cents"`
	TaxCents      int64      `json:"tax_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TotalCents    int64      `json:"total_cents"`
	PaymentMethod string     `json:"payment_method,omitempty"`

	Status            OrderStatus       `json:"status"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`

	CustomerID string `json:"customer_id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	Version    int64  `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BusinessDayLayout formats Order.BusinessDay.
const BusinessDayLayout = "2006-01-02"

// BusinessDayOf returns the business day an order placed at t belongs to.
func BusinessDayOf(t time.Time) string {
	return t.Format(BusinessDayLayout)
}

// Validate checks if the Order has valid field values.
func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := time.Parse(BusinessDayLayout, o.BusinessDay); err != nil {
		return fmt.Errorf("business_day must be YYYY-MM-DD (got %q)", o.BusinessDay)
	}
	if o.OrderNumber <= 0 {
		return fmt.Errorf("order_number must be positive (got %d)", o.OrderNumber)
	}
	if !o.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", o.Status)
	}
	if !o.FulfillmentStatus.IsValid() {
		return fmt.Errorf("invalid fulfillment_status: %q", o.FulfillmentStatus)
	}
	for i, item := range o.Items {
		if strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("item %d: name is required", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("item %d: quantity must be positive (got %d)", i, item.Quantity)
		}
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if o.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// UniqueKey is the natural key that must be unique across devices:
// one order number per business day.
func (o *Order) UniqueKey() string {
	return fmt.Sprintf("%s#%d", o.BusinessDay, o.OrderNumber)
}

// RecalculateTotals derives subtotal and total from the line items.
// Tax and discount are taken as given.
func (o *Order) RecalculateTotals() {
	var subtotal int64
	for _, item := range o.Items {
		subtotal += item.PriceCents * int64(item.Quantity)
	}
	o.SubtotalCents = subtotal
	o.TotalCents = subtotal + o.TaxCents - o.DiscountCents
}

// Touch records a local mutation: bumps Version and UpdatedAt.
func (o *Order) Touch(now time.Time) {
	o.Version++
	o.UpdatedAt = now.UTC()
}

// IsActive reports whether the order still belongs on kitchen and customer displays.
func (o *Order) IsActive() bool {
	return o.FulfillmentStatus != FulfillmentCompleted && o.Status != StatusVoided
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	if o.Items != nil {
		c.Items = make([]LineItem, len(o.Items))
		for i, item := range o.Items {
			c.Items[i] = item
			if item.Modifiers != nil {
				c.Items[i].Modifiers = append([]string(nil), item.Modifiers...)
			}
		}
	}
	return &c
}

// Newer reports whether o should replace other under last-writer-wins.
func (o *Order) Newer(other *Order) bool {
	if other == nil {
		return true
	}
	if o.Version != other.Version {
		return o.Version > other.Version
	}
	return o.UpdatedAt.After(other.UpdatedAt)
}

// MarshalOrders encodes a list of orders for snapshots.
func MarshalOrders(orders []*Order) ([]byte, error) {
	if orders == nil {
		orders = []*Order{}
	}
	return json.Marshal(orders)
}

// UnmarshalOrders decodes a snapshot list.
func UnmarshalOrders(data []byte) ([]*Order, error) {
	var orders []*Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("failed to parse order list: %w", err)
	}
	return orders, nil
}
