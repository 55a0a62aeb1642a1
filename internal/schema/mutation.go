package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is the kind of change recorded in an outbox row.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// IsValid reports whether op is a known mutation kind.
func (op Op) IsValid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// OrderMutation is the payload stored in the order outbox.
type OrderMutation struct {
	Op    Op     `json:"op"`
	Order *Order `json:"order"`
}

// CustomerMutation is the payload stored in the customer outbox.
type CustomerMutation struct {
	Op       Op        `json:"op"`
	Customer *Customer `json:"customer"`
}

// EncodeOrderMutation serializes a mutation for the outbox.
func EncodeOrderMutation(op Op, order *Order) ([]byte, error) {
	if !op.IsValid() {
		return nil, fmt.Errorf("invalid op: %q", op)
	}
	if order == nil {
		return nil, fmt.Errorf("order is required")
	}
	return json.Marshal(OrderMutation{Op: op, Order: order})
}

// DecodeOrderMutation parses and validates an outbox payload.
func DecodeOrderMutation(payload []byte) (*OrderMutation, error) {
	var m OrderMutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to parse order mutation: %w", err)
	}
	if !m.Op.IsValid() {
		return nil, fmt.Errorf("invalid op: %q", m.Op)
	}
	if m.Order == nil {
		return nil, fmt.Errorf("order mutation has no order")
	}
	if m.Op != OpDelete {
		if err := m.Order.Validate(); err != nil {
			return nil, fmt.Errorf("invalid order: %w", err)
		}
	} else if m.Order.ID == "" {
		return nil, fmt.Errorf("delete mutation has no order id")
	}
	return &m, nil
}

// EncodeCustomerMutation serializes a customer mutation for the outbox.
func EncodeCustomerMutation(op Op, customer *Customer) ([]byte, error) {
	if !op.IsValid() {
		return nil, fmt.Errorf("invalid op: %q", op)
	}
	if customer == nil {
		return nil, fmt.Errorf("customer is required")
	}
	return json.Marshal(CustomerMutation{Op: op, Customer: customer})
}

// DecodeCustomerMutation parses and validates a customer outbox payload.
func DecodeCustomerMutation(payload []byte) (*CustomerMutation, error) {
	var m CustomerMutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to parse customer mutation: %w", err)
	}
	if !m.Op.IsValid() {
		return nil, fmt.Errorf("invalid op: %q", m.Op)
	}
	if m.Customer == nil {
		return nil, fmt.Errorf("customer mutation has no customer")
	}
	if m.Op != OpDelete {
		if err := m.Customer.Validate(); err != nil {
			return nil, fmt.Errorf("invalid customer: %w", err)
		}
	}
	return &m, nil
}

// TimeLayout is the fixed-width UTC layout used for persisted timestamps.
// Values in this layout sort lexicographically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp, falling back to RFC3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
