// Package p2p is the device-to-device fallback transport.
//
// One device hosts: it advertises itself with UDP beacons and accepts
// websocket connections from every peer that finds it. Other devices join as
// clients: they listen for beacons, connect to the first compatible host and
// stop listening while connected. A device is never host and client at once.
//
// Messages are Envelopes, fire-and-forget and at-most-once. The host fans
// each message out to all peers; clients only talk to the host.
package p2p

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orderline/possync/internal/schema"
)

// MessageType identifies the payload of an Envelope.
type MessageType string

const (
	// TypeSnapshot carries the host's full active order list. host -> clients
	TypeSnapshot MessageType = "SNAPSHOT"
	// TypeOrderAdded carries one new order. host -> clients
	TypeOrderAdded MessageType = "ORDER_ADDED"
	// TypeOrderUpdated carries one changed order. host -> clients
	TypeOrderUpdated MessageType = "ORDER_UPDATED"
	// TypeStatusUpdate carries a fulfillment change made on a client. client -> host
	TypeStatusUpdate MessageType = "STATUS_UPDATE"
	// TypeCartUpdate carries the live cart for customer displays. Never persisted.
	TypeCartUpdate MessageType = "CART_UPDATE"
	// TypeSnapshotRequest asks the host for a SNAPSHOT. client -> host
	TypeSnapshotRequest MessageType = "SNAPSHOT_REQUEST"
)

// IsValid reports whether t is a known message type.
func (t MessageType) IsValid() bool {
	switch t {
	case TypeSnapshot, TypeOrderAdded, TypeOrderUpdated, TypeStatusUpdate, TypeCartUpdate, TypeSnapshotRequest:
		return true
	}
	return false
}

// FromHost reports whether t flows from the host to clients.
func (t MessageType) FromHost() bool {
	switch t {
	case TypeSnapshot, TypeOrderAdded, TypeOrderUpdated, TypeCartUpdate:
		return true
	}
	return false
}

// ErrUnknownType is returned when decoding an envelope of an unknown type.
var ErrUnknownType = errors.New("unknown message type")

// Envelope is the wire unit. Payload is itself an encoded entity or list.
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload string      `json:"payload"`
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	if !e.Type.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return json.Marshal(e)
}

// ParseEnvelope decodes a wire message.
func ParseEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if !e.Type.IsValid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return e, nil
}

// NewOrderEnvelope wraps a single order (ORDER_ADDED, ORDER_UPDATED, STATUS_UPDATE).
func NewOrderEnvelope(t MessageType, order *schema.Order) (Envelope, error) {
	switch t {
	case TypeOrderAdded, TypeOrderUpdated, TypeStatusUpdate:
	default:
		return Envelope{}, fmt.Errorf("%s does not carry a single order", t)
	}
	data, err := json.Marshal(order)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal order %s: %w", order.ID, err)
	}
	return Envelope{Type: t, Payload: string(data)}, nil
}

// NewSnapshotEnvelope wraps the full active order list.
func NewSnapshotEnvelope(orders []*schema.Order) (Envelope, error) {
	data, err := schema.MarshalOrders(orders)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return Envelope{Type: TypeSnapshot, Payload: string(data)}, nil
}

// Order decodes a single-order payload.
func (e Envelope) Order() (*schema.Order, error) {
	var order schema.Order
	if err := json.Unmarshal([]byte(e.Payload), &order); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", e.Type, err)
	}
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order in %s: %w", e.Type, err)
	}
	return &order, nil
}

// Orders decodes a SNAPSHOT payload.
func (e Envelope) Orders() ([]*schema.Order, error) {
	if e.Type != TypeSnapshot {
		return nil, fmt.Errorf("%s is not a snapshot", e.Type)
	}
	orders, err := schema.UnmarshalOrders([]byte(e.Payload))
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("invalid order %s in snapshot: %w", o.ID, err)
		}
	}
	return orders, nil
}

// Cart is the in-progress sale shown on customer displays.
type Cart struct {
	Items         []schema.LineItem `json:"items"`
	SubtotalCents int64             `json:"subtotal_cents"`
	TaxCents      int64             `json:"tax_cents"`
	DiscountCents int64             `json:"discount_cents"`
	TotalCents    int64             `json:"total_cents"`
}

// NewCart builds a cart and fills in its totals the way orders are totalled.
func NewCart(items []schema.LineItem, taxCents, discountCents int64) Cart {
	cart := Cart{Items: items, TaxCents: taxCents, DiscountCents: discountCents}
	for _, item := range items {
		cart.SubtotalCents += item.PriceCents * int64(item.Quantity)
	}
	cart.TotalCents = cart.SubtotalCents + taxCents - discountCents
	return cart
}

// NewCartEnvelope wraps a live cart preview.
func NewCartEnvelope(cart Cart) (Envelope, error) {
	data, err := json.Marshal(cart)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal cart: %w", err)
	}
	return Envelope{Type: TypeCartUpdate, Payload: string(data)}, nil
}

// Cart decodes a CART_UPDATE payload.
func (e Envelope) Cart() (Cart, error) {
	var cart Cart
	if e.Type != TypeCartUpdate {
		return cart, fmt.Errorf("%s is not a cart update", e.Type)
	}
	if err := json.Unmarshal([]byte(e.Payload), &cart); err != nil {
		return cart, fmt.Errorf("failed to parse cart: %w", err)
	}
	return cart, nil
}
