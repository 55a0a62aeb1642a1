// Package fulfillment drives the kitchen lifecycle of orders and keeps the
// in-memory order board of a device coherent with its peers.
//
// Standard mode:   PENDING -> IN_PROGRESS -> READY -> COMPLETED
// Simplified mode: PENDING -> READY -> COMPLETED
//
// Bump advances one step and is a no-op at COMPLETED. FastComplete jumps any
// order that is not yet READY straight to READY. Nothing moves backwards.
package fulfillment

import (
	"errors"
	"fmt"

	"github.com/orderline/possync/internal/schema"
)

// Mode selects the transition chain.
type Mode string

const (
	ModeStandard   Mode = "standard"
	ModeSimplified Mode = "simplified"
)

// ParseMode converts a config value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStandard, ModeSimplified:
		return Mode(s), nil
	case "":
		return ModeStandard, nil
	}
	return "", fmt.Errorf("unknown fulfillment mode %q (want %s or %s)", s, ModeStandard, ModeSimplified)
}

// ErrInvalidTransition is returned for a move the state machine forbids.
var ErrInvalidTransition = errors.New("invalid fulfillment transition")

// ErrUnknownOrder is returned for a relayed change to an order this device
// does not hold.
var ErrUnknownOrder = errors.New("unknown order")

// ErrNotHosting is returned by PublishCart on a device that is not the P2P host.
var ErrNotHosting = errors.New("not hosting")

// Next returns the status a bump moves s to. ok is false at COMPLETED.
func Next(mode Mode, s schema.FulfillmentStatus) (next schema.FulfillmentStatus, ok bool) {
	switch s {
	case schema.FulfillmentPending:
		if mode == ModeSimplified {
			return schema.FulfillmentReady, true
		}
		return schema.FulfillmentInProgress, true
	case schema.FulfillmentInProgress:
		return schema.FulfillmentReady, true
	case schema.FulfillmentReady:
		return schema.FulfillmentCompleted, true
	}
	return s, false
}

// CanBump reports whether from -> to is a single bump in mode.
func CanBump(mode Mode, from, to schema.FulfillmentStatus) bool {
	next, ok := Next(mode, from)
	return ok && next == to
}

// CanFastComplete reports whether FastComplete applies to from.
func CanFastComplete(from schema.FulfillmentStatus) bool {
	return from == schema.FulfillmentPending || from == schema.FulfillmentInProgress
}

// ValidTransition reports whether from -> to is reachable by one user action:
// a bump, or the fast path to READY.
func ValidTransition(mode Mode, from, to schema.FulfillmentStatus) bool {
	if CanBump(mode, from, to) {
		return true
	}
	return to == schema.FulfillmentReady && CanFastComplete(from)
}
