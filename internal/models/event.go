// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package models

// Event types derived from backend operation types.
const (
	EventOrderCreated   = "order_created"
	EventOrderUpdated   = "order_updated"
	EventOrderCompleted = "order_completed"
	EventOrderDeleted   = "order_deleted"
)

// ExtraDataNull is the literal the backend emits for an absent extraData
// payload. Events carrying it are skipped during polling.
const ExtraDataNull = "(Null)"

// Event is a single order state transition from the backend event feed.
type Event struct {
	ID            int64  `json:"id"`
	Type          string `json:"type"`
	OperationType string `json:"operationType"`
	OperationTime string `json:"operationTime"`
	TaskNumber    string `json:"taskNumber"`
	OldState      string `json:"oldState"`
	NewState      string `json:"newState"`

	// ExtraData is the backend's raw JSON side-channel. It may carry the
	// order id when the event itself does not.
	ExtraData string `json:"extraData,omitempty"`

	// Order is the embedded order payload, when the backend includes one.
	Order *Order `json:"order,omitempty"`
}

// operationTypeMap translates backend operation names to event types.
var operationTypeMap = map[string]string{
	"Create":      EventOrderCreated,
	"OnShelf":     EventOrderCreated,
	"UpdateState": EventOrderUpdated,
	"Finish":      EventOrderCompleted,
	"Delete":      EventOrderDeleted,
	"OffShelf":    EventOrderDeleted,
}

// EventTypeFor maps a backend operation type to the canonical event type.
// Unknown operations map to order_updated so state rules still apply.
func EventTypeFor(operationType string) string {
	if t, ok := operationTypeMap[operationType]; ok {
		return t
	}
	return EventOrderUpdated
}

// RequiresInsert reports whether this event should (re)insert the order
// into the recommendation pool: the order entered WaitReceive.
func (e *Event) RequiresInsert() bool {
	return e.NewState == StateWaitReceive
}

// RequiresRemove reports whether this event should remove the order from
// the pool: the order left WaitReceive.
func (e *Event) RequiresRemove() bool {
	return e.OldState == StateWaitReceive && e.NewState != StateWaitReceive
}
