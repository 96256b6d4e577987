// Package testutil provides an order domain and test doubles shared by
// stoat's tests and examples.
package testutil

import (
	"context"
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-stoat"
)

// OrderType is the aggregate type tag of Order.
const OrderType = "Order"

// Order event types.
const (
	EventOrderCreated   = "OrderCreated"
	EventItemAdded      = "ItemAdded"
	EventOrderShipped   = "OrderShipped"
	EventOrderCancelled = "OrderCancelled"
)

// Order statuses.
const (
	StatusCreated   = "Created"
	StatusShipped   = "Shipped"
	StatusCancelled = "Cancelled"
)

// Order domain errors.
var (
	ErrOrderExists      = errors.New("order already exists")
	ErrOrderNotOpen     = errors.New("order is not open")
	ErrEmptyOrder       = errors.New("cannot ship empty order")
	ErrAlreadyCancelled = errors.New("order already cancelled")
)

// OrderItem represents an item in an order.
type OrderItem struct {
	SKU      string
	Quantity int64
	Price    float64
}

// Order is a snapshot-capable aggregate used across tests.
type Order struct {
	stoat.AggregateBase

	CustomerID     string
	Items          []OrderItem
	Status         string
	TrackingNumber string
	CancelReason   string
}

var _ stoat.StateCodec = (*Order)(nil)

// NewOrder creates a new Order aggregate for testing.
func NewOrder(id string) *Order {
	return &Order{AggregateBase: stoat.NewAggregateBase(id, OrderType)}
}

// raise records an event and applies it to the order's own state.
func (o *Order) raise(eventType string, payload map[string]interface{}) error {
	return o.Apply(o.Raise(eventType, payload))
}

// Create initializes the order.
func (o *Order) Create(customerID string) error {
	if o.Status != "" {
		return ErrOrderExists
	}
	return o.raise(EventOrderCreated, map[string]interface{}{"customer_id": customerID})
}

// AddItem adds an item to the order.
func (o *Order) AddItem(sku string, qty int64, price float64) error {
	if o.Status != StatusCreated {
		return fmt.Errorf("cannot add %s: %w (status %q)", sku, ErrOrderNotOpen, o.Status)
	}
	return o.raise(EventItemAdded, map[string]interface{}{"sku": sku, "quantity": qty, "price": price})
}

// Ship marks the order as shipped.
func (o *Order) Ship(trackingNumber string) error {
	if o.Status != StatusCreated {
		return fmt.Errorf("cannot ship: %w (status %q)", ErrOrderNotOpen, o.Status)
	}
	if len(o.Items) == 0 {
		return ErrEmptyOrder
	}
	return o.raise(EventOrderShipped, map[string]interface{}{"tracking_number": trackingNumber})
}

// Cancel cancels the order.
func (o *Order) Cancel(reason string) error {
	switch o.Status {
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusShipped, "":
		return fmt.Errorf("cannot cancel: %w (status %q)", ErrOrderNotOpen, o.Status)
	}
	return o.raise(EventOrderCancelled, map[string]interface{}{"reason": reason})
}

// TotalAmount calculates the total order amount.
func (o *Order) TotalAmount() float64 {
	total := 0.0
	for _, item := range o.Items {
		total += float64(item.Quantity) * item.Price
	}
	return total
}

// Apply folds one event into the order. It is registered as the handler for
// every order event type.
func (o *Order) Apply(e stoat.DomainEvent) error {
	p := stoat.State(e.Payload)
	var err error
	switch e.EventType {
	case EventOrderCreated:
		o.CustomerID, err = p.String("customer_id")
		o.Status = StatusCreated
	case EventItemAdded:
		var item OrderItem
		if item.SKU, err = p.String("sku"); err != nil {
			return err
		}
		if item.Quantity, err = p.Int64("quantity"); err != nil {
			return err
		}
		if item.Price, err = p.Float64("price"); err != nil {
			return err
		}
		o.Items = append(o.Items, item)
	case EventOrderShipped:
		o.TrackingNumber, err = p.String("tracking_number")
		o.Status = StatusShipped
	case EventOrderCancelled:
		o.CancelReason, err = p.String("reason")
		o.Status = StatusCancelled
	default:
		return fmt.Errorf("order: unknown event %s", e.EventType)
	}
	return err
}

// SnapshotState captures the order's fields.
func (o *Order) SnapshotState() (stoat.State, error) {
	items := make([]interface{}, len(o.Items))
	for i, item := range o.Items {
		items[i] = map[string]interface{}{"sku": item.SKU, "quantity": item.Quantity, "price": item.Price}
	}
	return stoat.State{
		"customer_id":     o.CustomerID,
		"items":           items,
		"status":          o.Status,
		"tracking_number": o.TrackingNumber,
		"cancel_reason":   o.CancelReason,
	}, nil
}

// RestoreState restores the fields captured by SnapshotState.
func (o *Order) RestoreState(s stoat.State) error {
	var err error
	if o.CustomerID, err = s.String("customer_id"); err != nil {
		return err
	}
	if o.Status, err = s.String("status"); err != nil {
		return err
	}
	if o.TrackingNumber, err = s.String("tracking_number"); err != nil {
		return err
	}
	if o.CancelReason, err = s.String("cancel_reason"); err != nil {
		return err
	}
	items, err := s.Objects("items")
	if err != nil {
		return err
	}
	o.Items = nil
	for _, item := range items {
		var it OrderItem
		if it.SKU, err = item.String("sku"); err != nil {
			return err
		}
		if it.Quantity, err = item.Int64("quantity"); err != nil {
			return err
		}
		if it.Price, err = item.Float64("price"); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return nil
}

// RegisterOrder registers Order and its event handlers.
func RegisterOrder(r *stoat.AggregateRegistry) {
	reg := stoat.RegisterAggregate(r, OrderType, NewOrder)
	for _, eventType := range []string{EventOrderCreated, EventItemAdded, EventOrderShipped, EventOrderCancelled} {
		reg.On(eventType, (*Order).Apply)
	}
}

// NewOrderRegistry returns a registry holding only Order.
func NewOrderRegistry() *stoat.AggregateRegistry {
	r := stoat.NewAggregateRegistry()
	RegisterOrder(r)
	return r
}

// OrderEvents builds unversioned order events from (type, payload) pairs,
// for seeding a store.
func OrderEvents(pairs ...interface{}) []stoat.DomainEvent {
	events := make([]stoat.DomainEvent, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		events = append(events, stoat.DomainEvent{
			AggregateType: OrderType,
			EventType:     pairs[i].(string),
			SchemaVersion: 1,
			Payload:       pairs[i+1].(map[string]interface{}),
		})
	}
	return events
}

// =============================================================================
// Commands
// =============================================================================

// CreateOrder opens a new order. The handler assigns the id.
type CreateOrder struct {
	stoat.CommandBase
	CustomerID string
}

func (c CreateOrder) CommandType() string { return "CreateOrder" }
func (c CreateOrder) AggregateID() string { return "" }
func (c CreateOrder) Validate() error {
	if c.CustomerID == "" {
		return stoat.NewValidationError("CreateOrder", "CustomerID", "required")
	}
	return nil
}

// AddItem adds an item to an open order.
type AddItem struct {
	stoat.CommandBase
	OrderID  string
	SKU      string
	Quantity int64
	Price    float64
}

func (c AddItem) CommandType() string { return "AddItem" }
func (c AddItem) AggregateID() string { return c.OrderID }
func (c AddItem) Validate() error {
	v := stoat.NewMultiValidationError("AddItem")
	if c.OrderID == "" {
		v.AddField("OrderID", "required")
	}
	if c.SKU == "" {
		v.AddField("SKU", "required")
	}
	if c.Quantity <= 0 {
		v.AddField("Quantity", "must be positive")
	}
	return v.ErrOrNil()
}

// ShipOrder ships an open order.
type ShipOrder struct {
	stoat.CommandBase
	OrderID        string
	TrackingNumber string
}

func (c ShipOrder) CommandType() string { return "ShipOrder" }
func (c ShipOrder) AggregateID() string { return c.OrderID }
func (c ShipOrder) Validate() error {
	if c.OrderID == "" {
		return stoat.NewValidationError("ShipOrder", "OrderID", "required")
	}
	return nil
}

// RegisterOrderHandlers registers aggregate handlers for the order commands.
// newID may be nil to use random ids.
func RegisterOrderHandlers(bus *stoat.CommandBus, repo *stoat.Repository, newID func() string) {
	bus.Register(stoat.NewAggregateHandler(stoat.AggregateHandlerConfig[CreateOrder, *Order]{
		Repository:    repo,
		AggregateType: OrderType,
		Factory:       NewOrder,
		NewID:         newID,
		Executor: func(_ context.Context, o *Order, c CreateOrder) error {
			return o.Create(c.CustomerID)
		},
	}))
	bus.Register(stoat.NewAggregateHandler(stoat.AggregateHandlerConfig[AddItem, *Order]{
		Repository:    repo,
		AggregateType: OrderType,
		Executor: func(_ context.Context, o *Order, c AddItem) error {
			return o.AddItem(c.SKU, c.Quantity, c.Price)
		},
	}))
	bus.Register(stoat.NewAggregateHandler(stoat.AggregateHandlerConfig[ShipOrder, *Order]{
		Repository:    repo,
		AggregateType: OrderType,
		Executor: func(_ context.Context, o *Order, c ShipOrder) error {
			return o.Ship(c.TrackingNumber)
		},
	}))
}
