// Package entity defines the closed set of business entities the sync engine
// operates on, together with the typed mutation payloads carried on the queue.
package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection names an entity collection in the remote store. Every read and
// write is additionally scoped by the tenant StoreID carried on the entity.
type Collection string

const (
	Products      Collection = "products"
	Customers     Collection = "customers"
	Orders        Collection = "orders"
	Notifications Collection = "notifications"
)

// Collections lists every known collection in a stable order.
func Collections() []Collection {
	return []Collection{Products, Customers, Orders, Notifications}
}

// Entity is implemented by all business record types.
type Entity interface {
	// EntityID returns the opaque record identifier.
	EntityID() string

	// EntityCollection returns the collection the record belongs to.
	EntityCollection() Collection

	// TenantID returns the owning store (tenant) identifier.
	TenantID() string

	// Clone returns a deep copy, safe to retain as a rollback snapshot.
	Clone() Entity

	// WithID returns a copy with the given identifier. Used when a
	// server-assigned id replaces a local temporary id.
	WithID(id string) Entity
}

// Stock is a nullable product quantity. A null stock means "unknown or
// unbounded quantity" and is a valid business state, not an error.
type Stock struct {
	Valid bool
	Count int64
}

// StockOf returns a known stock count.
func StockOf(n int64) Stock { return Stock{Valid: true, Count: n} }

// NullStock returns the unknown-quantity state.
func NullStock() Stock { return Stock{} }

func (s Stock) MarshalJSON() ([]byte, error) {
	if !s.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(s.Count)
}

func (s *Stock) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = Stock{}
		return nil
	}
	s.Valid = true
	return json.Unmarshal(data, &s.Count)
}

// Product is a sellable item. Price and thresholds are in minor currency
// units (cents).
type Product struct {
	ID                string    `json:"id"`
	StoreID           string    `json:"store_id"`
	Name              string    `json:"name"`
	Price             int64     `json:"price"`
	Stock             Stock     `json:"stock"`
	LowStockThreshold int64     `json:"low_stock_threshold"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (p *Product) EntityID() string             { return p.ID }
func (p *Product) EntityCollection() Collection { return Products }
func (p *Product) TenantID() string             { return p.StoreID }
func (p *Product) Clone() Entity                { c := *p; return &c }
func (p *Product) WithID(id string) Entity      { c := *p; c.ID = id; return &c }

// Customer carries an outstanding credit balance owed to the store, in
// cents. The balance never goes below zero.
type Customer struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Customer) EntityID() string             { return c.ID }
func (c *Customer) EntityCollection() Collection { return Customers }
func (c *Customer) TenantID() string             { return c.StoreID }
func (c *Customer) Clone() Entity                { cp := *c; return &cp }
func (c *Customer) WithID(id string) Entity      { cp := *c; cp.ID = id; return &cp }

// OrderStatus enumerates the order lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// OrderItem is a line on an order.
type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Order is immutable once created except for its Status.
type Order struct {
	ID         string      `json:"id"`
	StoreID    string      `json:"store_id"`
	CustomerID string      `json:"customer_id,omitempty"`
	Items      []OrderItem `json:"items"`
	Total      int64       `json:"total"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (o *Order) EntityID() string             { return o.ID }
func (o *Order) EntityCollection() Collection { return Orders }
func (o *Order) TenantID() string             { return o.StoreID }

func (o *Order) Clone() Entity {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}

func (o *Order) WithID(id string) Entity {
	c := o.Clone().(*Order)
	c.ID = id
	return c
}

// Notification is a user-facing message. Notifications originate either from
// the remote store or locally (e.g. low-stock warnings).
type Notification struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (n *Notification) EntityID() string             { return n.ID }
func (n *Notification) EntityCollection() Collection { return Notifications }
func (n *Notification) TenantID() string             { return n.StoreID }
func (n *Notification) Clone() Entity                { c := *n; return &c }
func (n *Notification) WithID(id string) Entity      { c := *n; c.ID = id; return &c }

// Decode unmarshals a record of the given collection.
func Decode(c Collection, data []byte) (Entity, error) {
	var e Entity
	switch c {
	case Products:
		e = &Product{}
	case Customers:
		e = &Customer{}
	case Orders:
		e = &Order{}
	case Notifications:
		e = &Notification{}
	default:
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", c, err)
	}
	return e, nil
}
