package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Patch is a typed partial update for one collection. Patches are recorded on
// the mutation queue and re-applied on top of a fresh remote baseline during
// conflict resolution, so relative adjustments (stock deltas, balance deltas)
// survive concurrent remote edits to unrelated fields.
type Patch interface {
	// PatchCollection returns the collection this patch targets.
	PatchCollection() Collection

	// ApplyTo merges the patch into a copy of e and returns it. The input
	// entity is never mutated.
	ApplyTo(e Entity) (Entity, error)
}

// ProductPatch updates a product. Stock can be set absolutely (including to
// the null "unknown" state) or adjusted relatively via StockDelta; a relative
// adjustment on a null stock leaves the stock null.
type ProductPatch struct {
	Name              *string `json:"name,omitempty"`
	Price             *int64  `json:"price,omitempty"`
	Stock             *Stock  `json:"stock,omitempty"`
	StockDelta        *int64  `json:"stock_delta,omitempty"`
	LowStockThreshold *int64  `json:"low_stock_threshold,omitempty"`
}

func (p ProductPatch) PatchCollection() Collection { return Products }

func (p ProductPatch) ApplyTo(e Entity) (Entity, error) {
	prod, ok := e.(*Product)
	if !ok {
		return nil, fmt.Errorf("product patch applied to %T", e)
	}
	out := prod.Clone().(*Product)
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Price != nil {
		out.Price = *p.Price
	}
	if p.Stock != nil {
		out.Stock = *p.Stock
	}
	if p.StockDelta != nil && out.Stock.Valid {
		out.Stock.Count += *p.StockDelta
	}
	if p.LowStockThreshold != nil {
		out.LowStockThreshold = *p.LowStockThreshold
	}
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// CustomerPatch updates a customer. BalanceDelta is relative (a repayment is
// a negative delta) and the resulting balance is clamped at zero.
type CustomerPatch struct {
	Name         *string `json:"name,omitempty"`
	Phone        *string `json:"phone,omitempty"`
	BalanceDelta *int64  `json:"balance_delta,omitempty"`
}

func (p CustomerPatch) PatchCollection() Collection { return Customers }

func (p CustomerPatch) ApplyTo(e Entity) (Entity, error) {
	cust, ok := e.(*Customer)
	if !ok {
		return nil, fmt.Errorf("customer patch applied to %T", e)
	}
	out := cust.Clone().(*Customer)
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Phone != nil {
		out.Phone = *p.Phone
	}
	if p.BalanceDelta != nil {
		out.Balance += *p.BalanceDelta
		if out.Balance < 0 {
			out.Balance = 0
		}
	}
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// OrderPatch updates an order. Orders are immutable once created except for
// their status.
type OrderPatch struct {
	Status *OrderStatus `json:"status,omitempty"`
}

func (p OrderPatch) PatchCollection() Collection { return Orders }

func (p OrderPatch) ApplyTo(e Entity) (Entity, error) {
	ord, ok := e.(*Order)
	if !ok {
		return nil, fmt.Errorf("order patch applied to %T", e)
	}
	out := ord.Clone().(*Order)
	if p.Status != nil {
		out.Status = *p.Status
	}
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// NotificationPatch updates a notification's read flag.
type NotificationPatch struct {
	Read *bool `json:"read,omitempty"`
}

func (p NotificationPatch) PatchCollection() Collection { return Notifications }

func (p NotificationPatch) ApplyTo(e Entity) (Entity, error) {
	n, ok := e.(*Notification)
	if !ok {
		return nil, fmt.Errorf("notification patch applied to %T", e)
	}
	out := n.Clone().(*Notification)
	if p.Read != nil {
		out.Read = *p.Read
	}
	return out, nil
}

// DecodePatch unmarshals a patch for the given collection.
func DecodePatch(c Collection, data []byte) (Patch, error) {
	switch c {
	case Products:
		var p ProductPatch
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode product patch: %w", err)
		}
		return p, nil
	case Customers:
		var p CustomerPatch
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode customer patch: %w", err)
		}
		return p, nil
	case Orders:
		var p OrderPatch
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode order patch: %w", err)
		}
		return p, nil
	case Notifications:
		var p NotificationPatch
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode notification patch: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown collection %q", c)
	}
}
