package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultShareTTL is how long a shared list lives before the sweeper removes it.
const DefaultShareTTL = 24 * time.Hour

// ShoppingList is an ephemeral, collaboratively edited list identified by
// an unguessable share token.
type ShoppingList struct {
	ShareToken string     `json:"shareId" db:"share_token"`
	Title      string     `json:"title" db:"title"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	ExpiresAt  time.Time  `json:"expiresAt" db:"expires_at"`
	Items      []LineItem `json:"picklist"`
}

// Expired reports whether the list is past its expiry at the given instant.
func (l *ShoppingList) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// SupplierOffer is one candidate supplier match for a line item.
type SupplierOffer struct {
	Supplier  string          `json:"supplier"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// LineItem is one product line on a shopping list. Index is the position of
// the item in the list and is the only key partial updates use.
type LineItem struct {
	Index             int              `json:"index" db:"idx"`
	ItemText          string           `json:"item" db:"item_text"`
	ProductID         string           `json:"productId,omitempty" db:"product_id"`
	SelectedSupplier  string           `json:"selectedSupplier,omitempty" db:"selected_supplier"`
	UnitPrice         *decimal.Decimal `json:"unitPrice,omitempty" db:"unit_price"`
	TotalPrice        *decimal.Decimal `json:"totalPrice,omitempty" db:"total_price"`
	RequestedQuantity int              `json:"requestedQuantity" db:"requested_quantity"`
	PurchasedQuantity int              `json:"purchasedQuantity" db:"purchased_quantity"`
	BackOrdered       bool             `json:"backOrdered" db:"back_ordered"`
	Offers            []SupplierOffer  `json:"offers,omitempty" db:"offers"`
}

// PurchaseState is derived from a LineItem and never stored.
type PurchaseState struct {
	Remaining  int
	IsPartial  bool
	IsComplete bool
}

// State derives the purchase state of the item.
func (i LineItem) State() PurchaseState {
	remaining := i.RequestedQuantity - i.PurchasedQuantity
	if remaining < 0 {
		remaining = 0
	}
	return PurchaseState{
		Remaining:  remaining,
		IsPartial:  i.PurchasedQuantity > 0 && i.PurchasedQuantity < i.RequestedQuantity,
		IsComplete: i.PurchasedQuantity >= i.RequestedQuantity,
	}
}

// Offer returns the offer for the named supplier, if the item carries one.
func (i LineItem) Offer(supplier string) (SupplierOffer, bool) {
	for _, o := range i.Offers {
		if o.Supplier == supplier {
			return o, true
		}
	}
	return SupplierOffer{}, false
}

// Clone returns a deep copy of the item.
func (i LineItem) Clone() LineItem {
	c := i
	if i.UnitPrice != nil {
		p := *i.UnitPrice
		c.UnitPrice = &p
	}
	if i.TotalPrice != nil {
		p := *i.TotalPrice
		c.TotalPrice = &p
	}
	if i.Offers != nil {
		c.Offers = append([]SupplierOffer(nil), i.Offers...)
	}
	return c
}

// CloneItems deep copies a picklist.
func CloneItems(items []LineItem) []LineItem {
	if items == nil {
		return nil
	}
	out := make([]LineItem, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out
}

// QuantityUpdate sets the purchased quantity of one item.
type QuantityUpdate struct {
	Index             int `json:"index"`
	PurchasedQuantity int `json:"purchasedQuantity"`
}
