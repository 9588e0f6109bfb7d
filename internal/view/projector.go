// Package view derives the supplier-grouped display rows of a shopping list.
// Nothing here is stored: a partially purchased item is split into a
// purchased row and a remaining row on every projection, from its single
// purchased quantity.
package view

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Kerhoff/picklistsync/internal/models"
)

// NoSupplier names the group of items without a selected supplier. It is
// always ordered last.
const NoSupplier = "No supplier"

// RowKind distinguishes regular rows from the two halves of a split item.
type RowKind int

const (
	RowRegular RowKind = iota
	RowPurchased
	RowRemaining
)

// Row is one display row. Key is a render key only and is never used to
// address the store; ParentIndex is the real item index.
type Row struct {
	Key         string
	Kind        RowKind
	ParentIndex int
	ItemText    string
	ProductID   string
	Supplier    string
	Quantity    int
	UnitPrice   decimal.Decimal
	LineTotal   decimal.Decimal
	Checked     bool
	BackOrdered bool
}

// Totals are cost sums over a set of items.
type Totals struct {
	Total     decimal.Decimal
	Completed decimal.Decimal
	Remaining decimal.Decimal
}

// Group holds the visible rows of one supplier.
type Group struct {
	Supplier   string
	NoSupplier bool
	Rows       []Row
	Totals     Totals
}

// Projection is the full derived view.
type Projection struct {
	Groups         []Group
	Totals         Totals
	TotalItems     int
	CompletedItems int
}

// Options control visibility.
type Options struct {
	ShowCompleted bool
}

// Project groups the picklist by supplier and splits partial purchases.
// checked holds the fully purchased indices and partial the purchased
// quantity of partially purchased ones; together they are the purchase
// state for this pass. Totals are recomputed from scratch on every call.
func Project(picklist []models.LineItem, checked map[int]bool, partial map[int]int, opts Options) Projection {
	var p Projection
	groups := map[string]*Group{}
	var order []string

	for i, item := range picklist {
		supplier := strings.TrimSpace(item.SelectedSupplier)
		key := strings.ToLower(supplier)
		g, ok := groups[key]
		if !ok {
			g = &Group{Supplier: supplier, NoSupplier: supplier == ""}
			if g.NoSupplier {
				g.Supplier = NoSupplier
			}
			groups[key] = g
			order = append(order, key)
		}

		purchased := purchasedQuantity(i, item, checked, partial)
		unit := unitPrice(item)
		itemTotals := Totals{
			Total:     unit.Mul(decimal.NewFromInt(int64(item.RequestedQuantity))),
			Completed: unit.Mul(decimal.NewFromInt(int64(purchased))),
		}
		itemTotals.Remaining = itemTotals.Total.Sub(itemTotals.Completed)
		g.Totals = g.Totals.add(itemTotals)
		p.Totals = p.Totals.add(itemTotals)

		p.TotalItems++
		if purchased >= item.RequestedQuantity {
			p.CompletedItems++
		}

		g.Rows = append(g.Rows, rowsFor(i, item, supplier, unit, purchased, opts)...)
	}

	sort.SliceStable(order, func(a, b int) bool {
		ga, gb := groups[order[a]], groups[order[b]]
		if ga.NoSupplier != gb.NoSupplier {
			return gb.NoSupplier
		}
		return order[a] < order[b]
	})

	for _, key := range order {
		g := groups[key]
		if len(g.Rows) == 0 {
			continue
		}
		p.Groups = append(p.Groups, *g)
	}
	return p
}

func rowsFor(i int, item models.LineItem, supplier string, unit decimal.Decimal, purchased int, opts Options) []Row {
	base := Row{
		ParentIndex: i,
		ItemText:    item.ItemText,
		ProductID:   item.ProductID,
		Supplier:    supplier,
		UnitPrice:   unit,
		BackOrdered: item.BackOrdered,
	}

	remaining := item.RequestedQuantity - purchased
	if purchased > 0 && remaining > 0 {
		var rows []Row
		if opts.ShowCompleted {
			done := base
			done.Key = strconv.Itoa(i) + "_purchased"
			done.Kind = RowPurchased
			done.Quantity = purchased
			done.LineTotal = unit.Mul(decimal.NewFromInt(int64(purchased)))
			done.Checked = true
			rows = append(rows, done)
		}
		rest := base
		rest.Key = strconv.Itoa(i) + "_remaining"
		rest.Kind = RowRemaining
		rest.Quantity = remaining
		rest.LineTotal = unit.Mul(decimal.NewFromInt(int64(remaining)))
		return append(rows, rest)
	}

	complete := purchased >= item.RequestedQuantity
	if complete && !opts.ShowCompleted {
		return nil
	}
	row := base
	row.Key = strconv.Itoa(i)
	row.Kind = RowRegular
	row.Quantity = item.RequestedQuantity
	row.LineTotal = unit.Mul(decimal.NewFromInt(int64(item.RequestedQuantity)))
	row.Checked = complete
	return []Row{row}
}

func purchasedQuantity(i int, item models.LineItem, checked map[int]bool, partial map[int]int) int {
	if checked[i] {
		return item.RequestedQuantity
	}
	q := partial[i]
	if q < 0 {
		return 0
	}
	if q > item.RequestedQuantity {
		return item.RequestedQuantity
	}
	return q
}

// unitPrice falls back to totalPrice / requestedQuantity when no unit price is set.
func unitPrice(item models.LineItem) decimal.Decimal {
	if item.UnitPrice != nil {
		return *item.UnitPrice
	}
	if item.TotalPrice != nil && item.RequestedQuantity > 0 {
		return item.TotalPrice.Div(decimal.NewFromInt(int64(item.RequestedQuantity)))
	}
	return decimal.Zero
}

func (t Totals) add(o Totals) Totals {
	return Totals{
		Total:     t.Total.Add(o.Total),
		Completed: t.Completed.Add(o.Completed),
		Remaining: t.Remaining.Add(o.Remaining),
	}
}
