package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/picklistsync/internal/models"
	"github.com/Kerhoff/picklistsync/internal/realtime"
	"github.com/Kerhoff/picklistsync/internal/view"
)

// Update types carried in change signals.
const (
	UpdateCheck             = "check"
	UpdateUncheck           = "uncheck"
	UpdatePartial           = "partial_select"
	UpdateSupplierSwitch    = "supplier_switch"
	UpdateBackOrder         = "back_order"
	UpdateBulkClear         = "bulk_clear"
	UpdateBulkSupplierCheck = "bulk_supplier_check"
)

var (
	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("engine closed")
	// ErrNotLoaded is returned by actions issued before Load succeeded.
	ErrNotLoaded = errors.New("list not loaded")
	// ErrIndexOutOfRange is returned for an index outside the picklist.
	ErrIndexOutOfRange = errors.New("item index out of range")
	// ErrUnknownSupplier is returned when an item has no offer from the supplier.
	ErrUnknownSupplier = errors.New("item has no offer from supplier")
	// ErrInvalidQuantity is returned for a selection outside 1..remaining.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrStaleSelection is returned when the item changed while the quantity prompt was open.
	ErrStaleSelection = errors.New("item changed while selecting quantity")
)

// Signaler delivers change signals to peers. *Channel implements it.
type Signaler interface {
	Send(msg []byte) error
}

// QuantityPrompter asks the user how many of the remaining units they
// bought. ok is false when the user cancelled.
type QuantityPrompter interface {
	PromptQuantity(ctx context.Context, item models.LineItem, remaining int) (qty int, ok bool)
}

// Snapshot is a copy of the reconciled state.
type Snapshot struct {
	ShareToken string
	Title      string
	ExpiresAt  time.Time
	Items      []models.LineItem
	Checked    map[int]bool
	Partial    map[int]int
}

// Engine owns one client's view of a shared list. Local actions are applied
// optimistically, persisted, rolled back on failure and announced to peers
// only after the store confirmed them. Remote signals always trigger a full
// refetch that replaces the local list wholesale.
type Engine struct {
	store      Store
	signals    Signaler
	prompter   QuantityPrompter
	logger     *logrus.Logger
	shareToken string
	onChange   func()
	now        func() time.Time

	mu      sync.Mutex
	list    *models.ShoppingList
	checked map[int]bool
	partial map[int]int
	closed  bool
	lastErr error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPrompter sets the quantity prompt. Without one, checking an item
// takes all of its remaining quantity.
func WithPrompter(p QuantityPrompter) EngineOption {
	return func(e *Engine) { e.prompter = p }
}

// WithSignaler sets where change signals go.
func WithSignaler(s Signaler) EngineOption {
	return func(e *Engine) { e.signals = s }
}

// WithOnChange registers a callback invoked after every state change.
func WithOnChange(fn func()) EngineOption {
	return func(e *Engine) { e.onChange = fn }
}

// NewEngine creates an engine for shareToken.
func NewEngine(store Store, shareToken string, logger *logrus.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		shareToken: shareToken,
		logger:     logger,
		now:        time.Now,
		checked:    map[int]bool{},
		partial:    map[int]int{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe creates the realtime channel for the engine's share and sends
// change signals through it. Pushed notifications refetch the list, and so
// does every reconnect after the first. The caller runs the channel.
func (e *Engine) Subscribe(wsURL string, opts ...ChannelOption) *Channel {
	opts = append(opts[:len(opts):len(opts)], WithOnReconnect(func(ctx context.Context) {
		_ = e.Refresh(ctx)
	}))
	ch := NewChannel(wsURL, e.shareToken, e.HandleSignal, e.logger, opts...)

	e.mu.Lock()
	e.signals = ch
	e.mu.Unlock()
	return ch
}

// ---------------------------------------------------------------------------
// Loading and remote signals
// ---------------------------------------------------------------------------

// Load fetches the list for the first time. ErrNotFound is terminal for
// the view: the list is unknown or has expired.
func (e *Engine) Load(ctx context.Context) error {
	list, err := e.store.Fetch(ctx, e.shareToken)
	if err != nil {
		e.setErr(err)
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.replaceLocked(list)
	e.mu.Unlock()

	e.changed()
	return nil
}

// Refresh refetches the list and replaces local state wholesale. On
// failure the previous state is kept.
func (e *Engine) Refresh(ctx context.Context) error {
	list, err := e.store.Fetch(ctx, e.shareToken)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to refetch shared list; keeping current state")
		e.setErr(err)
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.replaceLocked(list)
	e.lastErr = nil
	e.mu.Unlock()

	e.changed()
	return nil
}

// HandleSignal reacts to a message pushed by the realtime channel. The
// payload is never trusted; any change notification causes a refetch.
func (e *Engine) HandleSignal(ctx context.Context, msg realtime.Outbound) {
	switch msg.Type {
	case realtime.TypePicklistUpdated, realtime.TypeItemToggled, realtime.TypeItemUpdated:
		if msg.ShareToken != "" && msg.ShareToken != e.shareToken {
			return
		}
		_ = e.Refresh(ctx)
	case realtime.TypeError:
		e.logger.WithField("message", msg.Message).Warn("Realtime server reported an error")
	}
}

// replaceLocked installs list and rebuilds the derived sets from scratch.
func (e *Engine) replaceLocked(list *models.ShoppingList) {
	list.Items = models.CloneItems(list.Items)
	e.list = list
	e.checked = map[int]bool{}
	e.partial = map[int]int{}
	for i := range list.Items {
		e.deriveLocked(i)
	}
}

func (e *Engine) deriveLocked(i int) {
	item := e.list.Items[i]
	delete(e.checked, i)
	delete(e.partial, i)
	st := item.State()
	switch {
	case st.IsComplete:
		e.checked[i] = true
	case st.IsPartial:
		e.partial[i] = item.PurchasedQuantity
	}
}

// ---------------------------------------------------------------------------
// Purchase actions
// ---------------------------------------------------------------------------

// Check handles a click on an unchecked regular row. When more than one
// unit remains the prompter chooses how many were bought. Clicking an item
// that is already complete does nothing.
func (e *Engine) Check(ctx context.Context, index int) error {
	e.mu.Lock()
	item, err := e.itemLocked(index)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	st := item.State()
	if st.IsComplete {
		e.mu.Unlock()
		return nil
	}
	purchasedAtClick := item.PurchasedQuantity
	remainingAtClick := st.Remaining
	e.mu.Unlock()

	qty := remainingAtClick
	updateType := UpdateCheck
	var stale error
	if remainingAtClick > 1 && e.prompter != nil {
		chosen, ok := e.prompter.PromptQuantity(ctx, item, remainingAtClick)
		if !ok {
			return nil
		}
		if chosen < 1 || chosen > remainingAtClick {
			return fmt.Errorf("%w: %d not in 1..%d", ErrInvalidQuantity, chosen, remainingAtClick)
		}
		qty = chosen
		if chosen < remainingAtClick {
			updateType = UpdatePartial
		}
		stale = ErrStaleSelection
	}

	return e.setPurchased(ctx, index, purchasedAtClick, purchasedAtClick+qty, updateType, stale)
}

// CheckQuantity records that qty more units of the item were bought,
// without prompting.
func (e *Engine) CheckQuantity(ctx context.Context, index, qty int) error {
	e.mu.Lock()
	item, err := e.itemLocked(index)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	st := item.State()
	e.mu.Unlock()

	if st.IsComplete {
		return nil
	}
	if qty < 1 || qty > st.Remaining {
		return fmt.Errorf("%w: %d not in 1..%d", ErrInvalidQuantity, qty, st.Remaining)
	}
	updateType := UpdatePartial
	if qty == st.Remaining {
		updateType = UpdateCheck
	}
	return e.setPurchased(ctx, index, item.PurchasedQuantity, item.PurchasedQuantity+qty, updateType, nil)
}

// CompleteRemaining handles a click on the remaining row of a partially
// purchased item: the remaining units seen at click time are added to the
// purchased quantity. Repeated clicks after the first do nothing.
func (e *Engine) CompleteRemaining(ctx context.Context, index int) error {
	e.mu.Lock()
	item, err := e.itemLocked(index)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	st := item.State()
	e.mu.Unlock()

	if st.Remaining == 0 {
		return nil
	}
	return e.setPurchased(ctx, index, item.PurchasedQuantity, item.PurchasedQuantity+st.Remaining, UpdateCheck, nil)
}

// Uncheck resets the purchased quantity of an item to zero. There is no
// partial uncheck.
func (e *Engine) Uncheck(ctx context.Context, index int) error {
	e.mu.Lock()
	item, err := e.itemLocked(index)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	if item.PurchasedQuantity == 0 {
		return nil
	}
	return e.setPurchased(ctx, index, item.PurchasedQuantity, 0, UpdateUncheck, nil)
}

// ClickRow dispatches a click on a projected display row.
func (e *Engine) ClickRow(ctx context.Context, row view.Row) error {
	switch row.Kind {
	case view.RowRemaining:
		return e.CompleteRemaining(ctx, row.ParentIndex)
	case view.RowPurchased:
		return e.Uncheck(ctx, row.ParentIndex)
	default:
		if row.Checked {
			return e.Uncheck(ctx, row.ParentIndex)
		}
		return e.Check(ctx, row.ParentIndex)
	}
}

// setPurchased applies next optimistically if the item still holds
// expected, persists it, and either confirms or rolls back. The state check
// and the optimistic write happen under one lock, so a second click that
// arrives before the first write returns sees the new state and is dropped.
// A dropped action returns stale, which may be nil.
func (e *Engine) setPurchased(ctx context.Context, index, expected, next int, updateType string, stale error) error {
	e.mu.Lock()
	item, err := e.itemLocked(index)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if item.PurchasedQuantity != expected {
		e.mu.Unlock()
		return stale
	}
	if next > item.RequestedQuantity {
		next = item.RequestedQuantity
	}
	e.list.Items[index].PurchasedQuantity = next
	e.deriveLocked(index)
	e.mu.Unlock()
	e.changed()

	res, err := e.store.UpdateQuantity(ctx, e.shareToken, index, next)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if err != nil {
			return err
		}
		e.signal(updateType, &index)
		return nil
	}
	if err != nil {
		if index < len(e.list.Items) && e.list.Items[index].PurchasedQuantity == next {
			e.list.Items[index].PurchasedQuantity = expected
			e.deriveLocked(index)
		}
		e.lastErr = err
		e.mu.Unlock()
		e.logger.WithError(err).WithField("index", index).Warn("Failed to persist purchase; rolled back")
		e.changed()
		return err
	}
	if index < len(e.list.Items) {
		e.list.Items[index].PurchasedQuantity = res.PurchasedQuantity
		e.deriveLocked(index)
	}
	e.lastErr = nil
	e.mu.Unlock()
	e.changed()

	e.signal(updateType, &index)
	return nil
}

// ---------------------------------------------------------------------------
// Bulk actions
// ---------------------------------------------------------------------------

// ClearAll resets every purchased quantity to zero in one write.
func (e *Engine) ClearAll(ctx context.Context) error {
	return e.bulk(ctx, UpdateBulkClear, func(models.LineItem) (int, bool) {
		return 0, true
	})
}

// CheckAllForSupplier marks every item of supplier as fully purchased.
func (e *Engine) CheckAllForSupplier(ctx context.Context, supplier string) error {
	return e.bulk(ctx, UpdateBulkSupplierCheck, func(item models.LineItem) (int, bool) {
		if !strings.EqualFold(strings.TrimSpace(item.SelectedSupplier), strings.TrimSpace(supplier)) {
			return 0, false
		}
		return item.RequestedQuantity, true
	})
}

func (e *Engine) bulk(ctx context.Context, updateType string, target func(models.LineItem) (int, bool)) error {
	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	var updates []models.QuantityUpdate
	previous := map[int]int{}
	for i, item := range e.list.Items {
		next, ok := target(item)
		if !ok || next == item.PurchasedQuantity {
			continue
		}
		previous[i] = item.PurchasedQuantity
		updates = append(updates, models.QuantityUpdate{Index: i, PurchasedQuantity: next})
		e.list.Items[i].PurchasedQuantity = next
		e.deriveLocked(i)
	}
	e.mu.Unlock()

	if len(updates) == 0 {
		return nil
	}
	e.changed()

	items, err := e.store.UpdateQuantities(ctx, e.shareToken, updates)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if err != nil {
			return err
		}
		e.signal(updateType, nil)
		return nil
	}
	if err != nil {
		for _, u := range updates {
			if u.Index < len(e.list.Items) && e.list.Items[u.Index].PurchasedQuantity == u.PurchasedQuantity {
				e.list.Items[u.Index].PurchasedQuantity = previous[u.Index]
				e.deriveLocked(u.Index)
			}
		}
		e.lastErr = err
		e.mu.Unlock()
		e.logger.WithError(err).WithField("updates", len(updates)).Warn("Failed to persist bulk update; rolled back")
		e.changed()
		return err
	}
	if items != nil {
		next := *e.list
		next.Items = items
		e.replaceLocked(&next)
	}
	e.lastErr = nil
	e.mu.Unlock()
	e.changed()

	e.signal(updateType, nil)
	return nil
}

// ---------------------------------------------------------------------------
// Supplier actions
// ---------------------------------------------------------------------------

// SwitchSupplier selects another supplier offer for an item and writes the
// whole picklist.
func (e *Engine) SwitchSupplier(ctx context.Context, index int, supplier string) error {
	return e.mutateItem(ctx, index, UpdateSupplierSwitch, func(item *models.LineItem) error {
		offer, ok := item.Offer(supplier)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSupplier, supplier)
		}
		unit := offer.UnitPrice
		total := unit.Mul(decimal.NewFromInt(int64(item.RequestedQuantity)))
		item.SelectedSupplier = offer.Supplier
		item.UnitPrice = &unit
		item.TotalPrice = &total
		item.BackOrdered = false
		return nil
	})
}

// SetBackOrdered flags an item as back-ordered at its supplier.
func (e *Engine) SetBackOrdered(ctx context.Context, index int, backOrdered bool) error {
	return e.mutateItem(ctx, index, UpdateBackOrder, func(item *models.LineItem) error {
		item.BackOrdered = backOrdered
		return nil
	})
}

func (e *Engine) mutateItem(ctx context.Context, index int, updateType string, mutate func(*models.LineItem) error) error {
	e.mu.Lock()
	item, err := e.itemLocked(index)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	before := item.Clone()
	next := item.Clone()
	if err := mutate(&next); err != nil {
		e.mu.Unlock()
		return err
	}
	e.list.Items[index] = next
	payload := models.CloneItems(e.list.Items)
	e.mu.Unlock()
	e.changed()

	items, err := e.store.ReplacePicklist(ctx, e.shareToken, payload)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if err != nil {
			return err
		}
		e.signalSupplier(updateType, index)
		return nil
	}
	if err != nil {
		if index < len(e.list.Items) {
			restored := before.Clone()
			restored.PurchasedQuantity = e.list.Items[index].PurchasedQuantity
			e.list.Items[index] = restored
			e.deriveLocked(index)
		}
		e.lastErr = err
		e.mu.Unlock()
		e.logger.WithError(err).WithField("index", index).Warn("Failed to persist picklist; rolled back")
		e.changed()
		return err
	}
	if items != nil {
		updated := *e.list
		updated.Items = items
		e.replaceLocked(&updated)
	}
	e.lastErr = nil
	e.mu.Unlock()
	e.changed()

	e.signalSupplier(updateType, index)
	return nil
}

// ---------------------------------------------------------------------------
// State access
// ---------------------------------------------------------------------------

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		ShareToken: e.shareToken,
		Checked:    make(map[int]bool, len(e.checked)),
		Partial:    make(map[int]int, len(e.partial)),
	}
	if e.list != nil {
		s.Title = e.list.Title
		s.ExpiresAt = e.list.ExpiresAt
		s.Items = models.CloneItems(e.list.Items)
	}
	for k, v := range e.checked {
		s.Checked[k] = v
	}
	for k, v := range e.partial {
		s.Partial[k] = v
	}
	return s
}

// View projects the current state into supplier groups.
func (e *Engine) View(opts view.Options) view.Projection {
	s := e.Snapshot()
	return view.Project(s.Items, s.Checked, s.Partial, opts)
}

// Err returns the error of the most recent failed call, cleared by the next success.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Close stops the engine from applying results of calls still in flight.
// A call in flight at Close still reports its store outcome: a write the
// store confirmed is announced to peers and returns nil, a failed write
// returns its error. Calls made after Close return ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *Engine) readyLocked() error {
	if e.closed {
		return ErrClosed
	}
	if e.list == nil {
		return ErrNotLoaded
	}
	return nil
}

func (e *Engine) itemLocked(index int) (models.LineItem, error) {
	if err := e.readyLocked(); err != nil {
		return models.LineItem{}, err
	}
	if index < 0 || index >= len(e.list.Items) {
		return models.LineItem{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return e.list.Items[index].Clone(), nil
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange()
	}
}

func (e *Engine) signaler() Signaler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signals
}

// signal tells peers to refetch. Transport failures are logged only: the
// write already succeeded and peers catch up on their next refetch.
func (e *Engine) signal(updateType string, index *int) {
	signals := e.signaler()
	if signals == nil {
		return
	}
	msg, err := realtime.EncodePicklistUpdateBroadcast(realtime.ChangeSignal{
		UpdateType: updateType,
		Index:      index,
		Timestamp:  e.now().UTC(),
	})
	if err != nil {
		e.logger.WithError(err).Error("Failed to encode change signal")
		return
	}
	if err := signals.Send(msg); err != nil {
		e.logger.WithError(err).Debug("Change signal not delivered")
	}
}

func (e *Engine) signalSupplier(updateType string, index int) {
	if updateType != UpdateSupplierSwitch {
		e.signal(updateType, &index)
		return
	}
	signals := e.signaler()
	if signals == nil {
		return
	}
	msg, err := realtime.EncodeSwitchSupplier()
	if err != nil {
		e.logger.WithError(err).Error("Failed to encode supplier switch")
		return
	}
	if err := signals.Send(msg); err != nil {
		e.logger.WithError(err).Debug("Supplier switch signal not delivered")
	}
}
