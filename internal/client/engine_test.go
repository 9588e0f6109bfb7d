package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kerhoff/picklistsync/internal/models"
	"github.com/Kerhoff/picklistsync/internal/realtime"
	"github.com/Kerhoff/picklistsync/internal/view"
	"github.com/Kerhoff/picklistsync/pkg/logger"
)

// fakeStore is an in-memory Store. Calls to UpdateQuantity can be held open
// with block so tests can observe optimistic state.
type fakeStore struct {
	mu      sync.Mutex
	list    models.ShoppingList
	fetches int
	fail    error
	block   chan struct{}
	started chan struct{}
	writes  []int
}

func newFakeStore(items ...models.LineItem) *fakeStore {
	for i := range items {
		items[i].Index = i
	}
	return &fakeStore{list: models.ShoppingList{ShareToken: "tok", Title: "Groceries", Items: items}}
}

func (s *fakeStore) Fetch(context.Context, string) (*models.ShoppingList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fail != nil {
		return nil, s.fail
	}
	out := s.list
	out.Items = models.CloneItems(s.list.Items)
	return &out, nil
}

func (s *fakeStore) UpdateQuantity(_ context.Context, _ string, index, purchased int) (*QuantityResult, error) {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.writes = append(s.writes, purchased)
	s.list.Items[index].PurchasedQuantity = purchased
	return &QuantityResult{Index: index, PurchasedQuantity: purchased, RequestedQuantity: s.list.Items[index].RequestedQuantity}, nil
}

func (s *fakeStore) UpdateQuantities(_ context.Context, _ string, updates []models.QuantityUpdate) ([]models.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	for _, u := range updates {
		s.list.Items[u.Index].PurchasedQuantity = u.PurchasedQuantity
	}
	return models.CloneItems(s.list.Items), nil
}

func (s *fakeStore) ReplacePicklist(_ context.Context, _ string, items []models.LineItem) ([]models.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	for i, item := range items {
		next := item.Clone()
		next.RequestedQuantity = s.list.Items[i].RequestedQuantity
		next.PurchasedQuantity = s.list.Items[i].PurchasedQuantity
		s.list.Items[i] = next
	}
	return models.CloneItems(s.list.Items), nil
}

func (s *fakeStore) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *fakeStore) purchased(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Items[i].PurchasedQuantity
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (s *fakeSignaler) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) messages(t *testing.T) []realtime.Inbound {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []realtime.Inbound
	for _, raw := range s.sent {
		msg, err := realtime.DecodeInbound(raw)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

type fakePrompter struct {
	qty   int
	ok    bool
	calls int
	// during runs while the prompt is open.
	during func()
}

func (p *fakePrompter) PromptQuantity(_ context.Context, _ models.LineItem, _ int) (int, bool) {
	p.calls++
	if p.during != nil {
		p.during()
	}
	return p.qty, p.ok
}

func loadedEngine(t *testing.T, store *fakeStore, opts ...EngineOption) (*Engine, *fakeSignaler) {
	t.Helper()
	sig := &fakeSignaler{}
	e := NewEngine(store, "tok", logger.Discard(), append([]EngineOption{WithSignaler(sig)}, opts...)...)
	require.NoError(t, e.Load(context.Background()))
	return e, sig
}

func updateType(t *testing.T, msg realtime.Inbound) string {
	t.Helper()
	m, ok := msg.(realtime.PicklistUpdateBroadcastMessage)
	require.True(t, ok, "got %T", msg)
	var s string
	require.NoError(t, json.Unmarshal(m.Extra["updateType"], &s))
	return s
}

func TestEngine_LoadDerivesState(t *testing.T) {
	store := newFakeStore(
		models.LineItem{ItemText: "a", RequestedQuantity: 3, PurchasedQuantity: 3},
		models.LineItem{ItemText: "b", RequestedQuantity: 5, PurchasedQuantity: 2},
		models.LineItem{ItemText: "c", RequestedQuantity: 1},
	)
	e, _ := loadedEngine(t, store)

	s := e.Snapshot()
	assert.Equal(t, "Groceries", s.Title)
	assert.Equal(t, map[int]bool{0: true}, s.Checked)
	assert.Equal(t, map[int]int{1: 2}, s.Partial)
}

func TestEngine_LoadNotFound(t *testing.T) {
	store := newFakeStore()
	store.fail = ErrNotFound
	e := NewEngine(store, "tok", logger.Discard())

	err := e.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, e.Err(), ErrNotFound)
	assert.ErrorIs(t, e.Check(context.Background(), 0), ErrNotLoaded)
}

func TestEngine_CheckSingleUnit(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "bread", RequestedQuantity: 1})
	prompt := &fakePrompter{}
	e, sig := loadedEngine(t, store, WithPrompter(prompt))

	require.NoError(t, e.Check(context.Background(), 0))

	assert.Equal(t, 0, prompt.calls, "no prompt for a single remaining unit")
	assert.Equal(t, 1, store.purchased(0))
	assert.True(t, e.Snapshot().Checked[0])

	msgs := sig.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, UpdateCheck, updateType(t, msgs[0]))
}

func TestEngine_CheckPromptsForQuantity(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "eggs", RequestedQuantity: 12})
	prompt := &fakePrompter{qty: 5, ok: true}
	e, sig := loadedEngine(t, store, WithPrompter(prompt))

	require.NoError(t, e.Check(context.Background(), 0))

	assert.Equal(t, 1, prompt.calls)
	assert.Equal(t, 5, store.purchased(0))
	assert.Equal(t, map[int]int{0: 5}, e.Snapshot().Partial)
	assert.Equal(t, UpdatePartial, updateType(t, sig.messages(t)[0]))

	rows := e.View(view.Options{ShowCompleted: true}).Groups[0].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "0_purchased", rows[0].Key)
	assert.Equal(t, 7, rows[1].Quantity)
}

func TestEngine_CheckPromptCancelled(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "eggs", RequestedQuantity: 12})
	e, sig := loadedEngine(t, store, WithPrompter(&fakePrompter{ok: false}))

	require.NoError(t, e.Check(context.Background(), 0))
	assert.Equal(t, 0, store.purchased(0))
	assert.Empty(t, sig.messages(t))
}

func TestEngine_CheckRejectsOutOfRangeSelection(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "eggs", RequestedQuantity: 12})
	e, _ := loadedEngine(t, store, WithPrompter(&fakePrompter{qty: 13, ok: true}))

	assert.ErrorIs(t, e.Check(context.Background(), 0), ErrInvalidQuantity)
	assert.Equal(t, 0, store.purchased(0))
}

func TestEngine_CheckStaleSelection(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "eggs", RequestedQuantity: 12})
	prompt := &fakePrompter{qty: 4, ok: true}
	e, sig := loadedEngine(t, store, WithPrompter(prompt))

	prompt.during = func() {
		store.mu.Lock()
		store.list.Items[0].PurchasedQuantity = 6
		store.mu.Unlock()
		require.NoError(t, e.Refresh(context.Background()))
	}

	err := e.Check(context.Background(), 0)
	assert.ErrorIs(t, err, ErrStaleSelection)
	assert.Equal(t, 6, store.purchased(0), "a peer's purchase is never overwritten")
	assert.Empty(t, sig.messages(t))
}

func TestEngine_CompleteRemaining(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "eggs", RequestedQuantity: 12, PurchasedQuantity: 5})
	e, sig := loadedEngine(t, store)

	require.NoError(t, e.ClickRow(context.Background(), view.Row{Kind: view.RowRemaining, ParentIndex: 0}))
	assert.Equal(t, 12, store.purchased(0))
	assert.True(t, e.Snapshot().Checked[0])

	require.NoError(t, e.CompleteRemaining(context.Background(), 0))
	assert.Len(t, sig.messages(t), 1, "a second click on a completed item does nothing")
}

func TestEngine_DoubleClickWritesOnce(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "eggs", RequestedQuantity: 12, PurchasedQuantity: 5})
	store.block = make(chan struct{})
	store.started = make(chan struct{}, 2)
	e, _ := loadedEngine(t, store)

	errs := make(chan error, 1)
	go func() { errs <- e.CompleteRemaining(context.Background(), 0) }()
	<-store.started

	assert.True(t, e.Snapshot().Checked[0], "the optimistic update is visible before the write returns")
	assert.Empty(t, e.View(view.Options{}).Groups, "the completed item is hidden on the same pass")
	require.NoError(t, e.CompleteRemaining(context.Background(), 0))
	require.NoError(t, e.ClickRow(context.Background(), view.Row{Kind: view.RowRemaining, ParentIndex: 0}))

	close(store.block)
	require.NoError(t, <-errs)
	assert.Equal(t, []int{12}, store.writes)
	assert.Equal(t, 12, store.purchased(0))
}

func TestEngine_RollbackOnFailure(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "eggs", RequestedQuantity: 12, PurchasedQuantity: 5})
	e, sig := loadedEngine(t, store)
	store.setFail(ErrPersistence)

	err := e.CompleteRemaining(context.Background(), 0)
	assert.ErrorIs(t, err, ErrPersistence)

	s := e.Snapshot()
	assert.Equal(t, 5, s.Items[0].PurchasedQuantity)
	assert.Equal(t, map[int]int{0: 5}, s.Partial)
	assert.Empty(t, s.Checked)
	assert.Empty(t, sig.messages(t), "failed writes are never signalled")
	assert.ErrorIs(t, e.Err(), ErrPersistence)
}

func TestEngine_Uncheck(t *testing.T) {
	store := newFakeStore(
		models.LineItem{ItemText: "a", RequestedQuantity: 3, PurchasedQuantity: 3},
		models.LineItem{ItemText: "b", RequestedQuantity: 5, PurchasedQuantity: 2},
	)
	e, sig := loadedEngine(t, store)

	require.NoError(t, e.ClickRow(context.Background(), view.Row{Kind: view.RowRegular, ParentIndex: 0, Checked: true}))
	require.NoError(t, e.ClickRow(context.Background(), view.Row{Kind: view.RowPurchased, ParentIndex: 1}))

	assert.Equal(t, 0, store.purchased(0))
	assert.Equal(t, 0, store.purchased(1), "unchecking a partial purchase resets it entirely")
	s := e.Snapshot()
	assert.Empty(t, s.Checked)
	assert.Empty(t, s.Partial)
	msgs := sig.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, UpdateUncheck, updateType(t, msgs[1]))
}

func TestEngine_CheckQuantity(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "eggs", RequestedQuantity: 12, PurchasedQuantity: 2})
	e, _ := loadedEngine(t, store)

	assert.ErrorIs(t, e.CheckQuantity(context.Background(), 0, 11), ErrInvalidQuantity)
	require.NoError(t, e.CheckQuantity(context.Background(), 0, 3))
	assert.Equal(t, 5, store.purchased(0))
	assert.ErrorIs(t, e.CheckQuantity(context.Background(), 4, 1), ErrIndexOutOfRange)
}

func TestEngine_SignalFailureIsSwallowed(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "bread", RequestedQuantity: 1})
	e, sig := loadedEngine(t, store)
	sig.err = ErrTransport

	require.NoError(t, e.Check(context.Background(), 0))
	assert.Equal(t, 1, store.purchased(0))
	assert.NoError(t, e.Err())
}

func TestEngine_HandleSignalRefetches(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "eggs", RequestedQuantity: 12})
	changes := 0
	e, _ := loadedEngine(t, store, WithOnChange(func() { changes++ }))
	before := store.fetches

	store.mu.Lock()
	store.list.Items[0].PurchasedQuantity = 4
	store.mu.Unlock()

	e.HandleSignal(context.Background(), realtime.Outbound{Type: realtime.TypePicklistUpdated, ShareToken: "tok"})
	assert.Equal(t, before+1, store.fetches)
	assert.Equal(t, map[int]int{0: 4}, e.Snapshot().Partial)
	assert.Positive(t, changes)

	e.HandleSignal(context.Background(), realtime.Outbound{Type: realtime.TypePicklistUpdated, ShareToken: "other"})
	e.HandleSignal(context.Background(), realtime.Outbound{Type: realtime.TypeError, Message: "boom"})
	assert.Equal(t, before+1, store.fetches, "foreign shares and errors do not refetch")
}

func TestEngine_RefreshFailureKeepsState(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "eggs", RequestedQuantity: 12, PurchasedQuantity: 3})
	e, _ := loadedEngine(t, store)
	store.setFail(ErrTransport)

	assert.ErrorIs(t, e.Refresh(context.Background()), ErrTransport)
	assert.Equal(t, map[int]int{0: 3}, e.Snapshot().Partial)
}

func TestEngine_SwitchSupplier(t *testing.T) {
	acme := decimal.RequireFromString("2.00")
	bolt := decimal.RequireFromString("1.50")
	store := newFakeStore(models.LineItem{
		ItemText:          "screws",
		RequestedQuantity: 4,
		PurchasedQuantity: 1,
		SelectedSupplier:  "Acme",
		UnitPrice:         &acme,
		BackOrdered:       true,
		Offers: []models.SupplierOffer{
			{Supplier: "Acme", UnitPrice: acme},
			{Supplier: "Bolt", UnitPrice: bolt},
		},
	})
	e, sig := loadedEngine(t, store)

	require.NoError(t, e.SwitchSupplier(context.Background(), 0, "Bolt"))

	item := e.Snapshot().Items[0]
	assert.Equal(t, "Bolt", item.SelectedSupplier)
	require.NotNil(t, item.TotalPrice)
	assert.True(t, decimal.RequireFromString("6").Equal(*item.TotalPrice))
	assert.False(t, item.BackOrdered)
	assert.Equal(t, 1, item.PurchasedQuantity, "supplier changes keep purchase progress")

	msgs := sig.messages(t)
	require.Len(t, msgs, 1)
	assert.IsType(t, realtime.SwitchSupplierMessage{}, msgs[0])

	assert.ErrorIs(t, e.SwitchSupplier(context.Background(), 0, "Nobody"), ErrUnknownSupplier)
}

func TestEngine_SwitchSupplierRollback(t *testing.T) {
	acme := decimal.RequireFromString("2.00")
	store := newFakeStore(models.LineItem{
		ItemText: "screws", RequestedQuantity: 4, SelectedSupplier: "Acme", UnitPrice: &acme,
		Offers: []models.SupplierOffer{{Supplier: "Acme", UnitPrice: acme}, {Supplier: "Bolt", UnitPrice: acme}},
	})
	e, sig := loadedEngine(t, store)
	store.setFail(ErrPersistence)

	assert.ErrorIs(t, e.SwitchSupplier(context.Background(), 0, "Bolt"), ErrPersistence)
	assert.Equal(t, "Acme", e.Snapshot().Items[0].SelectedSupplier)
	assert.Empty(t, sig.messages(t))
}

func TestEngine_SetBackOrdered(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "paint", RequestedQuantity: 2, SelectedSupplier: "Acme"})
	e, sig := loadedEngine(t, store)

	require.NoError(t, e.SetBackOrdered(context.Background(), 0, true))
	assert.True(t, e.Snapshot().Items[0].BackOrdered)
	assert.Equal(t, UpdateBackOrder, updateType(t, sig.messages(t)[0]))
}

func TestEngine_BulkActions(t *testing.T) {
	store := newFakeStore(
		models.LineItem{ItemText: "a", RequestedQuantity: 3, SelectedSupplier: "Acme"},
		models.LineItem{ItemText: "b", RequestedQuantity: 5, PurchasedQuantity: 2, SelectedSupplier: "acme"},
		models.LineItem{ItemText: "c", RequestedQuantity: 1, SelectedSupplier: "Bolt"},
	)
	e, sig := loadedEngine(t, store)

	require.NoError(t, e.CheckAllForSupplier(context.Background(), "ACME"))
	s := e.Snapshot()
	assert.Equal(t, map[int]bool{0: true, 1: true}, s.Checked)
	assert.Equal(t, 0, store.purchased(2))

	require.NoError(t, e.ClearAll(context.Background()))
	s = e.Snapshot()
	assert.Empty(t, s.Checked)
	assert.Empty(t, s.Partial)

	msgs := sig.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, UpdateBulkSupplierCheck, updateType(t, msgs[0]))
	assert.Equal(t, UpdateBulkClear, updateType(t, msgs[1]))

	require.NoError(t, e.ClearAll(context.Background()))
	assert.Len(t, sig.messages(t), 2, "nothing to clear sends nothing")
}

func TestEngine_BulkRollback(t *testing.T) {
	store := newFakeStore(
		models.LineItem{ItemText: "a", RequestedQuantity: 3, PurchasedQuantity: 3},
		models.LineItem{ItemText: "b", RequestedQuantity: 5, PurchasedQuantity: 2},
	)
	e, _ := loadedEngine(t, store)
	store.setFail(errors.New("offline"))

	require.Error(t, e.ClearAll(context.Background()))
	s := e.Snapshot()
	assert.Equal(t, map[int]bool{0: true}, s.Checked)
	assert.Equal(t, map[int]int{1: 2}, s.Partial)
}

func TestEngine_ClosedStillAnnouncesConfirmedWrite(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "bread", RequestedQuantity: 1})
	store.block = make(chan struct{})
	store.started = make(chan struct{}, 1)
	e, sig := loadedEngine(t, store)

	errs := make(chan error, 1)
	go func() { errs <- e.Check(context.Background(), 0) }()
	<-store.started
	e.Close()
	close(store.block)

	select {
	case err := <-errs:
		assert.NoError(t, err, "the store confirmed the write")
	case <-time.After(2 * time.Second):
		t.Fatal("check did not return")
	}
	assert.Equal(t, 1, store.purchased(0))
	msgs := sig.messages(t)
	require.Len(t, msgs, 1, "confirmed writes are announced after close")
	assert.IsType(t, realtime.PicklistUpdateBroadcastMessage{}, msgs[0])
	assert.ErrorIs(t, e.Check(context.Background(), 0), ErrClosed)
}

func TestEngine_ClosedReportsLateFailure(t *testing.T) {
	store := newFakeStore(models.LineItem{ItemText: "bread", RequestedQuantity: 1})
	store.block = make(chan struct{})
	store.started = make(chan struct{}, 1)
	e, sig := loadedEngine(t, store)
	errOffline := errors.New("offline")

	errs := make(chan error, 1)
	go func() { errs <- e.Check(context.Background(), 0) }()
	<-store.started
	e.Close()
	store.setFail(errOffline)
	close(store.block)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errOffline)
	case <-time.After(2 * time.Second):
		t.Fatal("check did not return")
	}
	assert.Empty(t, sig.messages(t))
}
