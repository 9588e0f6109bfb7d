package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kerhoff/picklistsync/internal/models"
	"github.com/Kerhoff/picklistsync/internal/service"
	"github.com/Kerhoff/picklistsync/pkg/logger"
)

type toggleCall struct {
	token   string
	index   int
	checked bool
}

type fakeItemStore struct {
	mu    sync.Mutex
	calls []toggleCall
	err   error
}

func (s *fakeItemStore) SetCompleted(_ context.Context, token string, index int, checked bool) (*models.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, toggleCall{token, index, checked})
	if s.err != nil {
		return nil, s.err
	}
	return &models.LineItem{Index: index}, nil
}

type notifierFixture struct {
	notifier *Notifier
	registry *Registry
	store    *fakeItemStore
	metrics  *Metrics
}

func newNotifierFixture() *notifierFixture {
	m := NewMetrics(prometheus.NewRegistry())
	reg := NewRegistry(logger.Discard(), m)
	store := &fakeItemStore{}
	n := NewNotifier(reg, store, logger.Discard(), m)
	n.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &notifierFixture{notifier: n, registry: reg, store: store, metrics: m}
}

func (f *notifierFixture) join(conn *fakeConn, token string) {
	f.notifier.HandleMessage(context.Background(), conn, []byte(fmt.Sprintf(`{"type":"join_shopping_list","data":{"shareId":%q}}`, token)))
}

func TestNotifier_JoinSubscribes(t *testing.T) {
	f := newNotifierFixture()
	a := newFakeConn("a")

	f.join(a, "list")

	token, ok := f.registry.Subscription(a)
	require.True(t, ok)
	assert.Equal(t, "list", token)
	assert.Empty(t, a.received(), "join is not acknowledged")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.messagesTotal.WithLabelValues(TypeJoinShoppingList)))
}

func TestNotifier_UnsubscribedSenderGetsError(t *testing.T) {
	f := newNotifierFixture()
	a := newFakeConn("a")

	for _, raw := range []string{
		`{"type":"update_item","data":{"index":1}}`,
		`{"type":"toggle_completed","data":{"index":1,"checked":true}}`,
		`{"type":"switch_supplier"}`,
		`{"type":"picklist_update_broadcast","data":{"updateType":"check"}}`,
	} {
		f.notifier.HandleMessage(context.Background(), a, []byte(raw))
	}

	msgs := a.outbound(t)
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.Equal(t, TypeError, m.Type)
		assert.Equal(t, "join a shopping list first", m.Message)
	}
	assert.Empty(t, f.store.calls, "nothing is persisted without a subscription")
}

func TestNotifier_MalformedFrame(t *testing.T) {
	f := newNotifierFixture()
	a := newFakeConn("a")
	f.join(a, "list")

	f.notifier.HandleMessage(context.Background(), a, []byte(`not json`))
	f.notifier.HandleMessage(context.Background(), a, []byte(`{"type":"bogus"}`))

	msgs := a.outbound(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeError, msgs[0].Type)
	assert.Equal(t, TypeError, msgs[1].Type)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.messagesTotal.WithLabelValues("invalid")))
}

func TestNotifier_UpdateItemRelaysToPeers(t *testing.T) {
	f := newNotifierFixture()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	f.join(a, "list")
	f.join(b, "list")
	f.join(c, "other")

	f.notifier.HandleMessage(context.Background(), a, []byte(`{"type":"update_item","data":{"index":2,"qty":3}}`))

	assert.Empty(t, a.received())
	assert.Empty(t, c.received())
	require.Len(t, b.received(), 1)
	assert.JSONEq(t, `{"type":"item_updated","data":{"index":2,"qty":3}}`, string(b.received()[0]))
}

func TestNotifier_TogglePersistsThenBroadcasts(t *testing.T) {
	f := newNotifierFixture()
	a, b := newFakeConn("a"), newFakeConn("b")
	f.join(a, "list")
	f.join(b, "list")

	f.notifier.HandleMessage(context.Background(), a, []byte(`{"type":"toggle_completed","data":{"index":1,"checked":true}}`))

	require.Equal(t, []toggleCall{{"list", 1, true}}, f.store.calls)
	assert.Empty(t, a.received(), "the sender already applied the change")
	require.Len(t, b.received(), 1)
	assert.JSONEq(t,
		`{"type":"item_toggled","data":{"index":1,"checked":true,"checkedAt":"2024-03-01T12:00:00Z","updatedAt":"2024-03-01T12:00:00Z"}}`,
		string(b.received()[0]))
}

func TestNotifier_ToggleFailureRepliesToSenderOnly(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"not found", service.ErrNotFound, "shopping list or item not found"},
		{"persistence", fmt.Errorf("update: %w", service.ErrPersistence), "failed to update item"},
		{"other", errors.New("boom"), "failed to update item"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newNotifierFixture()
			f.store.err = tt.err
			a, b := newFakeConn("a"), newFakeConn("b")
			f.join(a, "list")
			f.join(b, "list")

			f.notifier.HandleMessage(context.Background(), a, []byte(`{"type":"toggle_completed","data":{"index":9,"checked":true}}`))

			msgs := a.outbound(t)
			require.Len(t, msgs, 1)
			assert.Equal(t, TypeError, msgs[0].Type)
			assert.Equal(t, tt.message, msgs[0].Message)
			assert.Empty(t, b.received(), "failed writes are never broadcast")
		})
	}
}

func TestNotifier_SwitchSupplierAndBroadcast(t *testing.T) {
	f := newNotifierFixture()
	a, b := newFakeConn("a"), newFakeConn("b")
	f.join(a, "list")
	f.join(b, "list")

	f.notifier.HandleMessage(context.Background(), a, []byte(`{"type":"switch_supplier","data":{}}`))
	f.notifier.HandleMessage(context.Background(), a, []byte(`{"type":"picklist_update_broadcast","data":{"updateType":"check","index":4,"shareId":"forged"}}`))

	assert.Empty(t, a.received())
	frames := b.received()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"picklist_updated","data":{"updateType":"supplier_switch","shareId":"list","timestamp":"2024-03-01T12:00:00Z"}}`, string(frames[0]))
	assert.JSONEq(t, `{"type":"picklist_updated","data":{"updateType":"check","index":4,"shareId":"list","timestamp":"2024-03-01T12:00:00Z"}}`, string(frames[1]))
}

func TestNotifier_ListExpiredReachesEveryone(t *testing.T) {
	f := newNotifierFixture()
	a, b := newFakeConn("a"), newFakeConn("b")
	f.join(a, "list")
	f.join(b, "list")

	f.notifier.ListExpired("list")

	for _, c := range []*fakeConn{a, b} {
		require.Len(t, c.received(), 1)
		assert.JSONEq(t, `{"type":"picklist_updated","data":{"updateType":"expired","shareId":"list","timestamp":"2024-03-01T12:00:00Z"}}`, string(c.received()[0]))
	}
}
