package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/picklistsync/internal/models"
	"github.com/Kerhoff/picklistsync/internal/service"
)

// ItemStore persists the completion state of a single item.
type ItemStore interface {
	SetCompleted(ctx context.Context, shareToken string, index int, checked bool) (*models.LineItem, error)
}

// Notifier decodes inbound frames and routes them to the registry. Every
// broadcast it makes excludes the connection that caused it.
type Notifier struct {
	registry *Registry
	store    ItemStore
	logger   *logrus.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewNotifier creates a Notifier on top of registry.
func NewNotifier(registry *Registry, store ItemStore, logger *logrus.Logger, metrics *Metrics) *Notifier {
	return &Notifier{
		registry: registry,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// HandleMessage processes one text frame received from conn. Failures are
// reported to conn only.
func (n *Notifier) HandleMessage(ctx context.Context, conn Conn, raw []byte) {
	msg, err := DecodeInbound(raw)
	if err != nil {
		n.metrics.message("invalid")
		n.logger.WithError(err).WithField("conn", conn.ID()).Debug("Rejected inbound message")
		n.replyError(conn, err.Error())
		return
	}

	switch m := msg.(type) {
	case JoinMessage:
		n.metrics.message(TypeJoinShoppingList)
		n.registry.Join(conn, m.ShareToken)

	case UpdateItemMessage:
		n.metrics.message(TypeUpdateItem)
		token, ok := n.requireSubscription(conn)
		if !ok {
			return
		}
		out, err := EncodeItemUpdated(m.Data)
		if err != nil {
			n.replyError(conn, "failed to encode item update")
			return
		}
		n.registry.Broadcast(token, out, conn)

	case ToggleCompletedMessage:
		n.metrics.message(TypeToggleCompleted)
		n.handleToggle(ctx, conn, m)

	case SwitchSupplierMessage:
		n.metrics.message(TypeSwitchSupplier)
		token, ok := n.requireSubscription(conn)
		if !ok {
			return
		}
		n.PicklistUpdated(token, map[string]json.RawMessage{
			"updateType": json.RawMessage(`"supplier_switch"`),
		}, conn)

	case PicklistUpdateBroadcastMessage:
		n.metrics.message(TypePicklistUpdateBroadcast)
		token, ok := n.requireSubscription(conn)
		if !ok {
			return
		}
		n.PicklistUpdated(token, m.Extra, conn)

	default:
		panic(fmt.Sprintf("realtime: unhandled inbound message %T", msg))
	}
}

func (n *Notifier) handleToggle(ctx context.Context, conn Conn, m ToggleCompletedMessage) {
	token, ok := n.requireSubscription(conn)
	if !ok {
		return
	}

	if _, err := n.store.SetCompleted(ctx, token, m.Index, m.Checked); err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			n.replyError(conn, "shopping list or item not found")
		case errors.Is(err, service.ErrValidation):
			n.replyError(conn, err.Error())
		default:
			n.logger.WithError(err).WithField("index", m.Index).Error("Failed to persist toggle")
			n.replyError(conn, "failed to update item")
		}
		return
	}

	now := n.now().UTC()
	toggled := ItemToggled{Index: m.Index, Checked: m.Checked, UpdatedAt: now}
	if m.Checked {
		toggled.CheckedAt = &now
	}
	out, err := EncodeItemToggled(toggled)
	if err != nil {
		n.logger.WithError(err).Error("Failed to encode item_toggled")
		return
	}
	n.registry.Broadcast(token, out, conn)
}

// PicklistUpdated broadcasts a refetch signal for shareToken to every
// subscriber except exclude, which may be nil.
func (n *Notifier) PicklistUpdated(shareToken string, extra map[string]json.RawMessage, exclude Conn) int {
	out, err := EncodePicklistUpdated(shareToken, n.now(), extra)
	if err != nil {
		n.logger.WithError(err).Error("Failed to encode picklist_updated")
		if exclude != nil {
			n.replyError(exclude, "failed to encode update signal")
		}
		return 0
	}
	return n.registry.Broadcast(shareToken, out, exclude)
}

// ListExpired signals the subscribers of an expired list so they refetch
// and observe that it is gone. It matches service.ExpiryCallback.
func (n *Notifier) ListExpired(shareToken string) {
	n.PicklistUpdated(shareToken, map[string]json.RawMessage{
		"updateType": json.RawMessage(`"expired"`),
	}, nil)
}

func (n *Notifier) requireSubscription(conn Conn) (string, bool) {
	token, ok := n.registry.Subscription(conn)
	if !ok {
		n.replyError(conn, "join a shopping list first")
	}
	return token, ok
}

func (n *Notifier) replyError(conn Conn, message string) {
	out, err := EncodeError(message)
	if err != nil {
		return
	}
	if !conn.IsOpen() {
		return
	}
	if err := conn.Send(out); err != nil {
		n.logger.WithError(err).WithField("conn", conn.ID()).Debug("Failed to deliver error reply")
	}
}
