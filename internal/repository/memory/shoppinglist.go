// Package memory provides an in-process ShoppingListRepository used for
// development (STORE_DRIVER=memory) and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Kerhoff/picklistsync/internal/models"
	"github.com/Kerhoff/picklistsync/internal/repository"
)

type shoppingListRepository struct {
	mu    sync.RWMutex
	lists map[string]*models.ShoppingList
}

// NewShoppingListRepository creates an empty in-memory repository.
func NewShoppingListRepository() repository.ShoppingListRepository {
	return &shoppingListRepository{lists: make(map[string]*models.ShoppingList)}
}

func (r *shoppingListRepository) Create(_ context.Context, list *models.ShoppingList) (*models.ShoppingList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.lists[list.ShareToken]; exists {
		return nil, repository.ErrDuplicateToken
	}
	stored := *list
	stored.Items = models.CloneItems(list.Items)
	for i := range stored.Items {
		stored.Items[i].Index = i
	}
	r.lists[list.ShareToken] = &stored

	out := stored
	out.Items = models.CloneItems(stored.Items)
	return &out, nil
}

func (r *shoppingListRepository) GetByToken(_ context.Context, token string) (*models.ShoppingList, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list, ok := r.lists[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *list
	out.Items = models.CloneItems(list.Items)
	return &out, nil
}

func (r *shoppingListRepository) UpdatePurchasedQuantity(_ context.Context, token string, index, purchased int) (*models.LineItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.lists[token]
	if !ok || index < 0 || index >= len(list.Items) {
		return nil, repository.ErrNotFound
	}
	list.Items[index].PurchasedQuantity = purchased
	item := list.Items[index].Clone()
	return &item, nil
}

func (r *shoppingListRepository) UpdatePurchasedQuantities(_ context.Context, token string, updates []models.QuantityUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.lists[token]
	if !ok {
		return repository.ErrNotFound
	}
	for _, u := range updates {
		if u.Index < 0 || u.Index >= len(list.Items) {
			return repository.ErrNotFound
		}
	}
	for _, u := range updates {
		list.Items[u.Index].PurchasedQuantity = u.PurchasedQuantity
	}
	return nil
}

func (r *shoppingListRepository) ReplaceItems(_ context.Context, token string, items []models.LineItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.lists[token]
	if !ok || len(items) > len(list.Items) {
		return repository.ErrNotFound
	}
	for i, item := range items {
		next := item.Clone()
		next.Index = i
		next.RequestedQuantity = list.Items[i].RequestedQuantity
		next.PurchasedQuantity = list.Items[i].PurchasedQuantity
		list.Items[i] = next
	}
	return nil
}

func (r *shoppingListRepository) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tokens []string
	for token, list := range r.lists {
		if list.Expired(now) {
			delete(r.lists, token)
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

func (r *shoppingListRepository) Ping(context.Context) error {
	return nil
}
