package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Kerhoff/picklistsync/internal/models"
)

var (
	// ErrNotFound is returned when a share token or item index does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateToken is returned when a share token collides with an existing list.
	ErrDuplicateToken = errors.New("share token already exists")
)

// ShoppingListRepository defines the interface for shared shopping list storage
type ShoppingListRepository interface {
	// Create stores a new list together with its items.
	Create(ctx context.Context, list *models.ShoppingList) (*models.ShoppingList, error)
	// GetByToken returns the list with its items ordered by index.
	GetByToken(ctx context.Context, token string) (*models.ShoppingList, error)
	// UpdatePurchasedQuantity sets one item's purchased quantity and returns the stored item.
	UpdatePurchasedQuantity(ctx context.Context, token string, index, purchased int) (*models.LineItem, error)
	// UpdatePurchasedQuantities applies several quantity updates atomically.
	UpdatePurchasedQuantities(ctx context.Context, token string, updates []models.QuantityUpdate) error
	// ReplaceItems overwrites the supplier and price fields of every item.
	// Stored requested and purchased quantities are kept.
	ReplaceItems(ctx context.Context, token string, items []models.LineItem) error
	// DeleteExpired removes every list that expired before now and returns their tokens.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}
