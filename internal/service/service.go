package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/picklistsync/internal/models"
	"github.com/Kerhoff/picklistsync/internal/repository"
)

const (
	defaultTitle     = "Shopping List"
	tokenBytes       = 32
	maxTokenAttempts = 3
)

// Options configures a Service.
type Options struct {
	ShareTTL      time.Duration
	PublicBaseURL string
}

// Service is the business logic layer in front of the shopping list store.
type Service struct {
	logger  *logrus.Logger
	Lists   repository.ShoppingListRepository
	ttl     time.Duration
	baseURL string

	now      func() time.Time
	newToken func() (string, error)
}

// New creates a new Service.
func New(logger *logrus.Logger, lists repository.ShoppingListRepository, opts Options) *Service {
	ttl := opts.ShareTTL
	if ttl <= 0 {
		ttl = models.DefaultShareTTL
	}
	return &Service{
		logger:   logger,
		Lists:    lists,
		ttl:      ttl,
		baseURL:  strings.TrimRight(opts.PublicBaseURL, "/"),
		now:      time.Now,
		newToken: generateShareToken,
	}
}

// generateShareToken returns 256 bits of randomness, URL-safe base64 without padding.
func generateShareToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ShareURL returns the public URL of a shared list.
func (s *Service) ShareURL(token string) string {
	return s.baseURL + "/shared/" + token
}

// CreateShare stores a new shared list built from a picklist. Purchased
// quantities always start at zero; a missing requested quantity means 1.
func (s *Service) CreateShare(ctx context.Context, title string, items []models.LineItem) (*models.ShoppingList, error) {
	v := &validator{}
	if len(items) == 0 {
		v.addf("picklist is required")
	}

	prepared := make([]models.LineItem, len(items))
	for i, item := range items {
		item = item.Clone()
		item.Index = i
		item.ItemText = strings.TrimSpace(item.ItemText)
		item.PurchasedQuantity = 0
		if item.RequestedQuantity == 0 {
			item.RequestedQuantity = 1
		}
		if item.RequestedQuantity < 0 {
			v.addf("item %d: quantity must be at least 1", i)
		}
		validatePrices(v, i, item)
		prepared[i] = item
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}

	now := s.now().UTC()
	for attempt := 1; ; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return nil, err
		}

		list := &models.ShoppingList{
			ShareToken: token,
			Title:      title,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.ttl),
			Items:      models.CloneItems(prepared),
		}

		created, err := s.Lists.Create(ctx, list)
		if errors.Is(err, repository.ErrDuplicateToken) && attempt < maxTokenAttempts {
			s.logger.Warn("Share token collision, regenerating")
			continue
		}
		if err != nil {
			return nil, persistence("create share", err)
		}

		s.logger.WithFields(logrus.Fields{
			"items":      len(created.Items),
			"expires_at": created.ExpiresAt,
		}).Info("Created shared shopping list")
		return created, nil
	}
}

// GetShare returns the list for a share token. Expired lists are reported
// as not found even before the sweeper deletes them.
func (s *Service) GetShare(ctx context.Context, token string) (*models.ShoppingList, error) {
	list, err := s.Lists.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistence("get share", err)
	}
	if list.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return list, nil
}

// UpdateItemQuantity sets the purchased quantity of the item at index.
func (s *Service) UpdateItemQuantity(ctx context.Context, token string, index, purchased int) (*models.LineItem, error) {
	list, err := s.GetShare(ctx, token)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(list.Items) {
		return nil, ErrNotFound
	}

	v := &validator{}
	validateQuantity(v, list.Items[index], purchased)
	if err := v.err(); err != nil {
		return nil, err
	}

	item, err := s.Lists.UpdatePurchasedQuantity(ctx, token, index, purchased)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistence("update item quantity", err)
	}

	s.logger.WithFields(logrus.Fields{
		"index":     index,
		"purchased": item.PurchasedQuantity,
		"requested": item.RequestedQuantity,
	}).Debug("Updated purchased quantity")
	return item, nil
}

// SetCompleted marks an item fully purchased or resets it to zero.
func (s *Service) SetCompleted(ctx context.Context, token string, index int, checked bool) (*models.LineItem, error) {
	list, err := s.GetShare(ctx, token)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(list.Items) {
		return nil, ErrNotFound
	}

	purchased := 0
	if checked {
		purchased = list.Items[index].RequestedQuantity
	}
	return s.UpdateItemQuantity(ctx, token, index, purchased)
}

// UpdateItemQuantities applies several quantity updates in one write and
// returns the resulting list.
func (s *Service) UpdateItemQuantities(ctx context.Context, token string, updates []models.QuantityUpdate) (*models.ShoppingList, error) {
	list, err := s.GetShare(ctx, token)
	if err != nil {
		return nil, err
	}

	v := &validator{}
	if len(updates) == 0 {
		v.addf("updates are required")
	}
	for _, u := range updates {
		if u.Index < 0 || u.Index >= len(list.Items) {
			return nil, ErrNotFound
		}
		validateQuantity(v, list.Items[u.Index], u.PurchasedQuantity)
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	if err := s.Lists.UpdatePurchasedQuantities(ctx, token, updates); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistence("update item quantities", err)
	}

	s.logger.WithField("updates", len(updates)).Debug("Applied bulk quantity update")
	return s.GetShare(ctx, token)
}

// ReplacePicklist overwrites the supplier-related fields of every item. The
// array must keep its length because positions key the purchase state, and
// requested and purchased quantities stay as stored.
func (s *Service) ReplacePicklist(ctx context.Context, token string, items []models.LineItem) (*models.ShoppingList, error) {
	list, err := s.GetShare(ctx, token)
	if err != nil {
		return nil, err
	}

	v := &validator{}
	if items == nil {
		v.addf("picklist is required")
	} else if len(items) != len(list.Items) {
		v.addf("picklist has %d items, expected %d", len(items), len(list.Items))
	}
	for i, item := range items {
		validatePrices(v, i, item)
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	if err := s.Lists.ReplaceItems(ctx, token, items); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistence("replace picklist", err)
	}

	s.logger.WithField("items", len(items)).Debug("Replaced picklist")
	return s.GetShare(ctx, token)
}

func validateQuantity(v *validator, item models.LineItem, purchased int) {
	if purchased < 0 {
		v.addf("item %d: purchasedQuantity must not be negative", item.Index)
	}
	if purchased > item.RequestedQuantity {
		v.addf("item %d: purchasedQuantity %d exceeds requested quantity %d",
			item.Index, purchased, item.RequestedQuantity)
	}
}

func validatePrices(v *validator, i int, item models.LineItem) {
	if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
		v.addf("item %d: unitPrice must not be negative", i)
	}
	if item.TotalPrice != nil && item.TotalPrice.IsNegative() {
		v.addf("item %d: totalPrice must not be negative", i)
	}
}
