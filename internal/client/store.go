// Package client implements the browser-side half of shared shopping
// lists: an HTTP client for the store, a reconnecting realtime channel, and
// the reconciliation engine that merges local actions with remote changes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Kerhoff/picklistsync/internal/models"
)

var (
	// ErrNotFound means the list is unknown or expired.
	ErrNotFound = errors.New("shopping list not found or expired")
	// ErrValidation means the server rejected the request body.
	ErrValidation = errors.New("invalid request")
	// ErrPersistence means the server failed to read or write the list.
	ErrPersistence = errors.New("server failed to persist")
	// ErrTransport means the request never produced a response.
	ErrTransport = errors.New("transport failure")
)

// Store is the subset of the shopping list API the engine depends on.
type Store interface {
	Fetch(ctx context.Context, shareToken string) (*models.ShoppingList, error)
	UpdateQuantity(ctx context.Context, shareToken string, index, purchased int) (*QuantityResult, error)
	UpdateQuantities(ctx context.Context, shareToken string, updates []models.QuantityUpdate) ([]models.LineItem, error)
	ReplacePicklist(ctx context.Context, shareToken string, items []models.LineItem) ([]models.LineItem, error)
}

// QuantityResult is the server's view of an item after a quantity update.
type QuantityResult struct {
	Index             int `json:"index"`
	PurchasedQuantity int `json:"purchasedQuantity"`
	RequestedQuantity int `json:"requestedQuantity"`
}

// ShareResult is returned when a list is shared.
type ShareResult struct {
	ShareID   string    `json:"shareId"`
	ShareURL  string    `json:"shareUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HTTPStore talks to the shopping list HTTP API.
type HTTPStore struct {
	baseURL *url.URL
	http    *http.Client
}

// NewHTTPStore creates a client for the API rooted at baseURL. A nil
// httpClient means http.DefaultClient.
func NewHTTPStore(baseURL string, httpClient *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPStore{baseURL: u, http: httpClient}, nil
}

// CreateShare publishes a picklist as a new shared list.
func (s *HTTPStore) CreateShare(ctx context.Context, title string, items []models.LineItem) (*ShareResult, error) {
	var out ShareResult
	body := map[string]any{"title": title, "picklist": items}
	if err := s.do(ctx, http.MethodPost, s.baseURL.JoinPath("share"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fetch returns the current state of the list.
func (s *HTTPStore) Fetch(ctx context.Context, shareToken string) (*models.ShoppingList, error) {
	var out models.ShoppingList
	if err := s.do(ctx, http.MethodGet, s.baseURL.JoinPath("share", shareToken), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateQuantity sets the purchased quantity of one item.
func (s *HTTPStore) UpdateQuantity(ctx context.Context, shareToken string, index, purchased int) (*QuantityResult, error) {
	var out QuantityResult
	body := map[string]int{"purchasedQuantity": purchased}
	u := s.baseURL.JoinPath("share", shareToken, "item", strconv.Itoa(index))
	if err := s.do(ctx, http.MethodPut, u, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateQuantities applies several quantity updates in one request.
func (s *HTTPStore) UpdateQuantities(ctx context.Context, shareToken string, updates []models.QuantityUpdate) ([]models.LineItem, error) {
	var out struct {
		Picklist []models.LineItem `json:"picklist"`
	}
	body := map[string]any{"updates": updates}
	if err := s.do(ctx, http.MethodPut, s.baseURL.JoinPath("share", shareToken, "items"), body, &out); err != nil {
		return nil, err
	}
	return out.Picklist, nil
}

// ReplacePicklist writes the whole picklist, used for supplier changes.
func (s *HTTPStore) ReplacePicklist(ctx context.Context, shareToken string, items []models.LineItem) ([]models.LineItem, error) {
	var out struct {
		Picklist []models.LineItem `json:"picklist"`
	}
	body := map[string]any{"picklist": items}
	if err := s.do(ctx, http.MethodPut, s.baseURL.JoinPath("share", shareToken, "picklist"), body, &out); err != nil {
		return nil, err
	}
	return out.Picklist, nil
}

func (s *HTTPStore) do(ctx context.Context, method string, u *url.URL, body, dst any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, u.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrPersistence, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	default:
		return fmt.Errorf("%w: %d %s", ErrPersistence, resp.StatusCode, msg)
	}
}
