package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/Kerhoff/picklistsync/internal/models"
	"github.com/Kerhoff/picklistsync/internal/repository"
)

const uniqueViolation = "23505"

type shoppingListRepository struct {
	db *sql.DB
}

// NewShoppingListRepository creates a new shopping list repository
func NewShoppingListRepository(db *sql.DB) repository.ShoppingListRepository {
	return &shoppingListRepository{db: db}
}

const itemColumns = `idx, item_text, product_id, selected_supplier, unit_price, total_price,
		requested_quantity, purchased_quantity, back_ordered, offers`

func (r *shoppingListRepository) Create(ctx context.Context, list *models.ShoppingList) (*models.ShoppingList, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO shopping_lists (share_token, title, created_at, expires_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.ExecContext(ctx, query,
		list.ShareToken,
		list.Title,
		list.CreatedAt,
		list.ExpiresAt,
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, repository.ErrDuplicateToken
		}
		return nil, fmt.Errorf("failed to create shopping list: %w", err)
	}

	itemQuery := `
		INSERT INTO shopping_list_items (share_token, ` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	for i := range list.Items {
		item := &list.Items[i]
		item.Index = i
		offers, err := encodeOffers(item.Offers)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, itemQuery,
			list.ShareToken,
			item.Index,
			item.ItemText,
			nullString(item.ProductID),
			nullString(item.SelectedSupplier),
			nullDecimal(item.UnitPrice),
			nullDecimal(item.TotalPrice),
			item.RequestedQuantity,
			item.PurchasedQuantity,
			item.BackOrdered,
			offers,
		); err != nil {
			return nil, fmt.Errorf("failed to insert item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit shopping list: %w", err)
	}

	return list, nil
}

func (r *shoppingListRepository) GetByToken(ctx context.Context, token string) (*models.ShoppingList, error) {
	query := `
		SELECT share_token, title, created_at, expires_at
		FROM shopping_lists
		WHERE share_token = $1`

	list := &models.ShoppingList{}
	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&list.ShareToken,
		&list.Title,
		&list.CreatedAt,
		&list.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get shopping list: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM shopping_list_items
		WHERE share_token = $1
		ORDER BY idx ASC`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to query shopping list items: %w", err)
	}
	defer rows.Close()

	list.Items = []models.LineItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		list.Items = append(list.Items, *item)
	}

	return list, rows.Err()
}

func (r *shoppingListRepository) UpdatePurchasedQuantity(ctx context.Context, token string, index, purchased int) (*models.LineItem, error) {
	query := `
		UPDATE shopping_list_items
		SET purchased_quantity = $3
		WHERE share_token = $1 AND idx = $2
		RETURNING ` + itemColumns

	item, err := scanItem(r.db.QueryRowContext(ctx, query, token, index, purchased))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	return item, nil
}

func (r *shoppingListRepository) UpdatePurchasedQuantities(ctx context.Context, token string, updates []models.QuantityUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE shopping_list_items
		SET purchased_quantity = $3
		WHERE share_token = $1 AND idx = $2`

	for _, u := range updates {
		if err := execOne(ctx, tx, query, token, u.Index, u.PurchasedQuantity); err != nil {
			return fmt.Errorf("failed to update item %d: %w", u.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quantity updates: %w", err)
	}
	return nil
}

func (r *shoppingListRepository) ReplaceItems(ctx context.Context, token string, items []models.LineItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE shopping_list_items
		SET item_text = $3, product_id = $4, selected_supplier = $5, unit_price = $6,
			total_price = $7, back_ordered = $8, offers = $9
		WHERE share_token = $1 AND idx = $2`

	for i, item := range items {
		offers, err := encodeOffers(item.Offers)
		if err != nil {
			return err
		}
		if err := execOne(ctx, tx, query,
			token,
			i,
			item.ItemText,
			nullString(item.ProductID),
			nullString(item.SelectedSupplier),
			nullDecimal(item.UnitPrice),
			nullDecimal(item.TotalPrice),
			item.BackOrdered,
			offers,
		); err != nil {
			return fmt.Errorf("failed to replace item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit picklist: %w", err)
	}
	return nil
}

func (r *shoppingListRepository) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	query := `DELETE FROM shopping_lists WHERE expires_at <= $1 RETURNING share_token`

	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired lists: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("failed to scan expired token: %w", err)
		}
		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

func (r *shoppingListRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// execOne runs an update that must touch exactly one row.
func execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.LineItem, error) {
	var (
		item       models.LineItem
		productID  sql.NullString
		supplier   sql.NullString
		unitPrice  decimal.NullDecimal
		totalPrice decimal.NullDecimal
		offers     []byte
	)

	if err := row.Scan(
		&item.Index,
		&item.ItemText,
		&productID,
		&supplier,
		&unitPrice,
		&totalPrice,
		&item.RequestedQuantity,
		&item.PurchasedQuantity,
		&item.BackOrdered,
		&offers,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan shopping list item: %w", err)
	}

	item.ProductID = productID.String
	item.SelectedSupplier = supplier.String
	if unitPrice.Valid {
		item.UnitPrice = &unitPrice.Decimal
	}
	if totalPrice.Valid {
		item.TotalPrice = &totalPrice.Decimal
	}
	if len(offers) > 0 {
		if err := json.Unmarshal(offers, &item.Offers); err != nil {
			return nil, fmt.Errorf("failed to decode offers for item %d: %w", item.Index, err)
		}
	}

	return &item, nil
}

// encodeOffers returns nil for an empty slice so the column is stored as NULL.
func encodeOffers(offers []models.SupplierOffer) (any, error) {
	if len(offers) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(offers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode offers: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
