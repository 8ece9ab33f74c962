// Package gormstore is the durable order ledger. The unique index on
// payment_reference is the storage-enforced idempotency contract: the
// conflict-ignoring insert either writes the first row or leaves the
// existing one untouched.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/farmgate/checkout-backend/internal/domain/order"
)

type orderRow struct {
	ID               string        `gorm:"primaryKey;size:64"`
	BuyerID          string        `gorm:"size:64;not null;index"`
	ProductID        string        `gorm:"size:64;not null;index"`
	Quantity         int           `gorm:"not null"`
	Status           domain.Status `gorm:"size:16;not null"`
	PaymentReference string        `gorm:"size:128;uniqueIndex;not null"`
	InventoryApplied bool          `gorm:"not null;default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (orderRow) TableName() string { return "orders" }

type OrderRepository struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the orders table.
func Open(dsn string) (*OrderRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("gormstore: open: %w", err)
	}
	if err := db.AutoMigrate(&orderRow{}); err != nil {
		return nil, fmt.Errorf("gormstore: migrate: %w", err)
	}
	return &OrderRepository{db: db}, nil
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) CreateIfAbsent(ctx context.Context, o *domain.Order) (*domain.Order, bool, error) {
	if o == nil || o.ID == "" {
		return nil, false, fmt.Errorf("gormstore: id is required")
	}
	if o.PaymentReference == "" {
		return nil, false, domain.ErrMissingPaymentReference
	}

	row := toRow(o)
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_reference"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("gormstore: insert: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return fromRow(row), true, nil
	}

	// Insert was a no-op: another delivery won the race. Read the winner.
	var existing orderRow
	err := r.db.WithContext(ctx).
		Where("payment_reference = ?", o.PaymentReference).
		First(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("gormstore: replay lookup: %w", err)
	}
	return fromRow(existing), false, nil
}

// ClaimInventory relies on the conditional update as the compare-and-set:
// with concurrent deliveries only one update matches the unapplied row.
func (r *OrderRepository) ClaimInventory(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&orderRow{}).
		Where("id = ? AND inventory_applied = ?", id, false).
		Update("inventory_applied", true)
	if res.Error != nil {
		return false, fmt.Errorf("gormstore: claim inventory: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var exists int64
	if err := r.db.WithContext(ctx).Model(&orderRow{}).Where("id = ?", id).Count(&exists).Error; err != nil {
		return false, fmt.Errorf("gormstore: claim inventory: %w", err)
	}
	if exists == 0 {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (r *OrderRepository) ReleaseInventory(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Model(&orderRow{}).
		Where("id = ?", id).
		Update("inventory_applied", false)
	if res.Error != nil {
		return fmt.Errorf("gormstore: release inventory: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	var row orderRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gormstore: get: %w", err)
	}
	return fromRow(row), nil
}

func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerID string) ([]*domain.Order, error) {
	return r.list(ctx, "buyer_id = ?", buyerID)
}

func (r *OrderRepository) ListByProduct(ctx context.Context, productID string) ([]*domain.Order, error) {
	return r.list(ctx, "product_id = ?", productID)
}

func (r *OrderRepository) list(ctx context.Context, query string, arg any) ([]*domain.Order, error) {
	var rows []orderRow
	err := r.db.WithContext(ctx).Where(query, arg).Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: list: %w", err)
	}

	out := make([]*domain.Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func toRow(o *domain.Order) orderRow {
	return orderRow{
		ID:               o.ID,
		BuyerID:          o.BuyerID,
		ProductID:        o.ProductID,
		Quantity:         o.Quantity,
		Status:           o.Status,
		PaymentReference: o.PaymentReference,
		InventoryApplied: o.InventoryApplied,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func fromRow(row orderRow) *domain.Order {
	return &domain.Order{
		ID:               row.ID,
		BuyerID:          row.BuyerID,
		ProductID:        row.ProductID,
		Quantity:         row.Quantity,
		Status:           row.Status,
		PaymentReference: row.PaymentReference,
		InventoryApplied: row.InventoryApplied,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}
