package redisinv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/farmgate/checkout-backend/internal/domain/product"
)

const (
	indexKey  = "products"
	keyPrefix = "product:"
)

// decrementScript performs the floor-at-zero decrement server-side so the
// check and the write are one atomic step regardless of how many service
// instances share the store. Returns {newQuantity, deficit} or -1 when the
// product hash does not exist.
var decrementScript = redis.NewScript(`
local qty = redis.call('HGET', KEYS[1], 'quantity')
if not qty then
  return {-1, 0}
end
qty = tonumber(qty)
local amount = tonumber(ARGV[1])
local deficit = 0
local newq
if amount > qty then
  deficit = amount - qty
  newq = 0
else
  newq = qty - amount
end
redis.call('HSET', KEYS[1], 'quantity', newq)
return {newq, deficit}
`)

// ProductRepository stores each product as a hash and keeps an id index set.
type ProductRepository struct {
	client *redis.Client
}

func NewProductRepository(client *redis.Client) *ProductRepository {
	return &ProductRepository{client: client}
}

func (r *ProductRepository) Get(ctx context.Context, id string) (*domain.Product, error) {
	fields, err := r.client.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get product: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return fromHash(id, fields)
}

func (r *ProductRepository) Save(ctx context.Context, p *domain.Product) error {
	if p == nil || p.ID == "" {
		return domain.ErrNotFound
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, keyPrefix+p.ID, map[string]any{
		"seller_id":   p.SellerID,
		"name":        p.Name,
		"category":    p.Category,
		"description": p.Description,
		"unit_price":  p.UnitPrice,
		"quantity":    p.Quantity,
		"updated_at":  p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.SAdd(ctx, indexKey, p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save product: %w", err)
	}
	return nil
}

func (r *ProductRepository) List(ctx context.Context) ([]*domain.Product, error) {
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list products: %w", err)
	}

	out := make([]*domain.Product, 0, len(ids))
	for _, id := range ids {
		p, err := r.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *ProductRepository) TryDecrement(ctx context.Context, id string, amount int) (domain.DecrementResult, error) {
	if amount <= 0 {
		return domain.DecrementResult{}, domain.ErrInvalidQuantity
	}

	raw, err := decrementScript.Run(ctx, r.client, []string{keyPrefix + id}, amount).Result()
	if err != nil {
		return domain.DecrementResult{}, fmt.Errorf("redis: decrement: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 2 {
		return domain.DecrementResult{}, fmt.Errorf("redis: decrement: unexpected reply %v", raw)
	}
	newQty, _ := values[0].(int64)
	deficit, _ := values[1].(int64)
	if newQty < 0 {
		return domain.DecrementResult{}, domain.ErrNotFound
	}

	return domain.DecrementResult{
		NewQuantity: int(newQty),
		Oversold:    deficit > 0,
		Deficit:     int(deficit),
	}, nil
}

func fromHash(id string, fields map[string]string) (*domain.Product, error) {
	price, err := strconv.ParseInt(fields["unit_price"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: product %s: bad unit_price: %w", id, err)
	}
	qty, err := strconv.Atoi(fields["quantity"])
	if err != nil {
		return nil, fmt.Errorf("redis: product %s: bad quantity: %w", id, err)
	}
	updatedAt, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])

	return &domain.Product{
		ID:          id,
		SellerID:    fields["seller_id"],
		Name:        fields["name"],
		Category:    fields["category"],
		Description: fields["description"],
		UnitPrice:   price,
		Quantity:    qty,
		UpdatedAt:   updatedAt,
	}, nil
}
