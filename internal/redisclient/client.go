package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

// Client wraps redis with the Lua scripts used by the availability gate.
// The gate is advisory: it answers "clearly out of stock" fast, while the
// database row locks stay the authority for every reservation.
type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		commitScript:  redis.NewScript(commitStockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func variantKey(variantID int64) string {
	return fmt.Sprintf("stock:%d", variantID)
}

// GateReserve atomically decrements the mirrored availability.
// Returns (true, nil) when the gate admits the quantity, (false, nil) when
// the mirror says there is not enough stock. An unknown variant admits the
// request; the database decides.
func (c *Client) GateReserve(ctx context.Context, variantID int64, quantity int) (bool, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{variantKey(variantID)}, quantity).Result()
	if err != nil {
		return false, fmt.Errorf("reserve stock script failed: %w", err)
	}

	outcome, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return outcome != 0, nil
}

// GateRelease returns a quantity to the mirrored availability
func (c *Client) GateRelease(ctx context.Context, variantID int64, quantity int) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{variantKey(variantID)}, quantity).Result()
	if err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}
	return nil
}

// GateCommit drops a reserved quantity from the mirror after the physical
// stock decrement happened in the database
func (c *Client) GateCommit(ctx context.Context, variantID int64, quantity int) error {
	_, err := c.commitScript.Run(ctx, c.rdb, []string{variantKey(variantID)}, quantity).Result()
	if err != nil {
		return fmt.Errorf("commit stock script failed: %w", err)
	}
	return nil
}

// InitStock seeds the mirrored availability for a variant
func (c *Client) InitStock(ctx context.Context, variantID int64, available, reserved int) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, variantKey(variantID), "available", available)
	pipe.HSet(ctx, variantKey(variantID), "reserved", reserved)

	_, err := pipe.Exec(ctx)
	return err
}

// GetStock retrieves the mirrored availability counts
func (c *Client) GetStock(ctx context.Context, variantID int64) (available, reserved int, err error) {
	result, err := c.rdb.HGetAll(ctx, variantKey(variantID)).Result()
	if err != nil {
		return 0, 0, err
	}
	if len(result) == 0 {
		return 0, 0, fmt.Errorf("stock mirror not found for variant %d", variantID)
	}

	available, _ = strconv.Atoi(result["available"])
	reserved, _ = strconv.Atoi(result["reserved"])
	return available, reserved, nil
}

// CacheOrderForKey records the order produced for an idempotency key so
// replays can short-circuit before touching the database
func (c *Client) CacheOrderForKey(ctx context.Context, userID int64, key string, orderID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%d:%s", userID, key), orderID, ttl).Err()
}

// CachedOrderForKey returns the cached order id for an idempotency key, or 0
// when the key is unknown
func (c *Client) CachedOrderForKey(ctx context.Context, userID int64, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%d:%s", userID, key)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	orderID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, err
	}
	return orderID, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
