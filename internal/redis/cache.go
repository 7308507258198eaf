package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	pointsBoardKey = "koyon:points:board"
	betCountsKey   = "koyon:bets:counts"
	mintedKey      = "koyon:mints:addresses"
)

// Cache mirrors balances, bet counts and mint status for fast reads.
// Postgres stays authoritative; everything here can be rebuilt from it.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewCache creates a new Redis cache
func NewCache(cfg *config.RedisConfig, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewCacheFromClient(client, logger), nil
}

// NewCacheFromClient wraps an existing client
func NewCacheFromClient(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks Redis connectivity
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SetPoints writes balances into the points board using a pipeline
func (c *Cache) SetPoints(ctx context.Context, totals map[string]int64) error {
	if len(totals) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for address, total := range totals {
		pipe.ZAdd(ctx, pointsBoardKey, redis.Z{
			Score:  float64(total),
			Member: address,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("setting points: %w", err)
	}
	return nil
}

// ReplacePoints swaps the whole points board atomically
func (c *Cache) ReplacePoints(ctx context.Context, totals map[string]int64) error {
	tmp := pointsBoardKey + ":rebuild"
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, tmp)
	for address, total := range totals {
		pipe.ZAdd(ctx, tmp, redis.Z{Score: float64(total), Member: address})
	}
	if len(totals) > 0 {
		pipe.Rename(ctx, tmp, pointsBoardKey)
	} else {
		pipe.Del(ctx, pointsBoardKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replacing points board: %w", err)
	}
	return nil
}

// TopPoints returns the top n balances (descending order)
func (c *Cache) TopPoints(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	results, err := c.client.ZRevRangeWithScores(ctx, pointsBoardKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top points: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, result := range results {
		entries[i] = domain.LeaderboardEntry{
			Rank:        int64(i + 1),
			UserAddress: result.Member.(string),
			Points:      int64(result.Score),
		}
	}
	return entries, nil
}

// Rank returns an address's 1-based rank on the points board
func (c *Cache) Rank(ctx context.Context, address string) (int64, error) {
	rank, err := c.client.ZRevRank(ctx, pointsBoardKey, address).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("getting rank: %w", err)
	}
	return rank + 1, nil
}

// incrBetScript increments only a hash that has already been seeded
var incrBetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)

// IncrBet bumps the cached entry count for an item. When the counts have not
// been seeded it writes nothing and returns domain.ErrNotFound.
func (c *Cache) IncrBet(ctx context.Context, itemCode string) error {
	err := incrBetScript.Run(ctx, c.client, []string{betCountsKey}, itemCode).Err()
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("incrementing bet count: %w", err)
	}
	return nil
}

// BetCounts returns cached entry counts, or domain.ErrNotFound when the hash
// has not been populated yet
func (c *Cache) BetCounts(ctx context.Context) (map[string]int64, error) {
	result, err := c.client.HGetAll(ctx, betCountsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting bet counts: %w", err)
	}
	if len(result) == 0 {
		return nil, domain.ErrNotFound
	}

	counts := make(map[string]int64, len(domain.ItemCodes))
	for _, code := range domain.ItemCodes {
		counts[code] = 0
	}
	for code, raw := range result {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.logger.Warn("invalid cached bet count", "item_code", code, "value", raw)
			continue
		}
		counts[code] = n
	}
	return counts, nil
}

// SetBetCounts overwrites the cached entry counts
func (c *Cache) SetBetCounts(ctx context.Context, counts map[string]int64) error {
	values := make([]interface{}, 0, len(counts)*2)
	for code, n := range counts {
		values = append(values, code, n)
	}
	if len(values) == 0 {
		return nil
	}
	if err := c.client.HSet(ctx, betCountsKey, values...).Err(); err != nil {
		return fmt.Errorf("setting bet counts: %w", err)
	}
	return nil
}

// MarkMinted records that an address has minted
func (c *Cache) MarkMinted(ctx context.Context, address string) error {
	if err := c.client.SAdd(ctx, mintedKey, address).Err(); err != nil {
		return fmt.Errorf("marking minted: %w", err)
	}
	return nil
}

// IsMinted reports whether an address is in the minted set
func (c *Cache) IsMinted(ctx context.Context, address string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, mintedKey, address).Result()
	if err != nil {
		return false, fmt.Errorf("checking minted: %w", err)
	}
	return ok, nil
}
