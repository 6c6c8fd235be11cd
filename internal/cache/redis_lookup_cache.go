package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/claim-engine/internal/logging"
)

const lookupKeyPrefix = "claimcell:"

// RedisLookupCache реализует LookupCache поверх Redis.
// Локальной структурной истиной остаётся реестр; кеш нужен внешним
// узлам и инвалидируется через CacheInvalidator при мутациях.
type RedisLookupCache struct {
	client      *redis.Client
	config      *CacheConfig
	invalidator CacheInvalidator

	totalRequests int64
	cacheHits     int64
	cacheMisses   int64
}

// NewRedisLookupCache создаёт кеш привязок с опциональным invalidator
// (может быть nil — тогда инвалидация остаётся локальной).
func NewRedisLookupCache(config *CacheConfig, invalidator CacheInvalidator) (*RedisLookupCache, error) {
	if config.DefaultTTL == 0 {
		config.DefaultTTL = 30 * time.Second
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.PoolTimeout == 0 {
		config.PoolTimeout = 30 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.RedisURL,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		PoolSize:     config.MaxConnections,
		PoolTimeout:  config.PoolTimeout,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	// Проверяем соединение
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("не удалось подключиться к Redis: %w", err)
	}

	c := &RedisLookupCache{
		client:      rdb,
		config:      config,
		invalidator: invalidator,
	}

	// Инвалидации других узлов применяем к локальному Redis
	if invalidator != nil {
		if err := invalidator.SubscribeInvalidations(context.Background(), c.dropKey); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("не удалось подписаться на инвалидации: %w", err)
		}
	}

	logging.Info("Кеш привязок Redis инициализирован: %s", config.RedisURL)
	return c, nil
}

// Get возвращает ID претензии для ключа ячейки.
func (c *RedisLookupCache) Get(ctx context.Context, cellKey string) (string, error) {
	atomic.AddInt64(&c.totalRequests, 1)

	val, err := c.client.Get(ctx, lookupKeyPrefix+cellKey).Result()
	if err == redis.Nil {
		atomic.AddInt64(&c.cacheMisses, 1)
		return "", ErrCacheMiss
	}
	if err != nil {
		atomic.AddInt64(&c.cacheMisses, 1)
		return "", fmt.Errorf("ошибка чтения из Redis: %w", err)
	}

	atomic.AddInt64(&c.cacheHits, 1)
	return val, nil
}

// Set сохраняет привязку ячейки к претензии.
func (c *RedisLookupCache) Set(ctx context.Context, cellKey, claimID string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	if err := c.client.Set(ctx, lookupKeyPrefix+cellKey, claimID, ttl).Err(); err != nil {
		return fmt.Errorf("ошибка записи в Redis: %w", err)
	}
	return nil
}

// Delete удаляет привязку локально и рассылает инвалидацию узлам.
func (c *RedisLookupCache) Delete(ctx context.Context, cellKey string) error {
	if err := c.client.Del(ctx, lookupKeyPrefix+cellKey).Err(); err != nil {
		return fmt.Errorf("ошибка удаления из Redis: %w", err)
	}
	if c.invalidator != nil {
		if err := c.invalidator.PublishInvalidation(ctx, cellKey); err != nil {
			logging.Warn("Не удалось разослать инвалидацию ключа %s: %v", cellKey, err)
		}
	}
	return nil
}

// Close закрывает соединение с Redis и invalidator.
func (c *RedisLookupCache) Close() error {
	if c.invalidator != nil {
		_ = c.invalidator.Close()
	}
	return c.client.Close()
}

// Metrics возвращает счётчики кеша.
func (c *RedisLookupCache) Metrics() CacheMetrics {
	total := atomic.LoadInt64(&c.totalRequests)
	hits := atomic.LoadInt64(&c.cacheHits)
	m := CacheMetrics{
		TotalRequests: total,
		CacheHits:     hits,
		CacheMisses:   atomic.LoadInt64(&c.cacheMisses),
		LastUpdate:    time.Now(),
	}
	if total > 0 {
		m.HitRatio = float64(hits) / float64(total)
	}
	return m
}

// dropKey применяет инвалидацию, пришедшую от другого узла.
func (c *RedisLookupCache) dropKey(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Del(ctx, lookupKeyPrefix+key).Err()
}
