package cache

import (
	"context"
	"errors"
	"time"
)

// LookupCache кеширует привязку ячейки к претензии (ключ ячейки → ID
// претензии) для внешних потребителей, читающих реестр через сеть.
// Локальный резолвер кешем не пользуется: его реестр уже в памяти.
type LookupCache interface {
	// Get возвращает ID претензии для ключа ячейки.
	// Возвращает ErrCacheMiss, если ключ не найден.
	Get(ctx context.Context, cellKey string) (string, error)

	// Set сохраняет привязку с указанным TTL. TTL = 0 — без истечения.
	Set(ctx context.Context, cellKey, claimID string, ttl time.Duration) error

	// Delete удаляет привязку и рассылает уведомление об инвалидации.
	Delete(ctx context.Context, cellKey string) error

	// Close закрывает соединение с кешем.
	Close() error

	// Metrics возвращает счётчики кеша.
	Metrics() CacheMetrics
}

// CacheInvalidator рассылает инвалидации между узлами через Pub/Sub.
type CacheInvalidator interface {
	// PublishInvalidation отправляет уведомление об инвалидации ключа.
	PublishInvalidation(ctx context.Context, key string) error

	// SubscribeInvalidations подписывается на уведомления других узлов.
	SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error

	// Close закрывает соединение.
	Close() error
}

// InvalidationHandler обрабатывает уведомление об инвалидации ключа.
type InvalidationHandler func(key string) error

// CacheMetrics содержит счётчики производительности кеша.
type CacheMetrics struct {
	TotalRequests int64     `json:"total_requests"`
	CacheHits     int64     `json:"cache_hits"`
	CacheMisses   int64     `json:"cache_misses"`
	HitRatio      float64   `json:"hit_ratio"`
	LastUpdate    time.Time `json:"last_update"`
}

// CacheConfig содержит конфигурацию кеша привязок.
type CacheConfig struct {
	RedisURL       string        `yaml:"redis_url" env:"CACHE_REDIS_URL"`
	RedisPassword  string        `yaml:"redis_password" env:"CACHE_REDIS_PASSWORD"`
	RedisDB        int           `yaml:"redis_db" env:"CACHE_REDIS_DB"`
	DefaultTTL     time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
	MaxConnections int           `yaml:"max_connections" env:"CACHE_MAX_CONNECTIONS"`
	PoolTimeout    time.Duration `yaml:"pool_timeout" env:"CACHE_POOL_TIMEOUT"`
}

// ErrCacheMiss возвращается при отсутствии ключа в кеше.
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss проверяет, является ли ошибка промахом кеша.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
