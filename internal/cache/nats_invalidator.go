package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/annel0/claim-engine/internal/logging"
)

// NATSInvalidator реализует CacheInvalidator через NATS Pub/Sub.
// Обеспечивает распределённую инвалидацию кеша привязок между узлами.
type NATSInvalidator struct {
	conn    *nats.Conn
	config  *InvalidatorConfig
	subject string
	nodeID  string

	subscription *nats.Subscription
	handler      InvalidationHandler

	stopCh chan struct{}
	wg     sync.WaitGroup

	// Дедупликация: недавно обработанные ключи
	recentKeys map[string]time.Time
	keysMutex  sync.RWMutex

	publishedCount int64
	receivedCount  int64
	errorsCount    int64
}

// InvalidatorConfig содержит конфигурацию NATS invalidator.
type InvalidatorConfig struct {
	NATSURL        string        `yaml:"nats_url" env:"CACHE_NATS_URL"`
	Subject        string        `yaml:"subject" env:"CACHE_NATS_SUBJECT"`
	MaxReconnects  int           `yaml:"max_reconnects" env:"CACHE_NATS_MAX_RECONNECTS"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait" env:"CACHE_NATS_RECONNECT_WAIT"`
	DedupeWindow   time.Duration `yaml:"dedupe_window" env:"CACHE_NATS_DEDUPE_WINDOW"`
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"CACHE_NATS_PUBLISH_TIMEOUT"`
}

// InvalidationMessage — сообщение об инвалидации ключа кеша.
type InvalidationMessage struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
}

// NewNATSInvalidator создаёт invalidator и подключается к NATS.
func NewNATSInvalidator(config *InvalidatorConfig, nodeID string) (*NATSInvalidator, error) {
	if config.Subject == "" {
		config.Subject = "claims.cache.invalidation"
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = 10
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.DedupeWindow == 0 {
		config.DedupeWindow = 5 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("NATS отключён: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("NATS переподключён к %s", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(config.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к NATS: %w", err)
	}

	inv := &NATSInvalidator{
		conn:       conn,
		config:     config,
		subject:    config.Subject,
		nodeID:     nodeID,
		stopCh:     make(chan struct{}),
		recentKeys: make(map[string]time.Time),
	}
	inv.startDedupeCleanup()

	logging.Info("NATS invalidator инициализирован: %s (subject: %s)", config.NATSURL, config.Subject)
	return inv, nil
}

// PublishInvalidation отправляет уведомление об инвалидации ключа.
func (n *NATSInvalidator) PublishInvalidation(ctx context.Context, key string) error {
	if n.isDuplicate(key) {
		return nil
	}

	msg := &InvalidationMessage{
		Key:       key,
		Timestamp: time.Now(),
		NodeID:    n.nodeID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		return fmt.Errorf("ошибка сериализации сообщения инвалидации: %w", err)
	}

	if err := n.conn.Publish(n.subject, data); err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		return fmt.Errorf("ошибка публикации инвалидации: %w", err)
	}

	n.recordKey(key)
	atomic.AddInt64(&n.publishedCount, 1)
	return nil
}

// SubscribeInvalidations подписывается на уведомления других узлов.
func (n *NATSInvalidator) SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error {
	if n.subscription != nil {
		return fmt.Errorf("подписка на инвалидации уже активна")
	}

	n.handler = handler
	sub, err := n.conn.Subscribe(n.subject, n.handleMessage)
	if err != nil {
		return fmt.Errorf("ошибка подписки на инвалидации: %w", err)
	}
	n.subscription = sub

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-ctx.Done():
			n.unsubscribe()
		case <-n.stopCh:
			n.unsubscribe()
		}
	}()

	return nil
}

// Close закрывает соединение с NATS.
func (n *NATSInvalidator) Close() error {
	close(n.stopCh)
	n.wg.Wait()
	n.unsubscribe()
	n.conn.Close()
	return nil
}

// handleMessage обрабатывает входящее сообщение об инвалидации.
func (n *NATSInvalidator) handleMessage(msg *nats.Msg) {
	atomic.AddInt64(&n.receivedCount, 1)

	var im InvalidationMessage
	if err := json.Unmarshal(msg.Data, &im); err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		logging.Error("Ошибка десериализации сообщения инвалидации: %v", err)
		return
	}

	// Собственные и недавно виденные сообщения пропускаем
	if im.NodeID == n.nodeID || n.isDuplicate(im.Key) {
		return
	}
	n.recordKey(im.Key)

	if n.handler != nil {
		if err := n.handler(im.Key); err != nil {
			atomic.AddInt64(&n.errorsCount, 1)
			logging.Error("Обработчик инвалидации для ключа %s: %v", im.Key, err)
		}
	}
}

func (n *NATSInvalidator) unsubscribe() {
	if n.subscription != nil {
		if err := n.subscription.Unsubscribe(); err != nil {
			logging.Error("Ошибка отписки от инвалидаций: %v", err)
		}
		n.subscription = nil
	}
}

func (n *NATSInvalidator) isDuplicate(key string) bool {
	n.keysMutex.RLock()
	defer n.keysMutex.RUnlock()

	lastSeen, exists := n.recentKeys[key]
	return exists && time.Since(lastSeen) < n.config.DedupeWindow
}

func (n *NATSInvalidator) recordKey(key string) {
	n.keysMutex.Lock()
	n.recentKeys[key] = time.Now()
	n.keysMutex.Unlock()
}

func (n *NATSInvalidator) startDedupeCleanup() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(n.config.DedupeWindow)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n.cleanupDedupe()
			case <-n.stopCh:
				return
			}
		}
	}()
}

func (n *NATSInvalidator) cleanupDedupe() {
	n.keysMutex.Lock()
	defer n.keysMutex.Unlock()

	now := time.Now()
	for key, ts := range n.recentKeys {
		if now.Sub(ts) > n.config.DedupeWindow {
			delete(n.recentKeys, key)
		}
	}
}
