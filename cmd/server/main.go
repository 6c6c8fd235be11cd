package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/claim-engine/internal/api"
	"github.com/annel0/claim-engine/internal/auth"
	"github.com/annel0/claim-engine/internal/cache"
	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/config"
	"github.com/annel0/claim-engine/internal/economy"
	"github.com/annel0/claim-engine/internal/eventbus"
	"github.com/annel0/claim-engine/internal/logging"
	"github.com/annel0/claim-engine/internal/observability"
	"github.com/annel0/claim-engine/internal/perm"
	"github.com/annel0/claim-engine/internal/planner"
	"github.com/annel0/claim-engine/internal/policy"
	"github.com/annel0/claim-engine/internal/registry"
	"github.com/annel0/claim-engine/internal/storage"
	claimsync "github.com/annel0/claim-engine/internal/sync"
)

func main() {
	// Инициализируем систему логирования
	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	logging.Info("🗺️ Запуск движка претензий...")

	// === КОНФИГУРАЦИЯ ===
	cfg, err := config.Load("")
	if err != nil {
		logging.Error("❌ Ошибка чтения конфигурации: %v", err)
		log.Fatalf("❌ Ошибка чтения конфигурации: %v", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}

	if cfg.Auth.JWTSecret != "" {
		if err := auth.SetJWTSecret(cfg.Auth.JWTSecret); err != nil {
			log.Fatalf("❌ Некорректный JWT секрет: %v", err)
		}
	}

	restPort := fmt.Sprintf(":%d", cfg.Server.GetRESTPort())
	logging.Info("📡 Конфигурация: REST API=%s, storage=%s", restPort, storageBackend(cfg))

	// === TELEMETRY ===
	shutdownTelemetry, err := observability.InitTelemetry(context.Background(), "claim-engine")
	if err != nil {
		logging.Warn("OpenTelemetry не инициализирован: %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	// === ПОЛИТИКА ===
	snap, err := cfg.Policy.ToPolicySnapshot()
	if err != nil {
		logging.Error("❌ Ошибка секции policy: %v", err)
		log.Fatalf("❌ Ошибка секции policy: %v", err)
	}
	cascade := policy.NewCascade(&snap, cfg.Policy.GroupProvider())

	// === ХРАНИЛИЩЕ ===
	store, err := openStore(cfg)
	if err != nil {
		logging.Error("❌ Ошибка открытия хранилища: %v", err)
		log.Fatalf("❌ Ошибка открытия хранилища: %v", err)
	}
	defer store.Close()

	// === РЕЕСТР: восстановление из хранилища ===
	reg := registry.NewRegistry()
	snapshots, err := store.LoadAll(context.Background())
	if err != nil {
		logging.Error("❌ Ошибка загрузки претензий: %v", err)
		log.Fatalf("❌ Ошибка загрузки претензий: %v", err)
	}
	restored := 0
	for _, s := range snapshots {
		if err := reg.Restore(claim.FromSnapshot(s)); err != nil {
			logging.Error("Претензия %s не восстановлена: %v", s.ID, err)
			continue
		}
		restored++
	}
	logging.Info("📦 Восстановлено претензий: %d", restored)

	// === ШИНА СОБЫТИЙ ===
	var bus eventbus.EventBus
	if cfg.EventBus.Enabled && cfg.EventBus.URL != "" {
		js, err := eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream,
			time.Duration(cfg.EventBus.Retention)*time.Hour)
		if err != nil {
			logging.Error("❌ Ошибка подключения к JetStream: %v", err)
			log.Fatalf("❌ Ошибка подключения к JetStream: %v", err)
		}
		defer js.Close()
		bus = js
	} else {
		bus = eventbus.NewMemoryBus(1024)
	}
	eventbus.Init(bus)

	if err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("Слушатель событий не запущен: %v", err)
	}
	busMetrics := eventbus.NewMetricsExporter(bus)
	busMetrics.Start()
	defer busMetrics.Stop()

	// === ДОМЕННЫЕ КОМПОНЕНТЫ ===
	vault := economy.NewMemoryVault()
	pl := planner.New(reg, cascade, vault, store, bus, "claim-engine")
	resolver := perm.NewResolver(cascade)
	tracker := perm.NewTracker(resolver, reg)

	pipeline := planner.NewPipeline(pl, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)
	defer pipeline.Close()

	// === РЕПЛИКАЦИЯ (опционально, для нескольких узлов) ===
	if cfg.Sync.Enabled {
		syncManager, err := claimsync.NewSyncManager(claimsync.SyncConfig{
			NodeID:      cfg.Sync.NodeID,
			Bus:         bus,
			Registry:    reg,
			BatchSize:   cfg.Sync.BatchSize,
			FlushEvery:  time.Duration(cfg.Sync.FlushEvery) * time.Second,
			Compression: cfg.Sync.Compression,
		})
		if err != nil {
			logging.Error("❌ Ошибка запуска репликации: %v", err)
			log.Fatalf("❌ Ошибка запуска репликации: %v", err)
		}
		defer syncManager.Stop()
	}

	// === КЕШ ПРИВЯЗОК (опционально) ===
	var lookups cache.LookupCache
	if cfg.Cache.Enabled {
		var invalidator cache.CacheInvalidator
		if cfg.Cache.NATSURL != "" {
			invalidator, err = cache.NewNATSInvalidator(&cache.InvalidatorConfig{NATSURL: cfg.Cache.NATSURL}, nodeID(cfg))
			if err != nil {
				logging.Warn("NATS invalidator не запущен: %v", err)
			}
		}
		lookups, err = cache.NewRedisLookupCache(&cache.CacheConfig{
			RedisURL:      cfg.Cache.RedisURL,
			RedisPassword: cfg.Cache.RedisPassword,
			RedisDB:       cfg.Cache.RedisDB,
		}, invalidator)
		if err != nil {
			logging.Error("❌ Ошибка подключения кеша: %v", err)
			log.Fatalf("❌ Ошибка подключения кеша: %v", err)
		}
		defer lookups.Close()
	}

	// === REST API ===
	restServer := api.NewRestServer(api.Config{
		Port:     restPort,
		Registry: reg,
		Planner:  pl,
		Resolver: resolver,
		Tracker:  tracker,
		Lookups:  lookups,
	})

	go func() {
		if err := restServer.Start(); err != nil {
			logging.Error("❌ REST сервер остановлен: %v", err)
		}
	}()

	logging.Info("✅ Движок претензий запущен")
	logging.Info("   🌐 REST API: http://localhost%s", restPort)
	logging.Info("   ❤️  Health check: http://localhost%s/health", restPort)
	logging.Info("   📊 Метрики: http://localhost%s/metrics", restPort)

	// Канал для получения сигналов ОС
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logging.Info("📡 Получен сигнал %v, завершение работы...", sig)

	// === GRACEFUL SHUTDOWN ===
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdownTelemetry(ctx); err != nil {
		logging.Error("Ошибка остановки телеметрии: %v", err)
	}

	logging.Info("👋 Сервер успешно остановлен")
}

// openStore выбирает бекенд хранилища по конфигурации.
func openStore(cfg *config.Config) (storage.ClaimRepo, error) {
	switch storageBackend(cfg) {
	case "badger":
		path := cfg.Storage.DataPath
		if path == "" {
			path = "data"
		}
		return storage.NewBadgerClaimRepo(path)
	case "maria":
		return storage.NewMariaClaimRepo(cfg.Storage.MariaDSN)
	case "mongo":
		return storage.NewMongoClaimRepo(storage.MongoConfig{
			URI:      cfg.Storage.MongoURI,
			Database: cfg.Storage.MongoDB,
		})
	default:
		return storage.NewMemoryClaimRepo(), nil
	}
}

func storageBackend(cfg *config.Config) string {
	if cfg.Storage.Backend == "" {
		return "memory"
	}
	return cfg.Storage.Backend
}

func nodeID(cfg *config.Config) string {
	if cfg.Sync.NodeID != "" {
		return cfg.Sync.NodeID
	}
	host, err := os.Hostname()
	if err != nil {
		return "claim-engine"
	}
	return host
}
