package sync

import (
	"time"

	"github.com/annel0/claim-engine/internal/eventbus"
	"github.com/annel0/claim-engine/internal/logging"
	"github.com/annel0/claim-engine/internal/registry"
)

// SyncManager координирует компоненты репликации претензий:
// BatchManager, SyncProducer, SyncConsumer.
type SyncManager struct {
	bm       *BatchManager
	producer *SyncProducer
	consumer *SyncConsumer
}

type SyncConfig struct {
	NodeID      string
	Bus         eventbus.EventBus
	Registry    *registry.Registry
	BatchSize   int
	FlushEvery  time.Duration
	Compression string // none | gzip | s2
}

func NewSyncManager(cfg SyncConfig) (*SyncManager, error) {
	var compressor DeltaCompressor
	switch cfg.Compression {
	case "gzip":
		compressor = NewGzipCompressor()
		logging.Info("🔄 SyncManager: используется gzip-компрессия")
	case "s2":
		compressor = NewS2Compressor()
		logging.Info("🔄 SyncManager: используется S2-компрессия")
	default:
		compressor = NewPassthroughCompressor()
		logging.Info("🔄 SyncManager: компрессия отключена")
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}

	bm := NewBatchManager(cfg.Bus, cfg.NodeID, cfg.BatchSize, cfg.FlushEvery, compressor)
	producer, err := NewSyncProducer(cfg.Bus, bm, cfg.Registry)
	if err != nil {
		return nil, err
	}

	consumer, err := NewSyncConsumer(cfg.Bus, compressor, cfg.Registry, cfg.NodeID)
	if err != nil {
		producer.Stop()
		return nil, err
	}

	logging.Info("✅ SyncManager инициализирован: node=%s, batch=%d, flush=%v",
		cfg.NodeID, cfg.BatchSize, cfg.FlushEvery)

	return &SyncManager{
		bm:       bm,
		producer: producer,
		consumer: consumer,
	}, nil
}

func (sm *SyncManager) Stop() {
	sm.producer.Stop()
	sm.consumer.Stop()
	sm.bm.Stop()
	logging.Info("🔄 SyncManager остановлен")
}
