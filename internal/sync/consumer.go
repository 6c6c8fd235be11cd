package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/eventbus"
	"github.com/annel0/claim-engine/internal/logging"
	"github.com/annel0/claim-engine/internal/registry"
)

// SyncConsumer слушает SyncBatch сообщения других узлов и применяет
// изменения претензий к локальному реестру.
type SyncConsumer struct {
	sub        eventbus.Subscription
	compressor DeltaCompressor
	registry   *registry.Registry
	nodeID     string
}

func NewSyncConsumer(bus eventbus.EventBus, compressor DeltaCompressor, reg *registry.Registry, nodeID string) (*SyncConsumer, error) {
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	sc := &SyncConsumer{compressor: compressor, registry: reg, nodeID: nodeID}
	sub, err := bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{"SyncBatch"}}, sc.handle)
	if err != nil {
		return nil, err
	}
	sc.sub = sub
	return sc, nil
}

func (sc *SyncConsumer) handle(ctx context.Context, ev *eventbus.Envelope) {
	// Собственные батчи не применяем
	if ev.Source == sc.nodeID {
		return
	}

	changes, err := sc.compressor.Decompress(ev.Payload)
	if err != nil {
		logging.Warn("SyncConsumer: ошибка распаковки батча от %s: %v", ev.Source, err)
		return
	}

	logging.Debug("SyncConsumer: батч от %s, изменений: %d", ev.Source, len(changes))

	for i, ch := range changes {
		if err := sc.applyChange(&ch); err != nil {
			logging.Warn("SyncConsumer: ошибка применения изменения %d: %v", i, err)
		}
	}
}

// applyChange применяет отдельное изменение к реестру.
// Upsert выполняется заменой: существующая версия претензии удаляется,
// затем снимок восстанавливается целиком.
func (sc *SyncConsumer) applyChange(change *Change) error {
	if change == nil || len(change.Data) == 0 {
		return fmt.Errorf("пустое изменение")
	}

	var wc wireChange
	if err := json.Unmarshal(change.Data, &wc); err != nil {
		return fmt.Errorf("ошибка декодирования изменения: %w", err)
	}

	switch wc.Op {
	case OpRemove:
		if err := sc.registry.Delete(wc.ClaimID); err != nil && !errors.Is(err, claim.ErrNotFound) {
			return err
		}
		return nil
	case OpUpsert:
		if wc.Snapshot == nil {
			return fmt.Errorf("upsert без снимка: %s", wc.ClaimID)
		}
		if err := sc.registry.Delete(wc.ClaimID); err != nil && !errors.Is(err, claim.ErrNotFound) {
			return err
		}
		return sc.registry.Restore(claim.FromSnapshot(wc.Snapshot))
	default:
		return fmt.Errorf("неизвестная операция репликации: %q", wc.Op)
	}
}

func (sc *SyncConsumer) Stop() { sc.sub.Unsubscribe() }
