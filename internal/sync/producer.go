package sync

import (
	"context"

	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/eventbus"
	"github.com/annel0/claim-engine/internal/logging"
	"github.com/annel0/claim-engine/internal/registry"
)

// Типы событий, после которых снимок претензии нужно реплицировать.
var mutationEventTypes = []string{
	eventbus.TypeClaimCreated,
	eventbus.TypeClaimTransferred,
	eventbus.TypeClaimRenamed,
	eventbus.TypeClaimExpanded,
	eventbus.TypeClaimSold,
	eventbus.TypePlayerBanned,
	eventbus.TypePlayerUnbanned,
	eventbus.TypeMemberAdded,
	eventbus.TypeMemberRemoved,
	eventbus.TypeClaimDeleted,
}

// SyncProducer подписывается на события претензий и передаёт изменения
// BatchManager'у. Снимок берётся из реестра на момент события.
type SyncProducer struct {
	bus      eventbus.EventBus
	bm       *BatchManager
	registry *registry.Registry
	sub      eventbus.Subscription
}

func NewSyncProducer(bus eventbus.EventBus, bm *BatchManager, reg *registry.Registry) (*SyncProducer, error) {
	sp := &SyncProducer{bus: bus, bm: bm, registry: reg}
	sub, err := bus.Subscribe(context.Background(), eventbus.Filter{Types: mutationEventTypes}, sp.handle)
	if err != nil {
		return nil, err
	}
	sp.sub = sub
	return sp, nil
}

func (sp *SyncProducer) handle(ctx context.Context, env *eventbus.Envelope) {
	ev, err := eventbus.DecodeClaimEvent(env)
	if err != nil {
		logging.Warn("SyncProducer: ошибка декодирования события %s: %v", env.EventType, err)
		return
	}

	if env.EventType == eventbus.TypeClaimDeleted {
		ch, err := EncodeRemove(ev.ClaimID, 5)
		if err != nil {
			logging.Warn("SyncProducer: ошибка кодирования удаления: %v", err)
			return
		}
		sp.bm.AddChange(ch)
		return
	}

	var snap *claim.Snapshot
	if c := sp.registry.ByID(ev.ClaimID); c != nil {
		snap = c.Snapshot()
	}
	if snap == nil {
		// Претензия уже удалена конкурирующей мутацией
		return
	}

	ch, err := EncodeUpsert(snap, 3)
	if err != nil {
		logging.Warn("SyncProducer: ошибка кодирования снимка: %v", err)
		return
	}
	sp.bm.AddChange(ch)
}

func (sp *SyncProducer) Stop() { sp.sub.Unsubscribe() }
