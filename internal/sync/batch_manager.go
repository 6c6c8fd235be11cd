package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/eventbus"
	"github.com/annel0/claim-engine/internal/logging"
)

// Операции репликации претензий.
const (
	OpUpsert = "upsert"
	OpRemove = "remove"
)

// Change — одно изменение претензии в пакете репликации.
// Data содержит JSON wireChange.
type Change struct {
	Data      []byte
	Priority  int // приоритизация для сброса при перегрузке
	Timestamp time.Time
}

// wireChange — сериализуемая форма изменения претензии.
type wireChange struct {
	Op        string          `json:"op"` // upsert | remove
	ClaimID   string          `json:"claim_id"`
	Snapshot  *claim.Snapshot `json:"snapshot,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EncodeUpsert упаковывает снимок претензии в изменение репликации.
func EncodeUpsert(s *claim.Snapshot, priority int) (Change, error) {
	now := time.Now().UTC()
	data, err := json.Marshal(wireChange{Op: OpUpsert, ClaimID: s.ID, Snapshot: s, Timestamp: now})
	if err != nil {
		return Change{}, err
	}
	return Change{Data: data, Priority: priority, Timestamp: now}, nil
}

// EncodeRemove упаковывает удаление претензии в изменение репликации.
func EncodeRemove(claimID string, priority int) (Change, error) {
	now := time.Now().UTC()
	data, err := json.Marshal(wireChange{Op: OpRemove, ClaimID: claimID, Timestamp: now})
	if err != nil {
		return Change{}, err
	}
	return Change{Data: data, Priority: priority, Timestamp: now}, nil
}

// BatchManager накапливает изменения претензий и отправляет их пакетами
// через EventBus. Каждый узел имеет собственный экземпляр.
type BatchManager struct {
	mu       sync.Mutex
	buf      []Change
	capacity int

	flushEvery time.Duration
	bus        eventbus.EventBus
	source     string // имя текущего узла
	compressor DeltaCompressor

	quit chan struct{}
}

// NewBatchManager создаёт менеджер с указанным лимитом буфера и интервалом отправки.
func NewBatchManager(bus eventbus.EventBus, source string, capacity int, flushEvery time.Duration, compressor DeltaCompressor) *BatchManager {
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	bm := &BatchManager{
		capacity:   capacity,
		flushEvery: flushEvery,
		bus:        bus,
		source:     source,
		compressor: compressor,
		quit:       make(chan struct{}),
	}
	go bm.loop()
	return bm
}

// AddChange добавляет изменение в буфер; при переполнении низкоприоритетные изменения отбрасываются.
func (bm *BatchManager) AddChange(ch Change) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if len(bm.buf) >= bm.capacity {
		// ищем самое низкое Priority и заменяем, если новый выше.
		lowIdx := -1
		lowPri := ch.Priority
		for i, c := range bm.buf {
			if c.Priority < lowPri {
				lowPri = c.Priority
				lowIdx = i
			}
		}
		if lowIdx >= 0 {
			bm.buf[lowIdx] = ch
		} else {
			// все изменения >= чем новый — дропаём новый
			return
		}
	} else {
		bm.buf = append(bm.buf, ch)
	}
}

func (bm *BatchManager) loop() {
	ticker := time.NewTicker(bm.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bm.flush()
		case <-bm.quit:
			return
		}
	}
}

// flush отсылает накопленные изменения единым сообщением.
func (bm *BatchManager) flush() {
	bm.mu.Lock()
	if len(bm.buf) == 0 {
		bm.mu.Unlock()
		return
	}
	changes := make([]Change, len(bm.buf))
	copy(changes, bm.buf)
	bm.buf = bm.buf[:0]
	bm.mu.Unlock()

	batchPayload, err := bm.compressor.Compress(changes)
	if err != nil {
		logging.Warn("BatchManager: ошибка сжатия: %v", err)
		return
	}

	env := &eventbus.Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    bm.source,
		EventType: "SyncBatch",
		Version:   1,
		Priority:  5,
		Payload:   batchPayload,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bm.bus.Publish(ctx, env); err != nil {
		logging.Warn("BatchManager: ошибка публикации: %v", err)
	}
}

// Stop завершает работу менеджера и отправляет оставшиеся изменения.
func (bm *BatchManager) Stop() {
	close(bm.quit)
	bm.flush()
}
