package sync

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/annel0/claim-engine/internal/cell"
	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/eventbus"
	"github.com/annel0/claim-engine/internal/registry"
)

func replicaSnapshot(id string) *claim.Snapshot {
	return &claim.Snapshot{
		ID:        id,
		Name:      "base",
		Owner:     "Alice",
		Cells:     []cell.Key{{WorldID: "overworld", X: 0, Z: 0}},
		CreatedAt: time.Now().UTC(),
	}
}

func TestDeltaCompressors(t *testing.T) {
	upsert, err := EncodeUpsert(replicaSnapshot("c-1"), 3)
	if err != nil {
		t.Fatalf("Ошибка кодирования upsert: %v", err)
	}
	remove, err := EncodeRemove("c-2", 5)
	if err != nil {
		t.Fatalf("Ошибка кодирования remove: %v", err)
	}
	changes := []Change{upsert, remove}

	compressors := map[string]DeltaCompressor{
		"passthrough": NewPassthroughCompressor(),
		"gzip":        NewGzipCompressor(),
		"s2":          NewS2Compressor(),
	}
	for name, comp := range compressors {
		t.Run(name, func(t *testing.T) {
			payload, err := comp.Compress(changes)
			if err != nil {
				t.Fatalf("Ошибка сжатия: %v", err)
			}
			got, err := comp.Decompress(payload)
			if err != nil {
				t.Fatalf("Ошибка распаковки: %v", err)
			}
			if len(got) != len(changes) {
				t.Fatalf("Ожидалось %d изменений, получено %d", len(changes), len(got))
			}
			for i := range changes {
				if !bytes.Equal(got[i].Data, changes[i].Data) {
					t.Errorf("Изменение %d искажено", i)
				}
			}
		})
	}
}

func TestBatchManagerFlush(t *testing.T) {
	bus := eventbus.NewMemoryBus(10)
	bm := NewBatchManager(bus, "node-1", 100, 100*time.Millisecond, nil)
	defer bm.Stop()

	ch, _ := EncodeUpsert(replicaSnapshot("c-1"), 3)
	bm.AddChange(ch)

	// Ждём срабатывания тикера отправки.
	time.Sleep(150 * time.Millisecond)

	stats := bus.Metrics()
	if stats.Published == 0 {
		t.Errorf("Батч не опубликован: %+v", stats)
	}
}

func TestBatchManagerEviction(t *testing.T) {
	bus := eventbus.NewMemoryBus(10)
	// Буфер на 2 изменения, длинный интервал — сброса по таймеру не будет.
	bm := NewBatchManager(bus, "node-1", 2, time.Hour, nil)
	defer bm.Stop()

	low1, _ := EncodeRemove("c-1", 1)
	low2, _ := EncodeRemove("c-2", 1)
	high, _ := EncodeRemove("c-3", 5)
	bm.AddChange(low1)
	bm.AddChange(low2)
	// Переполнение: высокий приоритет вытесняет низкий.
	bm.AddChange(high)

	bm.mu.Lock()
	defer bm.mu.Unlock()
	if len(bm.buf) != 2 {
		t.Fatalf("Буфер должен остаться в пределах лимита: %d", len(bm.buf))
	}
	found := false
	for _, c := range bm.buf {
		if c.Priority == 5 {
			found = true
		}
	}
	if !found {
		t.Errorf("Высокоприоритетное изменение потеряно")
	}
}

// TestReplication проверяет полный цикл: мутация на одном узле через
// продюсер и батч-менеджер доезжает до реестра другого узла.
func TestReplication(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)

	regA := registry.NewRegistry()
	regB := registry.NewRegistry()

	bm := NewBatchManager(bus, "node-a", 100, 50*time.Millisecond, nil)
	defer bm.Stop()
	producer, err := NewSyncProducer(bus, bm, regA)
	if err != nil {
		t.Fatalf("Ошибка запуска продюсера: %v", err)
	}
	defer producer.Stop()
	consumer, err := NewSyncConsumer(bus, nil, regB, "node-b")
	if err != nil {
		t.Fatalf("Ошибка запуска консьюмера: %v", err)
	}
	defer consumer.Stop()

	// Мутация на узле A публикует событие претензии.
	c, err := regA.Create("Alice", "base", []cell.Key{{WorldID: "overworld", X: 0, Z: 0}})
	if err != nil {
		t.Fatalf("Ошибка создания: %v", err)
	}
	env := eventbus.NewClaimEnvelope("node-a", eventbus.TypeClaimCreated, eventbus.ClaimEvent{
		ClaimID: c.ID(), Owner: "Alice",
	})
	if err := bus.Publish(context.Background(), env); err != nil {
		t.Fatalf("Ошибка публикации: %v", err)
	}

	// Ждём: продюсер кладёт изменение в батч, тикер отправляет, консьюмер применяет.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if regB.ByID(c.ID()) != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	got := regB.ByID(c.ID())
	if got == nil {
		t.Fatalf("Претензия не реплицирована на узел B")
	}
	if got.Owner() != "Alice" || got.Name() != "base" {
		t.Errorf("Снимок искажён при репликации: %s/%s", got.Owner(), got.Name())
	}
}

func TestConsumerSkipsOwnBatches(t *testing.T) {
	bus := eventbus.NewMemoryBus(10)
	reg := registry.NewRegistry()
	consumer, err := NewSyncConsumer(bus, nil, reg, "node-a")
	if err != nil {
		t.Fatalf("Ошибка запуска консьюмера: %v", err)
	}
	defer consumer.Stop()

	ch, _ := EncodeUpsert(replicaSnapshot("c-1"), 3)
	payload, _ := NewPassthroughCompressor().Compress([]Change{ch})
	env := &eventbus.Envelope{
		ID: "b-1", Timestamp: time.Now(), Source: "node-a",
		EventType: "SyncBatch", Version: 1, Priority: 5, Payload: payload,
	}
	if err := bus.Publish(context.Background(), env); err != nil {
		t.Fatalf("Ошибка публикации: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Собственный батч узла не применяется к его реестру.
	if reg.ByID("c-1") != nil {
		t.Errorf("Узел применил собственный батч")
	}
}

func TestConsumerUpsertReplaces(t *testing.T) {
	bus := eventbus.NewMemoryBus(10)
	reg := registry.NewRegistry()
	consumer, err := NewSyncConsumer(bus, nil, reg, "node-b")
	if err != nil {
		t.Fatalf("Ошибка запуска консьюмера: %v", err)
	}
	defer consumer.Stop()

	// Локальная версия претензии с другим именем.
	old := claim.FromSnapshot(replicaSnapshot("c-1"))
	if err := reg.Restore(old); err != nil {
		t.Fatalf("Ошибка восстановления: %v", err)
	}

	updated := replicaSnapshot("c-1")
	updated.Name = "renamed"
	ch, _ := EncodeUpsert(updated, 3)
	if err := consumer.applyChange(&ch); err != nil {
		t.Fatalf("Ошибка применения upsert: %v", err)
	}

	got := reg.ByID("c-1")
	if got == nil || got.Name() != "renamed" {
		t.Errorf("Upsert не заменил локальную версию")
	}

	// Remove отсутствующей претензии — не ошибка.
	rm, _ := EncodeRemove("no-such", 5)
	if err := consumer.applyChange(&rm); err != nil {
		t.Errorf("Удаление отсутствующей претензии: %v", err)
	}
}
