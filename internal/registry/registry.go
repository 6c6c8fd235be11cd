package registry

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/annel0/claim-engine/internal/cell"
	"github.com/annel0/claim-engine/internal/claim"
)

// Количество полос блокировок мутации. Мутации с непересекающимися
// наборами ячеек идут параллельно; полосы одной мутации захватываются
// в порядке возрастания индекса, что исключает взаимную блокировку.
const lockStripes = 256

// Registry — единственный источник истины для отображений
// ячейка → претензия и владелец → претензии, и единственный актор,
// которому разрешено их менять.
//
// Чтения (Exists, Lookup, ClaimsOf) не блокируются мутациями и видят
// либо состояние до мутации, либо после — полусобранная претензия
// никогда не попадает в индекс.
type Registry struct {
	cells   sync.Map // cell.Key -> *claim.Claim
	byID    sync.Map // string -> *claim.Claim
	byOwner sync.Map // string (нижний регистр) -> *ownerEntry

	stripes [lockStripes]sync.Mutex

	metrics *Metrics
}

// ownerEntry хранит претензии одного владельца.
// Мьютекс также сериализует проверку уникальности имён владельца.
type ownerEntry struct {
	mu     sync.RWMutex
	claims map[string]*claim.Claim // claimID -> претензия
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{metrics: newMetrics()}
}

// Exists проверяет занятость ячейки. Никогда не блокируется мутациями.
func (r *Registry) Exists(key cell.Key) bool {
	_, ok := r.cells.Load(key)
	return ok
}

// Lookup возвращает претензию, покрывающую ячейку, либо nil.
func (r *Registry) Lookup(key cell.Key) *claim.Claim {
	v, ok := r.cells.Load(key)
	if !ok {
		return nil
	}
	return v.(*claim.Claim)
}

// ByID возвращает претензию по идентификатору, либо nil.
func (r *Registry) ByID(id string) *claim.Claim {
	v, ok := r.byID.Load(id)
	if !ok {
		return nil
	}
	return v.(*claim.Claim)
}

// ByName возвращает претензию владельца по имени (без учёта регистра), либо nil.
func (r *Registry) ByName(owner, name string) *claim.Claim {
	entry := r.ownerEntryOf(owner, false)
	if entry == nil {
		return nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	for _, c := range entry.claims {
		if strings.EqualFold(c.Name(), name) {
			return c
		}
	}
	return nil
}

// ClaimsOf возвращает претензии владельца.
func (r *Registry) ClaimsOf(owner string) []*claim.Claim {
	entry := r.ownerEntryOf(owner, false)
	if entry == nil {
		return nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	out := make([]*claim.Claim, 0, len(entry.claims))
	for _, c := range entry.claims {
		out = append(out, c)
	}
	return out
}

// ClaimCount возвращает количество претензий владельца.
func (r *Registry) ClaimCount(owner string) int {
	entry := r.ownerEntryOf(owner, false)
	if entry == nil {
		return 0
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return len(entry.claims)
}

// Owners возвращает всех владельцев, имеющих хотя бы одну претензию.
func (r *Registry) Owners() []string {
	var out []string
	r.byOwner.Range(func(k, v any) bool {
		entry := v.(*ownerEntry)
		entry.mu.RLock()
		n := len(entry.claims)
		entry.mu.RUnlock()
		if n > 0 {
			out = append(out, k.(string))
		}
		return true
	})
	return out
}

// All возвращает все претензии реестра (для персистентности и обслуживания).
func (r *Registry) All() []*claim.Claim {
	var out []*claim.Claim
	r.byID.Range(func(_, v any) bool {
		out = append(out, v.(*claim.Claim))
		return true
	})
	return out
}

// Create атомарно создаёт претензию, занимая все ячейки набора, либо
// ни одной. Конфликт занятости или имени сообщается вызывающему,
// реестр при этом остаётся ровно в состоянии до вызова.
func (r *Registry) Create(owner, name string, cells []cell.Key) (*claim.Claim, error) {
	if owner == "" || name == "" || len(cells) == 0 {
		return nil, claim.ErrInvalidArgument
	}
	cells = cell.Dedup(cells)
	if !cell.SameWorld(cells) {
		return nil, claim.ErrInvalidArgument
	}

	unlock := r.lockCells(cells)
	defer unlock()

	if conflicts := r.occupied(cells); len(conflicts) > 0 {
		r.metrics.mutation("create", "cells_occupied")
		return nil, &claim.CellsOccupiedError{Cells: conflicts}
	}

	entry := r.ownerEntryOf(owner, true)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entryHasName(entry, name) {
		r.metrics.mutation("create", "name_taken")
		return nil, claim.ErrNameTaken
	}

	cellSet := make(map[cell.Key]struct{}, len(cells))
	for _, k := range cells {
		cellSet[k] = struct{}{}
	}
	c := claim.New(uuid.NewString(), owner, name, cellSet, time.Now().UTC())

	// Претензия полностью собрана до первой публикации в индексах.
	r.byID.Store(c.ID(), c)
	for _, k := range cells {
		r.cells.Store(k, c)
	}
	entry.claims[c.ID()] = c

	r.metrics.mutation("create", "ok")
	r.metrics.setClaims(r.totalClaims())
	return c, nil
}

// Delete атомарно удаляет претензию: все отображения ячеек, запись в
// индексе владельца и саму запись. Повторное удаление возвращает
// ErrNotFound, не меняя видимого состояния.
func (r *Registry) Delete(claimID string) error {
	for {
		c := r.ByID(claimID)
		if c == nil {
			r.metrics.mutation("delete", "not_found")
			return claim.ErrNotFound
		}

		cells := c.Cells()
		unlock := r.lockCells(cells)

		// Состав ячеек мог измениться (AddCells) до захвата полос — перечитываем.
		if _, live := r.byID.Load(claimID); !live {
			unlock()
			r.metrics.mutation("delete", "not_found")
			return claim.ErrNotFound
		}
		if !sameCellSet(cells, c.Cells()) {
			unlock()
			continue
		}

		owner := c.Owner()
		entry := r.ownerEntryOf(owner, true)
		entry.mu.Lock()

		// Владелец мог смениться (TransferOwner) до захвата записи —
		// претензия тогда лежит в индексе другого владельца, перечитываем.
		if !strings.EqualFold(c.Owner(), owner) {
			entry.mu.Unlock()
			unlock()
			continue
		}

		for _, k := range cells {
			r.cells.Delete(k)
		}
		delete(entry.claims, claimID)
		r.byID.Delete(claimID)

		entry.mu.Unlock()
		unlock()

		r.metrics.mutation("delete", "ok")
		r.metrics.setClaims(r.totalClaims())
		return nil
	}
}

// DeleteAllOf удаляет все претензии владельца. Возвращает количество удалённых.
func (r *Registry) DeleteAllOf(owner string) int {
	n := 0
	for _, c := range r.ClaimsOf(owner) {
		if err := r.Delete(c.ID()); err == nil {
			n++
		}
	}
	return n
}

// TransferOwner меняет владельца претензии. Отображения ячеек не
// затрагиваются; операция сериализуется против удаления той же претензии
// через индекс владельца. При коллизии имени под новым владельцем
// имя получает числовой суффикс.
func (r *Registry) TransferOwner(claimID, newOwner string) error {
	if newOwner == "" {
		return claim.ErrInvalidArgument
	}
	c := r.ByID(claimID)
	if c == nil {
		r.metrics.mutation("transfer", "not_found")
		return claim.ErrNotFound
	}

	oldOwner := c.Owner()
	if strings.EqualFold(oldOwner, newOwner) {
		return nil
	}

	oldEntry := r.ownerEntryOf(oldOwner, true)
	newEntry := r.ownerEntryOf(newOwner, true)
	lockOwnerPair(oldOwner, oldEntry, newOwner, newEntry)
	defer unlockOwnerPair(oldEntry, newEntry)

	// Претензия могла быть удалена, пока мы брали блокировки.
	if _, live := r.byID.Load(claimID); !live {
		r.metrics.mutation("transfer", "not_found")
		return claim.ErrNotFound
	}

	name := c.Name()
	if entryHasName(newEntry, name) {
		base := name
		for i := 2; ; i++ {
			name = base + "-" + strconv.Itoa(i)
			if !entryHasName(newEntry, name) {
				break
			}
		}
		c.ApplyName(name)
	}

	delete(oldEntry.claims, claimID)
	c.ApplyOwner(newOwner)
	newEntry.claims[claimID] = c

	r.metrics.mutation("transfer", "ok")
	return nil
}

// AddCells расширяет претензию новыми ячейками с той же проверкой
// занятости, что и Create. Все ячейки добавляются атомарно, либо ни одной.
// Полосы захватываются для объединения текущих и новых ячеек: расширение
// тем самым сериализуется против удаления той же претензии, и удаление
// не может пройти между проверкой живости и публикацией новых отображений.
func (r *Registry) AddCells(claimID string, cells []cell.Key) error {
	if len(cells) == 0 {
		return claim.ErrInvalidArgument
	}
	cells = cell.Dedup(cells)
	if !cell.SameWorld(cells) {
		return claim.ErrInvalidArgument
	}

	for {
		c := r.ByID(claimID)
		if c == nil {
			r.metrics.mutation("add_cells", "not_found")
			return claim.ErrNotFound
		}
		if c.WorldID() != "" && cells[0].WorldID != c.WorldID() {
			return claim.ErrInvalidArgument
		}

		current := c.Cells()
		all := make([]cell.Key, 0, len(current)+len(cells))
		all = append(all, current...)
		all = append(all, cells...)
		unlock := r.lockCells(all)

		if _, live := r.byID.Load(claimID); !live {
			unlock()
			r.metrics.mutation("add_cells", "not_found")
			return claim.ErrNotFound
		}
		// Состав ячеек мог измениться до захвата полос — перечитываем.
		if !sameCellSet(current, c.Cells()) {
			unlock()
			continue
		}

		if conflicts := r.occupied(cells); len(conflicts) > 0 {
			unlock()
			r.metrics.mutation("add_cells", "cells_occupied")
			return &claim.CellsOccupiedError{Cells: conflicts}
		}

		c.ApplyCells(cells)
		for _, k := range cells {
			r.cells.Store(k, c)
		}
		unlock()

		r.metrics.mutation("add_cells", "ok")
		return nil
	}
}

// Rename меняет имя претензии с проверкой уникальности в пределах владельца.
func (r *Registry) Rename(claimID, newName string) error {
	if newName == "" {
		return claim.ErrInvalidArgument
	}
	c := r.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}

	entry := r.ownerEntryOf(c.Owner(), true)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	for id, other := range entry.claims {
		if id != claimID && strings.EqualFold(other.Name(), newName) {
			return claim.ErrNameTaken
		}
	}
	c.ApplyName(newName)
	return nil
}

// Restore вставляет претензию, восстановленную из хранилища, без
// генерации нового идентификатора. Используется только при загрузке
// до начала обслуживания запросов.
func (r *Registry) Restore(c *claim.Claim) error {
	cells := c.Cells()
	if len(cells) == 0 {
		return claim.ErrInvalidArgument
	}

	unlock := r.lockCells(cells)
	defer unlock()

	if conflicts := r.occupied(cells); len(conflicts) > 0 {
		return &claim.CellsOccupiedError{Cells: conflicts}
	}

	entry := r.ownerEntryOf(c.Owner(), true)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	r.byID.Store(c.ID(), c)
	for _, k := range cells {
		r.cells.Store(k, c)
	}
	entry.claims[c.ID()] = c
	r.metrics.setClaims(r.totalClaims())
	return nil
}

// ===== Внутренние методы =====

// lockCells захватывает полосы блокировок для набора ячеек в порядке
// возрастания индекса полосы и возвращает функцию освобождения.
func (r *Registry) lockCells(keys []cell.Key) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := stripeOf(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		r.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			r.stripes[idx[j]].Unlock()
		}
	}
}

// stripeOf выбирает полосу блокировки для ячейки.
func stripeOf(k cell.Key) int {
	return int(xxhash.Sum64String(k.String()) % lockStripes)
}

// occupied возвращает ячейки набора, уже занятые претензиями.
func (r *Registry) occupied(keys []cell.Key) []cell.Key {
	var conflicts []cell.Key
	for _, k := range keys {
		if _, ok := r.cells.Load(k); ok {
			conflicts = append(conflicts, k)
		}
	}
	return conflicts
}

// ownerEntryOf возвращает запись владельца, создавая её при необходимости.
func (r *Registry) ownerEntryOf(owner string, create bool) *ownerEntry {
	key := strings.ToLower(owner)
	if v, ok := r.byOwner.Load(key); ok {
		return v.(*ownerEntry)
	}
	if !create {
		return nil
	}
	v, _ := r.byOwner.LoadOrStore(key, &ownerEntry{claims: make(map[string]*claim.Claim)})
	return v.(*ownerEntry)
}

// entryHasName проверяет занятость имени среди претензий владельца.
// Вызывается под entry.mu.
func entryHasName(entry *ownerEntry, name string) bool {
	for _, c := range entry.claims {
		if strings.EqualFold(c.Name(), name) {
			return true
		}
	}
	return false
}

// lockOwnerPair захватывает блокировки двух владельцев в порядке
// возрастания имён, чтобы исключить взаимную блокировку встречных передач.
func lockOwnerPair(a string, ea *ownerEntry, b string, eb *ownerEntry) {
	if strings.ToLower(a) < strings.ToLower(b) {
		ea.mu.Lock()
		eb.mu.Lock()
	} else {
		eb.mu.Lock()
		ea.mu.Lock()
	}
}

func unlockOwnerPair(ea, eb *ownerEntry) {
	ea.mu.Unlock()
	eb.mu.Unlock()
}

// sameCellSet сравнивает два набора ячеек без учёта порядка.
func sameCellSet(a, b []cell.Key) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[cell.Key]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// totalClaims возвращает общее количество живых претензий.
func (r *Registry) totalClaims() int {
	n := 0
	r.byID.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
