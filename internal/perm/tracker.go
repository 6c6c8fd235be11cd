package perm

import (
	"strings"
	"sync"

	"github.com/annel0/claim-engine/internal/cell"
	"github.com/annel0/claim-engine/internal/claim"
)

// CellIndex — минимальный контракт пространственного индекса,
// нужный трекеру перемещений.
type CellIndex interface {
	Lookup(key cell.Key) *claim.Claim
}

// Outcome — исход перемещения игрока между ячейками.
type Outcome uint8

const (
	// OutcomeAllowed — перемещение разрешено.
	OutcomeAllowed Outcome = iota
	// OutcomeRejectedBan — игрок забанен в целевой претензии;
	// хост должен вернуть его в исходную позицию.
	OutcomeRejectedBan
	// OutcomeRejectedEnter — вход в целевую претензию запрещён.
	OutcomeRejectedEnter
)

// String возвращает строковое представление исхода.
func (o Outcome) String() string {
	switch o {
	case OutcomeRejectedBan:
		return "rejected_ban"
	case OutcomeRejectedEnter:
		return "rejected_enter"
	default:
		return "allowed"
	}
}

// Transition описывает результат перемещения: исход и смену территории,
// по которой хост строит сообщения входа/выхода.
type Transition struct {
	Outcome Outcome
	Entered *claim.Claim // претензия, в которую вошёл игрок (nil — свободная территория)
	Left    *claim.Claim // претензия, которую покинул игрок (nil — свободная территория)
	// OwnerChanged истинно, когда владелец территории сменился:
	// именно тогда хост показывает сообщения входа/выхода.
	OwnerChanged bool
}

// Tracker классифицирует перемещения игроков между ячейками.
// Отклонённые игроки запоминаются: возвратная телепортация после отказа
// сама не проверяется, иначе игрок застревает в цикле отказов.
type Tracker struct {
	resolver *Resolver
	index    CellIndex

	mu       sync.Mutex
	rejected map[string]struct{}
}

// NewTracker создаёт трекер перемещений.
func NewTracker(resolver *Resolver, index CellIndex) *Tracker {
	return &Tracker{
		resolver: resolver,
		index:    index,
		rejected: make(map[string]struct{}),
	}
}

// Move проверяет перемещение игрока из ячейки from в ячейку to.
func (t *Tracker) Move(player string, from, to cell.Key, bypass bool) Transition {
	claimTo := t.index.Lookup(to)
	claimFrom := t.index.Lookup(from)

	if claimTo != nil && !bypass {
		if claimTo.IsBanned(player) {
			t.markRejected(player)
			return Transition{Outcome: OutcomeRejectedBan, Left: claimFrom}
		}
		if t.resolver.Resolve(claimTo, player, claim.ActionEnter, false) == Deny {
			t.markRejected(player)
			return Transition{Outcome: OutcomeRejectedEnter, Left: claimFrom}
		}
	}

	return Transition{
		Outcome:      OutcomeAllowed,
		Entered:      claimTo,
		Left:         claimFrom,
		OwnerChanged: ownerOf(claimTo) != ownerOf(claimFrom),
	}
}

// Teleport проверяет телепортацию игрока в ячейку to. Возвратная
// телепортация отклонённого игрока пропускается без проверки.
func (t *Tracker) Teleport(player string, to cell.Key, bypass bool) Transition {
	if t.consumeRejected(player) {
		return Transition{Outcome: OutcomeAllowed, Entered: t.index.Lookup(to)}
	}

	claimTo := t.index.Lookup(to)
	if claimTo != nil && !bypass {
		if claimTo.IsBanned(player) {
			return Transition{Outcome: OutcomeRejectedBan}
		}
		if t.resolver.Resolve(claimTo, player, claim.ActionEnter, false) == Deny {
			return Transition{Outcome: OutcomeRejectedEnter}
		}
		if t.resolver.Resolve(claimTo, player, claim.ActionTeleportations, false) == Deny &&
			!claimTo.IsMember(player) && !claimTo.IsOwner(player) {
			return Transition{Outcome: OutcomeRejectedEnter}
		}
	}
	return Transition{Outcome: OutcomeAllowed, Entered: claimTo}
}

// Forget очищает состояние игрока при выходе из игры.
func (t *Tracker) Forget(player string) {
	t.mu.Lock()
	delete(t.rejected, strings.ToLower(player))
	t.mu.Unlock()
}

func (t *Tracker) markRejected(player string) {
	t.mu.Lock()
	t.rejected[strings.ToLower(player)] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) consumeRejected(player string) bool {
	key := strings.ToLower(player)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rejected[key]; ok {
		delete(t.rejected, key)
		return true
	}
	return false
}

func ownerOf(c *claim.Claim) string {
	if c == nil {
		return ""
	}
	return c.Owner()
}
