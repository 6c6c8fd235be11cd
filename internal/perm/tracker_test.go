package perm

import (
	"testing"
	"time"

	"github.com/annel0/claim-engine/internal/cell"
	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/policy"
)

// staticIndex — пространственный индекс поверх фиксированной карты для тестов.
type staticIndex map[cell.Key]*claim.Claim

func (s staticIndex) Lookup(key cell.Key) *claim.Claim { return s[key] }

func trackerFixture() (*Tracker, *claim.Claim, *claim.Claim) {
	open := claim.New("c-open", "Alice", "open", map[cell.Key]struct{}{
		{WorldID: "w", X: 1, Z: 0}: {},
	}, time.Now())
	closed := claim.New("c-closed", "Bob", "closed", map[cell.Key]struct{}{
		{WorldID: "w", X: 2, Z: 0}: {},
	}, time.Now())
	closed.SetOverride(claim.ActionEnter, claim.AudienceVisitors, claim.PermDeny)

	snap := &policy.Snapshot{
		DefaultVisitors: map[claim.Action]bool{
			claim.ActionEnter:          true,
			claim.ActionTeleportations: true,
		},
	}
	index := staticIndex{
		{WorldID: "w", X: 1, Z: 0}: open,
		{WorldID: "w", X: 2, Z: 0}: closed,
	}
	return NewTracker(NewResolver(policy.NewCascade(snap, nil)), index), open, closed
}

func TestMove(t *testing.T) {
	tr, open, closed := trackerFixture()
	free := cell.Key{WorldID: "w", X: 0, Z: 0}
	openCell := cell.Key{WorldID: "w", X: 1, Z: 0}
	closedCell := cell.Key{WorldID: "w", X: 2, Z: 0}

	t.Run("EnterAllowed", func(t *testing.T) {
		res := tr.Move("carol", free, openCell, false)
		if res.Outcome != OutcomeAllowed {
			t.Fatalf("Вход должен быть разрешён: %s", res.Outcome)
		}
		if res.Entered != open || res.Left != nil {
			t.Errorf("Неверная смена территории")
		}
		if !res.OwnerChanged {
			t.Errorf("Смена владельца территории не отмечена")
		}
	})

	t.Run("MoveWithinSameOwner", func(t *testing.T) {
		res := tr.Move("carol", openCell, openCell, false)
		if res.Outcome != OutcomeAllowed || res.OwnerChanged {
			t.Errorf("Перемещение внутри претензии не меняет владельца")
		}
	})

	t.Run("EnterDenied", func(t *testing.T) {
		res := tr.Move("carol", openCell, closedCell, false)
		if res.Outcome != OutcomeRejectedEnter {
			t.Fatalf("Ожидался отказ входа, получено %s", res.Outcome)
		}
		if res.Left != open {
			t.Errorf("Покинутая претензия не указана")
		}
	})

	t.Run("BannedRejected", func(t *testing.T) {
		closed.AddBan("dave")
		res := tr.Move("Dave", free, closedCell, false)
		if res.Outcome != OutcomeRejectedBan {
			t.Errorf("Ожидался отказ по бану, получено %s", res.Outcome)
		}
	})

	t.Run("BypassWins", func(t *testing.T) {
		res := tr.Move("Dave", free, closedCell, true)
		if res.Outcome != OutcomeAllowed {
			t.Errorf("Байпас должен пропускать в любую претензию")
		}
	})
}

func TestTeleport(t *testing.T) {
	tr, _, closed := trackerFixture()
	free := cell.Key{WorldID: "w", X: 0, Z: 0}
	openCell := cell.Key{WorldID: "w", X: 1, Z: 0}
	closedCell := cell.Key{WorldID: "w", X: 2, Z: 0}

	t.Run("Allowed", func(t *testing.T) {
		res := tr.Teleport("carol", openCell, false)
		if res.Outcome != OutcomeAllowed {
			t.Fatalf("Телепортация должна быть разрешена: %s", res.Outcome)
		}
	})

	t.Run("TeleportationsDenied", func(t *testing.T) {
		// Запрет Teleportations посетителям блокирует телепорт не-участника.
		open := tr.index.Lookup(openCell)
		open.SetOverride(claim.ActionTeleportations, claim.AudienceVisitors, claim.PermDeny)
		if res := tr.Teleport("carol", openCell, false); res.Outcome != OutcomeRejectedEnter {
			t.Errorf("Ожидался отказ телепортации, получено %s", res.Outcome)
		}
		// Участника запрет не касается.
		open.AddMember("carol")
		if res := tr.Teleport("carol", openCell, false); res.Outcome != OutcomeAllowed {
			t.Errorf("Участник телепортируется несмотря на запрет посетителям")
		}
		open.RemoveMember("carol")
		open.ResetOverrides()
	})

	t.Run("ReturnAfterRejectionSkipsChecks", func(t *testing.T) {
		closed.AddBan("frank")
		if res := tr.Move("Frank", free, closedCell, false); res.Outcome != OutcomeRejectedBan {
			t.Fatalf("Ожидался отказ по бану")
		}
		// Возвратная телепортация отклонённого игрока не проверяется,
		// даже если цель — та же закрытая претензия.
		if res := tr.Teleport("frank", closedCell, false); res.Outcome != OutcomeAllowed {
			t.Errorf("Возвратная телепортация должна пропускаться: %s", res.Outcome)
		}
		// Флаг одноразовый: следующая телепортация проверяется как обычно.
		if res := tr.Teleport("frank", closedCell, false); res.Outcome != OutcomeRejectedBan {
			t.Errorf("Повторная телепортация должна проверяться: %s", res.Outcome)
		}
	})

	t.Run("ForgetClearsState", func(t *testing.T) {
		closed.AddBan("grace")
		tr.Move("Grace", free, closedCell, false)
		tr.Forget("GRACE")
		// После выхода из игры флаг отказа не переживает сессию.
		if res := tr.Teleport("grace", closedCell, false); res.Outcome != OutcomeRejectedBan {
			t.Errorf("Состояние игрока должно очищаться при выходе: %s", res.Outcome)
		}
	})
}
