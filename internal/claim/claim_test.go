package claim

import (
	"testing"
	"time"

	"github.com/annel0/claim-engine/internal/cell"
)

func newTestClaim(owner string) *Claim {
	cells := map[cell.Key]struct{}{
		{WorldID: "overworld", X: 0, Z: 0}: {},
		{WorldID: "overworld", X: 1, Z: 0}: {},
	}
	return New("claim-1", owner, "base", cells, time.Now())
}

func TestMembers(t *testing.T) {
	c := newTestClaim("Alice")

	t.Run("AddAndCheck", func(t *testing.T) {
		if err := c.AddMember("Bob"); err != nil {
			t.Fatalf("Ошибка добавления участника: %v", err)
		}
		if !c.IsMember("bob") || !c.IsMember("BOB") {
			t.Errorf("Участие должно проверяться без учёта регистра")
		}
	})

	t.Run("OwnerNotMember", func(t *testing.T) {
		if err := c.AddMember("alice"); err == nil {
			t.Errorf("Владелец не может быть участником")
		}
		if err := c.AddMember(""); err == nil {
			t.Errorf("Пустое имя должно отклоняться")
		}
		if err := c.AddMember(AdminOwner); err == nil {
			t.Errorf("Сентинел администратора должен отклоняться")
		}
	})

	t.Run("Remove", func(t *testing.T) {
		c.RemoveMember("BOB")
		if c.IsMember("bob") {
			t.Errorf("Участник не удалён")
		}
	})
}

func TestBans(t *testing.T) {
	c := newTestClaim("Alice")

	if err := c.AddBan("Eve"); err != nil {
		t.Fatalf("Ошибка добавления бана: %v", err)
	}
	if !c.IsBanned("eve") {
		t.Errorf("Бан должен проверяться без учёта регистра")
	}

	// Владельца забанить нельзя, инвариант претензии.
	if err := c.AddBan("ALICE"); err == nil {
		t.Errorf("Бан владельца должен отклоняться")
	}

	c.RemoveBan("EVE")
	if c.IsBanned("eve") {
		t.Errorf("Бан не снят")
	}
}

func TestAdminClaim(t *testing.T) {
	c := newTestClaim(AdminOwner)
	if !c.IsAdmin() {
		t.Fatalf("Претензия с владельцем %q должна быть административной", AdminOwner)
	}
	if c.IsOwner(AdminOwner) {
		t.Errorf("Административная претензия не имеет экономического владельца")
	}
	// У административной территории любой игрок может быть забанен.
	if err := c.AddBan("anyone"); err != nil {
		t.Errorf("Бан в административной претензии: %v", err)
	}
}

func TestOverrides(t *testing.T) {
	c := newTestClaim("Alice")

	if err := c.SetOverride(ActionBuild, AudienceVisitors, PermAllow); err != nil {
		t.Fatalf("Ошибка установки переопределения: %v", err)
	}
	if c.Override(ActionBuild, AudienceVisitors) != PermAllow {
		t.Errorf("Переопределение не сохранено")
	}
	if c.Override(ActionBuild, AudienceMembers) != PermUnset {
		t.Errorf("Для другой аудитории ожидалось Unset")
	}

	if err := c.SetOverride(Action("Fishing"), AudienceOwner, PermDeny); err == nil {
		t.Errorf("Неизвестное действие должно отклоняться")
	}

	// Сброс состояния до Unset удаляет запись из таблицы целиком.
	c.SetOverride(ActionBuild, AudienceVisitors, PermUnset)
	snap := c.Snapshot()
	if len(snap.Overrides) != 0 {
		t.Errorf("Пустое правило должно удаляться из таблицы: %v", snap.Overrides)
	}

	c.SetOverride(ActionPvp, AudienceMembers, PermDeny)
	c.ResetOverrides()
	if c.Override(ActionPvp, AudienceMembers) != PermUnset {
		t.Errorf("Сброс переопределений не выполнен")
	}
}

func TestSale(t *testing.T) {
	c := newTestClaim("Alice")

	if err := c.SetSale(true, -10); err == nil {
		t.Errorf("Отрицательная цена должна отклоняться")
	}
	if err := c.SetSale(true, 250); err != nil {
		t.Fatalf("Ошибка выставления на продажу: %v", err)
	}
	forSale, price := c.Sale()
	if !forSale || price != 250 {
		t.Errorf("Ожидалась продажа за 250, получено %v/%v", forSale, price)
	}

	// Снятие с продажи обнуляет цену.
	c.SetSale(false, 0)
	forSale, price = c.Sale()
	if forSale || price != 0 {
		t.Errorf("Снятие с продажи не обнулило состояние: %v/%v", forSale, price)
	}
}

func TestApplyOwner(t *testing.T) {
	c := newTestClaim("Alice")
	c.AddMember("Bob")
	c.AddBan("Carol")

	// Новый владелец вычищается из участников и банов.
	c.ApplyOwner("Bob")
	if c.IsMember("bob") {
		t.Errorf("Новый владелец не должен оставаться участником")
	}

	c.ApplyOwner("Carol")
	if c.IsBanned("carol") {
		t.Errorf("Новый владелец не должен оставаться в банах")
	}
	if !c.IsOwner("CAROL") {
		t.Errorf("Владение должно проверяться без учёта регистра")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := newTestClaim("Alice")
	c.AddMember("Bob")
	c.AddBan("Eve")
	c.SetOverride(ActionEnter, AudienceVisitors, PermDeny)
	c.SetSale(true, 99.5)

	restored := FromSnapshot(c.Snapshot())

	if restored.ID() != c.ID() || restored.Name() != c.Name() || restored.Owner() != c.Owner() {
		t.Errorf("Базовые поля не восстановлены")
	}
	if restored.CellCount() != c.CellCount() {
		t.Errorf("Ожидалось %d ячеек, получено %d", c.CellCount(), restored.CellCount())
	}
	if !restored.ContainsCell(cell.Key{WorldID: "overworld", X: 1, Z: 0}) {
		t.Errorf("Ячейка потеряна при восстановлении")
	}
	if !restored.IsMember("bob") || !restored.IsBanned("eve") {
		t.Errorf("Участники или баны не восстановлены")
	}
	if restored.Override(ActionEnter, AudienceVisitors) != PermDeny {
		t.Errorf("Переопределения не восстановлены")
	}
	forSale, price := restored.Sale()
	if !forSale || price != 99.5 {
		t.Errorf("Состояние продажи не восстановлено: %v/%v", forSale, price)
	}
}
