package planner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/annel0/claim-engine/internal/cell"
	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/economy"
	"github.com/annel0/claim-engine/internal/eventbus"
	"github.com/annel0/claim-engine/internal/policy"
	"github.com/annel0/claim-engine/internal/registry"
	"github.com/annel0/claim-engine/internal/storage"
)

type fixture struct {
	planner *Planner
	reg     *registry.Registry
	vault   *economy.MemoryVault
	store   *storage.MemoryClaimRepo
	bus     eventbus.EventBus
}

func newFixture(values policy.Values, economyOn bool) *fixture {
	reg := registry.NewRegistry()
	vault := economy.NewMemoryVault()
	store := storage.NewMemoryClaimRepo()
	bus := eventbus.NewMemoryBus(64)
	cascade := policy.NewCascade(&policy.Snapshot{
		Global:         values,
		EconomyEnabled: economyOn,
	}, nil)
	return &fixture{
		planner: New(reg, cascade, vault, store, bus, "test"),
		reg:     reg,
		vault:   vault,
		store:   store,
		bus:     bus,
	}
}

func at(x, z int32) cell.Key {
	return cell.Key{WorldID: "overworld", X: x, Z: z}
}

func TestPlan(t *testing.T) {
	f := newFixture(nil, false)
	cells := f.planner.Plan(at(10, -5), 1)
	if len(cells) != 9 {
		t.Fatalf("Радиус 1 покрывает квадрат 3×3, получено %d ячеек", len(cells))
	}
	for _, k := range cells {
		if at(10, -5).ChebyshevDistance(k) > 1 {
			t.Errorf("Ячейка %v вне радиуса", k)
		}
	}
	if len(f.planner.Plan(at(0, 0), 0)) != 1 {
		t.Errorf("Нулевой радиус — одна ячейка")
	}
}

func TestCreateClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil, false)

	c, err := f.planner.CreateClaim(ctx, "Alice", at(0, 0), "")
	if err != nil {
		t.Fatalf("Ошибка создания: %v", err)
	}
	// Пустое имя заменяется первым свободным claim-N.
	if c.Name() != "claim-1" {
		t.Errorf("Ожидалось имя claim-1, получено %s", c.Name())
	}
	c2, err := f.planner.CreateClaim(ctx, "Alice", at(5, 5), "")
	if err != nil {
		t.Fatalf("Ошибка создания второй претензии: %v", err)
	}
	if c2.Name() != "claim-2" {
		t.Errorf("Ожидалось имя claim-2, получено %s", c2.Name())
	}

	// Снимок попал в хранилище.
	snaps, _ := f.store.LoadAll(ctx)
	if len(snaps) != 2 {
		t.Errorf("Ожидалось 2 снимка в хранилище, получено %d", len(snaps))
	}
	// Событие создания опубликовано.
	if f.bus.Metrics().Published < 2 {
		t.Errorf("События создания не опубликованы")
	}

	if _, err := f.planner.CreateClaim(ctx, claim.AdminOwner, at(9, 9), ""); !errors.Is(err, claim.ErrInvalidArgument) {
		t.Errorf("Сентинел не может владеть игровой претензией: %v", err)
	}
}

func TestClaimRadius(t *testing.T) {
	ctx := context.Background()
	f := newFixture(policy.Values{policy.SettingMaxRadiusClaims: 2}, false)

	c, err := f.planner.ClaimRadius(ctx, "Alice", at(0, 0), 2)
	if err != nil {
		t.Fatalf("Ошибка радиусного создания: %v", err)
	}
	if c.CellCount() != 25 {
		t.Errorf("Радиус 2 покрывает 25 ячеек, получено %d", c.CellCount())
	}

	if _, err := f.planner.ClaimRadius(ctx, "Alice", at(50, 50), 3); !errors.Is(err, claim.ErrRadiusTooLarge) {
		t.Errorf("Превышение радиуса должно отклоняться: %v", err)
	}
}

func TestCreateLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("MaxClaims", func(t *testing.T) {
		f := newFixture(policy.Values{policy.SettingMaxClaims: 1}, false)
		if _, err := f.planner.CreateClaim(ctx, "Alice", at(0, 0), ""); err != nil {
			t.Fatalf("Первая претензия в пределах лимита: %v", err)
		}
		_, err := f.planner.CreateClaim(ctx, "Alice", at(5, 5), "")
		var le *claim.LimitExceededError
		if !errors.As(err, &le) || le.Setting != policy.SettingMaxClaims {
			t.Errorf("Ожидалось превышение maxClaims: %v", err)
		}
	})

	t.Run("MaxChunksPerClaim", func(t *testing.T) {
		f := newFixture(policy.Values{policy.SettingMaxChunksPerClaim: 5}, false)
		_, err := f.planner.ClaimRadius(ctx, "Alice", at(0, 0), 1)
		var le *claim.LimitExceededError
		if !errors.As(err, &le) || le.Setting != policy.SettingMaxChunksPerClaim {
			t.Errorf("Ожидалось превышение maxChunksPerClaim: %v", err)
		}
	})

	t.Run("ClaimDistance", func(t *testing.T) {
		f := newFixture(policy.Values{policy.SettingClaimDistance: 2}, false)
		if _, err := f.planner.CreateClaim(ctx, "Bob", at(0, 0), ""); err != nil {
			t.Fatalf("Ошибка создания: %v", err)
		}
		// Чужая претензия в двух ячейках — слишком близко.
		if _, err := f.planner.CreateClaim(ctx, "Alice", at(2, 0), ""); !errors.Is(err, claim.ErrClaimTooClose) {
			t.Errorf("Ожидался отказ по дистанции: %v", err)
		}
		// Своя претензия рядом — допустимо.
		if _, err := f.planner.CreateClaim(ctx, "bob", at(1, 0), ""); err != nil {
			t.Errorf("Собственные претензии не ограничены дистанцией: %v", err)
		}
		// За пределами дистанции — допустимо.
		if _, err := f.planner.CreateClaim(ctx, "Alice", at(10, 10), ""); err != nil {
			t.Errorf("Дальняя претензия должна создаваться: %v", err)
		}
	})

	t.Run("AdminClaimIgnoredByDistance", func(t *testing.T) {
		f := newFixture(policy.Values{policy.SettingClaimDistance: 2}, false)
		if _, err := f.planner.AdminClaimRadius(ctx, at(0, 0), 0); err != nil {
			t.Fatalf("Ошибка создания административной территории: %v", err)
		}
		// Административная территория не учитывается в проверке дистанции.
		if _, err := f.planner.CreateClaim(ctx, "Alice", at(1, 0), ""); err != nil {
			t.Errorf("Соседство с административной территорией допустимо: %v", err)
		}
	})
}

func TestCreateEconomy(t *testing.T) {
	ctx := context.Background()
	values := policy.Values{policy.SettingClaimCost: 100}

	t.Run("DebitOnSuccess", func(t *testing.T) {
		f := newFixture(values, true)
		f.vault.SetBalance("Alice", 250)
		if _, err := f.planner.CreateClaim(ctx, "Alice", at(0, 0), ""); err != nil {
			t.Fatalf("Ошибка создания: %v", err)
		}
		if b, _ := f.vault.Balance(ctx, "alice"); b != 150 {
			t.Errorf("Стоимость не списана: баланс %v", b)
		}
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		f := newFixture(values, true)
		f.vault.SetBalance("Alice", 40)
		_, err := f.planner.CreateClaim(ctx, "Alice", at(0, 0), "")
		if !errors.Is(err, claim.ErrInsufficientFunds) {
			t.Fatalf("Ожидалась нехватка средств: %v", err)
		}
		// Отказ платежа — нет претензии и нет списания.
		if f.reg.ClaimCount("alice") != 0 {
			t.Errorf("Претензия создана без оплаты")
		}
		if b, _ := f.vault.Balance(ctx, "alice"); b != 40 {
			t.Errorf("Баланс изменился после отказа: %v", b)
		}
	})

	t.Run("NoDebitOnValidationFailure", func(t *testing.T) {
		f := newFixture(values, true)
		f.vault.SetBalance("Alice", 500)
		f.vault.SetBalance("Bob", 500)
		if _, err := f.planner.CreateClaim(ctx, "Bob", at(0, 0), ""); err != nil {
			t.Fatalf("Ошибка создания: %v", err)
		}
		// Занятая ячейка отклоняется до списания.
		if _, err := f.planner.CreateClaim(ctx, "Alice", at(0, 0), ""); !errors.Is(err, claim.ErrCellsOccupied) {
			t.Fatalf("Ожидался конфликт занятости: %v", err)
		}
		if b, _ := f.vault.Balance(ctx, "alice"); b != 500 {
			t.Errorf("Списание при отклонённой валидации: %v", b)
		}
	})

	t.Run("AdminClaimIsFree", func(t *testing.T) {
		f := newFixture(values, true)
		if _, err := f.planner.AdminClaimRadius(ctx, at(0, 0), 1); err != nil {
			t.Errorf("Административная территория бесплатна: %v", err)
		}
	})
}

func TestDeleteClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil, false)
	c, _ := f.planner.CreateClaim(ctx, "Alice", at(0, 0), "")

	if err := f.planner.DeleteClaim(ctx, c.ID()); err != nil {
		t.Fatalf("Ошибка удаления: %v", err)
	}
	if snaps, _ := f.store.LoadAll(ctx); len(snaps) != 0 {
		t.Errorf("Снимок не удалён из хранилища")
	}
	if err := f.planner.DeleteClaim(ctx, c.ID()); !errors.Is(err, claim.ErrNotFound) {
		t.Errorf("Повторное удаление: %v", err)
	}
}

func TestExpand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(policy.Values{policy.SettingMaxChunksPerClaim: 3}, false)
	c, _ := f.planner.CreateClaim(ctx, "Alice", at(0, 0), "")

	if err := f.planner.Expand(ctx, c.ID(), []cell.Key{at(1, 0), at(0, 1)}); err != nil {
		t.Fatalf("Ошибка расширения: %v", err)
	}
	// Лимит размера претензии применяется к сумме ячеек.
	err := f.planner.Expand(ctx, c.ID(), []cell.Key{at(2, 0)})
	var le *claim.LimitExceededError
	if !errors.As(err, &le) || le.Setting != policy.SettingMaxChunksPerClaim {
		t.Errorf("Ожидалось превышение лимита размера: %v", err)
	}
}

func TestSaleAndBuy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil, false)
	f.vault.SetBalance("Bob", 300)
	c, _ := f.planner.CreateClaim(ctx, "Alice", at(0, 0), "")

	t.Run("NotForSale", func(t *testing.T) {
		if err := f.planner.Buy(ctx, "Bob", c.ID()); !errors.Is(err, claim.ErrNotForSale) {
			t.Errorf("Покупка без продажи: %v", err)
		}
	})

	t.Run("Buy", func(t *testing.T) {
		if err := f.planner.SetSale(ctx, c.ID(), true, 200); err != nil {
			t.Fatalf("Ошибка выставления на продажу: %v", err)
		}
		// Владелец не может купить собственную претензию.
		if err := f.planner.Buy(ctx, "ALICE", c.ID()); !errors.Is(err, claim.ErrInvalidArgument) {
			t.Errorf("Покупка своей претензии: %v", err)
		}
		if err := f.planner.Buy(ctx, "Bob", c.ID()); err != nil {
			t.Fatalf("Ошибка покупки: %v", err)
		}
		if c.Owner() != "Bob" {
			t.Errorf("Владение не передано: %s", c.Owner())
		}
		// Деньги перешли от покупателя к продавцу.
		if b, _ := f.vault.Balance(ctx, "bob"); b != 100 {
			t.Errorf("С покупателя не списано: %v", b)
		}
		if b, _ := f.vault.Balance(ctx, "alice"); b != 200 {
			t.Errorf("Продавцу не зачислено: %v", b)
		}
		// Продажа снимается после покупки.
		if forSale, price := c.Sale(); forSale || price != 0 {
			t.Errorf("Состояние продажи не сброшено: %v/%v", forSale, price)
		}
	})

	t.Run("InsufficientBuyerFunds", func(t *testing.T) {
		f.planner.SetSale(ctx, c.ID(), true, 10000)
		if err := f.planner.Buy(ctx, "Carol", c.ID()); !errors.Is(err, claim.ErrInsufficientFunds) {
			t.Fatalf("Ожидалась нехватка средств: %v", err)
		}
		if c.Owner() != "Bob" {
			t.Errorf("Владение сменилось без оплаты")
		}
	})
}

func TestMembersAndBans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(policy.Values{policy.SettingMaxMembers: 2}, false)
	c, _ := f.planner.CreateClaim(ctx, "Alice", at(0, 0), "")

	t.Run("AddMember", func(t *testing.T) {
		if err := f.planner.AddMember(ctx, c.ID(), "Bob"); err != nil {
			t.Fatalf("Ошибка добавления участника: %v", err)
		}
		if err := f.planner.AddMember(ctx, c.ID(), "Carol"); err != nil {
			t.Fatalf("Ошибка добавления участника: %v", err)
		}
		// Лимит maxMembers владельца.
		err := f.planner.AddMember(ctx, c.ID(), "Dave")
		var le *claim.LimitExceededError
		if !errors.As(err, &le) || le.Setting != policy.SettingMaxMembers {
			t.Errorf("Ожидалось превышение maxMembers: %v", err)
		}
	})

	t.Run("BanEvictsMember", func(t *testing.T) {
		if err := f.planner.Ban(ctx, c.ID(), "Bob"); err != nil {
			t.Fatalf("Ошибка бана: %v", err)
		}
		if c.IsMember("bob") {
			t.Errorf("Бан должен исключать из участников")
		}
		// Забаненного нельзя добавить в участники.
		if err := f.planner.AddMember(ctx, c.ID(), "bob"); !errors.Is(err, claim.ErrInvalidArgument) {
			t.Errorf("Добавление забаненного: %v", err)
		}
		if err := f.planner.Unban(ctx, c.ID(), "Bob"); err != nil {
			t.Fatalf("Ошибка снятия бана: %v", err)
		}
		if err := f.planner.AddMember(ctx, c.ID(), "Bob"); err != nil {
			t.Errorf("После снятия бана участие разрешено: %v", err)
		}
	})
}

func TestResetAllOverrides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil, false)

	player, _ := f.planner.CreateClaim(ctx, "Alice", at(0, 0), "")
	admin, _ := f.planner.AdminClaimRadius(ctx, at(10, 10), 0)
	f.planner.SetOverride(ctx, player.ID(), claim.ActionBuild, claim.AudienceVisitors, claim.PermAllow)
	f.planner.SetOverride(ctx, admin.ID(), claim.ActionEnter, claim.AudienceVisitors, claim.PermDeny)

	// Сброс только административных территорий не трогает игровые.
	if n := f.planner.ResetAllOverrides(ctx, true); n != 1 {
		t.Fatalf("Ожидался сброс 1 претензии, получено %d", n)
	}
	if admin.Override(claim.ActionEnter, claim.AudienceVisitors) != claim.PermUnset {
		t.Errorf("Переопределения административной территории не сброшены")
	}
	if player.Override(claim.ActionBuild, claim.AudienceVisitors) != claim.PermAllow {
		t.Errorf("Игровая претензия не должна затрагиваться")
	}

	if n := f.planner.ResetAllOverrides(ctx, false); n != 1 {
		t.Errorf("Ожидался сброс 1 игровой претензии, получено %d", n)
	}
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil, false)
	pipe := NewPipeline(f.planner, 2, 16)
	defer pipe.Close()

	t.Run("SubmitCreate", func(t *testing.T) {
		res := <-pipe.SubmitCreate(ctx, "Alice", at(0, 0), "base")
		if res.Err != nil {
			t.Fatalf("Ошибка конвейера: %v", res.Err)
		}
		if res.Claim == nil || res.Claim.Name() != "base" {
			t.Errorf("Претензия не создана через конвейер")
		}
	})

	t.Run("SubmitRadius", func(t *testing.T) {
		res := <-pipe.SubmitRadius(ctx, "Bob", at(20, 20), 1)
		if res.Err != nil {
			t.Fatalf("Ошибка конвейера: %v", res.Err)
		}
		if res.Claim.CellCount() != 9 {
			t.Errorf("Ожидалось 9 ячеек, получено %d", res.Claim.CellCount())
		}
	})

	t.Run("ConflictPropagates", func(t *testing.T) {
		res := <-pipe.SubmitCreate(ctx, "Carol", at(0, 0), "")
		if !errors.Is(res.Err, claim.ErrCellsOccupied) {
			t.Errorf("Ожидался конфликт занятости: %v", res.Err)
		}
	})
}

// TestPublishFallbackGlobalBus проверяет, что планировщик без внедрённой
// шины публикует события через глобальную.
func TestPublishFallbackGlobalBus(t *testing.T) {
	ctx := context.Background()
	mem := eventbus.NewMemoryBus(8)
	eventbus.Init(mem)
	defer eventbus.Init(nil)

	reg := registry.NewRegistry()
	cascade := policy.NewCascade(&policy.Snapshot{}, nil)
	p := New(reg, cascade, nil, nil, nil, "test")

	if _, err := p.CreateClaim(ctx, "Alice", at(0, 0), ""); err != nil {
		t.Fatalf("Ошибка создания: %v", err)
	}
	if mem.Metrics().Published == 0 {
		t.Fatalf("Событие не дошло до глобальной шины")
	}
}

// TestPipelineSubmitAfterClose: остановленный конвейер отвечает ошибкой,
// а не паникой на закрытом канале.
func TestPipelineSubmitAfterClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil, false)
	pipe := NewPipeline(f.planner, 1, 4)
	pipe.Close()
	pipe.Close() // повторная остановка безопасна

	res := <-pipe.SubmitCreate(ctx, "Alice", at(0, 0), "")
	if !errors.Is(res.Err, ErrPipelineClosed) {
		t.Fatalf("Ожидался ErrPipelineClosed, получено: %v", res.Err)
	}
	res = <-pipe.SubmitRadius(ctx, "Alice", at(5, 5), 1)
	if !errors.Is(res.Err, ErrPipelineClosed) {
		t.Fatalf("Ожидался ErrPipelineClosed, получено: %v", res.Err)
	}
}

// TestCreateLimitConcurrent: гонка создателей одного владельца не
// пробивает лимит количества претензий, а откаты возвращают списания.
func TestCreateLimitConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(policy.Values{
		policy.SettingMaxClaims: 1,
		policy.SettingClaimCost: 50,
	}, true)
	f.vault.Deposit(ctx, "Alice", 400)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		x := int32(i * 10)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.planner.CreateClaim(ctx, "Alice", at(x, 0), "")
		}()
	}
	wg.Wait()

	n := f.reg.ClaimCount("Alice")
	if n > 1 {
		t.Fatalf("Лимит претензий пробит: %d", n)
	}
	bal, err := f.vault.Balance(ctx, "Alice")
	if err != nil {
		t.Fatalf("Ошибка баланса: %v", err)
	}
	// Оплачены только выжившие претензии, остальные списания возвращены.
	if want := 400 - 50*float64(n); bal != want {
		t.Fatalf("Баланс %.2f, ожидалось %.2f при %d претензиях", bal, want, n)
	}
}
