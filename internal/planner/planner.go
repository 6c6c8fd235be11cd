package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/annel0/claim-engine/internal/cell"
	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/economy"
	"github.com/annel0/claim-engine/internal/eventbus"
	"github.com/annel0/claim-engine/internal/logging"
	"github.com/annel0/claim-engine/internal/policy"
	"github.com/annel0/claim-engine/internal/registry"
)

// ClaimStore — контракт персистентности претензий со стороны планировщика.
// Запись после коммита — best-effort: сбой записи логируется и не
// откатывает структурную мутацию (восстановление — загрузкой последнего
// снимка при старте).
type ClaimStore interface {
	Persist(ctx context.Context, s *claim.Snapshot) error
	Remove(ctx context.Context, id string) error
}

// Planner оркестрирует поток создания претензий и остальные мутации:
// валидация → лимиты → стоимость → списание → атомарный коммит в реестр.
// Любой отказ до списания не трогает ни валюту, ни реестр; конфликт
// коммита после списания возвращает деньги.
type Planner struct {
	registry *registry.Registry
	cascade  *policy.Cascade
	cost     *economy.CostCalculator
	vault    economy.CurrencyProvider // nil — экономика не подключена
	store    ClaimStore               // nil — без персистентности
	bus      eventbus.EventBus        // nil — публикация через глобальную шину
	source   string
}

// New создаёт планировщик. vault, store и bus могут быть nil.
func New(reg *registry.Registry, cascade *policy.Cascade, vault economy.CurrencyProvider,
	store ClaimStore, bus eventbus.EventBus, source string) *Planner {
	return &Planner{
		registry: reg,
		cascade:  cascade,
		cost:     economy.NewCostCalculator(cascade),
		vault:    vault,
		store:    store,
		bus:      bus,
		source:   source,
	}
}

// Registry возвращает реестр планировщика.
func (p *Planner) Registry() *registry.Registry { return p.registry }

// Plan перечисляет все ячейки в радиусе Чебышёва radius от центра
// (квадрат (2r+1)×(2r+1); форма едина для всего деплоя, чтобы
// симметричное расширение оставалось предсказуемым).
func (p *Planner) Plan(center cell.Key, radius int) []cell.Key {
	if radius < 0 {
		radius = 0
	}
	side := 2*radius + 1
	out := make([]cell.Key, 0, side*side)
	for dx := -radius; dx <= radius; dx++ {
		for dz := -radius; dz <= radius; dz++ {
			out = append(out, cell.Key{
				WorldID: center.WorldID,
				X:       center.X + int32(dx),
				Z:       center.Z + int32(dz),
			})
		}
	}
	return out
}

// CreateClaim создаёт одноячеечную претензию игрока в указанной ячейке.
// Пустое имя заменяется свободным именем вида claim-N.
func (p *Planner) CreateClaim(ctx context.Context, owner string, key cell.Key, name string) (*claim.Claim, error) {
	return p.createOwned(ctx, owner, name, []cell.Key{key})
}

// ClaimRadius атомарно создаёт претензию из всех ячеек в радиусе radius
// от центра: либо весь набор, либо ничего.
func (p *Planner) ClaimRadius(ctx context.Context, owner string, center cell.Key, radius int) (*claim.Claim, error) {
	maxRadius := p.cascade.ResolveInt(policy.SettingMaxRadiusClaims, owner)
	if maxRadius > 0 && radius > maxRadius {
		return nil, claim.ErrRadiusTooLarge
	}
	return p.createOwned(ctx, owner, "", p.Plan(center, radius))
}

// AdminClaimRadius создаёт административную (защищённую) территорию.
// Лимиты и стоимость не применяются: у территории нет экономического владельца.
func (p *Planner) AdminClaimRadius(ctx context.Context, center cell.Key, radius int) (*claim.Claim, error) {
	cells := p.Plan(center, radius)
	name := p.freeName(claim.AdminOwner)
	c, err := p.registry.Create(claim.AdminOwner, name, cells)
	if err != nil {
		return nil, err
	}
	p.persist(ctx, c)
	p.publish(ctx, eventbus.TypeClaimCreated, eventbus.ClaimEvent{
		ClaimID: c.ID(), Owner: c.Owner(), Name: c.Name(), WorldID: c.WorldID(), Cells: c.CellCount(),
	})
	return c, nil
}

// createOwned — общий поток создания игровой претензии.
func (p *Planner) createOwned(ctx context.Context, owner, name string, cells []cell.Key) (*claim.Claim, error) {
	if owner == "" || owner == claim.AdminOwner || len(cells) == 0 {
		return nil, claim.ErrInvalidArgument
	}

	// Лимит количества претензий.
	countAfter := p.registry.ClaimCount(owner) + 1
	if maxClaims := p.cascade.ResolveInt(policy.SettingMaxClaims, owner); maxClaims > 0 && countAfter > maxClaims {
		return nil, &claim.LimitExceededError{Setting: policy.SettingMaxClaims, Limit: maxClaims}
	}

	// Лимит размера одной претензии.
	if maxChunks := p.cascade.ResolveInt(policy.SettingMaxChunksPerClaim, owner); maxChunks > 0 && len(cells) > maxChunks {
		return nil, &claim.LimitExceededError{Setting: policy.SettingMaxChunksPerClaim, Limit: maxChunks}
	}

	// Дистанция до чужих претензий.
	if err := p.checkDistance(owner, cells); err != nil {
		return nil, err
	}

	// Предварительная проверка занятости: дешёвый отказ до списания.
	for _, k := range cells {
		if other := p.registry.Lookup(k); other != nil {
			return nil, &claim.CellsOccupiedError{Cells: []cell.Key{k}}
		}
	}

	if name == "" {
		name = p.freeName(owner)
	}

	// Списание стоимости строго до коммита: отказ платежа — нет претензии.
	price := 0.0
	if p.cascade.EconomyEnabled() && p.vault != nil {
		price = p.cost.Cost(owner, countAfter)
		if price > 0 {
			if err := p.vault.Debit(ctx, owner, price); err != nil {
				return nil, err
			}
		}
	}

	c, err := p.registry.Create(owner, name, cells)
	if err != nil {
		// Конкурирующая мутация успела занять ячейки — возвращаем деньги.
		p.refund(ctx, owner, price)
		return nil, err
	}

	// Перепроверка лимита количества после коммита: конкурирующее
	// создание того же владельца могло пройти предварительную проверку
	// одновременно с нами. Претензия сверх лимита откатывается.
	if maxClaims := p.cascade.ResolveInt(policy.SettingMaxClaims, owner); maxClaims > 0 && p.registry.ClaimCount(owner) > maxClaims {
		if derr := p.registry.Delete(c.ID()); derr != nil {
			logging.Error("Не удалось откатить претензию %s сверх лимита: %v", c.ID(), derr)
		}
		p.refund(ctx, owner, price)
		return nil, &claim.LimitExceededError{Setting: policy.SettingMaxClaims, Limit: maxClaims}
	}

	logging.LogClaimMutation("create", c.ID(), owner, c.CellCount())
	p.persist(ctx, c)
	p.publish(ctx, eventbus.TypeClaimCreated, eventbus.ClaimEvent{
		ClaimID: c.ID(), Owner: owner, Name: c.Name(), WorldID: c.WorldID(), Cells: c.CellCount(), Price: price,
	})
	return c, nil
}

// DeleteClaim удаляет претензию.
func (p *Planner) DeleteClaim(ctx context.Context, claimID string) error {
	c := p.registry.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}
	owner := c.Owner()
	if err := p.registry.Delete(claimID); err != nil {
		return err
	}
	logging.LogClaimMutation("delete", claimID, owner, 0)
	if p.store != nil {
		if err := p.store.Remove(ctx, claimID); err != nil {
			logging.Error("Не удалось удалить претензию %s из хранилища: %v", claimID, err)
		}
	}
	p.publish(ctx, eventbus.TypeClaimDeleted, eventbus.ClaimEvent{ClaimID: claimID, Owner: owner})
	return nil
}

// DeleteAllOf удаляет все претензии владельца, возвращает число удалённых.
func (p *Planner) DeleteAllOf(ctx context.Context, owner string) int {
	n := 0
	for _, c := range p.registry.ClaimsOf(owner) {
		if err := p.DeleteClaim(ctx, c.ID()); err == nil {
			n++
		}
	}
	return n
}

// SetOwner передаёт претензию новому владельцу.
func (p *Planner) SetOwner(ctx context.Context, claimID, newOwner string) error {
	c := p.registry.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}
	oldOwner := c.Owner()
	if err := p.registry.TransferOwner(claimID, newOwner); err != nil {
		return err
	}
	p.persist(ctx, c)
	p.publish(ctx, eventbus.TypeClaimTransferred, eventbus.ClaimEvent{
		ClaimID: claimID, Owner: oldOwner, NewOwner: newOwner, Name: c.Name(),
	})
	return nil
}

// Expand добавляет ячейки к претензии с проверкой лимита её размера.
func (p *Planner) Expand(ctx context.Context, claimID string, cells []cell.Key) error {
	c := p.registry.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}
	owner := c.Owner()
	if owner != claim.AdminOwner {
		if maxChunks := p.cascade.ResolveInt(policy.SettingMaxChunksPerClaim, owner); maxChunks > 0 &&
			c.CellCount()+len(cell.Dedup(cells)) > maxChunks {
			return &claim.LimitExceededError{Setting: policy.SettingMaxChunksPerClaim, Limit: maxChunks}
		}
		if err := p.checkDistance(owner, cells); err != nil {
			return err
		}
	}
	if err := p.registry.AddCells(claimID, cells); err != nil {
		return err
	}
	p.persist(ctx, c)
	p.publish(ctx, eventbus.TypeClaimExpanded, eventbus.ClaimEvent{
		ClaimID: claimID, Owner: owner, Cells: c.CellCount(),
	})
	return nil
}

// Rename переименовывает претензию.
func (p *Planner) Rename(ctx context.Context, claimID, newName string) error {
	if err := p.registry.Rename(claimID, newName); err != nil {
		return err
	}
	c := p.registry.ByID(claimID)
	p.persist(ctx, c)
	p.publish(ctx, eventbus.TypeClaimRenamed, eventbus.ClaimEvent{
		ClaimID: claimID, Owner: c.Owner(), Name: newName,
	})
	return nil
}

// SetSale выставляет претензию на продажу или снимает с продажи.
func (p *Planner) SetSale(ctx context.Context, claimID string, forSale bool, price float64) error {
	c := p.registry.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}
	if err := c.SetSale(forSale, price); err != nil {
		return err
	}
	p.persist(ctx, c)
	return nil
}

// Buy покупает выставленную на продажу претензию: списывает цену с
// покупателя, зачисляет прежнему владельцу и передаёт владение. Конфликт
// передачи возвращает деньги покупателю.
func (p *Planner) Buy(ctx context.Context, buyer, claimID string) error {
	c := p.registry.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}
	forSale, price := c.Sale()
	if !forSale {
		return claim.ErrNotForSale
	}
	seller := c.Owner()
	if strings.EqualFold(seller, buyer) {
		return claim.ErrInvalidArgument
	}

	if p.vault != nil && price > 0 {
		if err := p.vault.Debit(ctx, buyer, price); err != nil {
			return err
		}
	}

	if err := p.registry.TransferOwner(claimID, buyer); err != nil {
		if p.vault != nil && price > 0 {
			if rerr := p.vault.Deposit(ctx, buyer, price); rerr != nil {
				logging.Error("Не удалось вернуть %.2f покупателю %s: %v", price, buyer, rerr)
			}
		}
		return err
	}

	// Выручка прежнему владельцу; у административной территории владельца нет.
	if p.vault != nil && price > 0 && seller != claim.AdminOwner {
		if err := p.vault.Deposit(ctx, seller, price); err != nil {
			logging.Error("Не удалось зачислить %.2f продавцу %s: %v", price, seller, err)
		}
	}

	_ = c.SetSale(false, 0)
	p.persist(ctx, c)
	p.publish(ctx, eventbus.TypeClaimSold, eventbus.ClaimEvent{
		ClaimID: claimID, Owner: seller, NewOwner: buyer, Price: price,
	})
	return nil
}

// Ban добавляет бан игрока в претензии.
func (p *Planner) Ban(ctx context.Context, claimID, player string) error {
	c := p.registry.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}
	if err := c.AddBan(player); err != nil {
		return err
	}
	c.RemoveMember(player)
	p.persist(ctx, c)
	p.publish(ctx, eventbus.TypePlayerBanned, eventbus.ClaimEvent{ClaimID: claimID, Player: player})
	return nil
}

// Unban снимает бан игрока в претензии.
func (p *Planner) Unban(ctx context.Context, claimID, player string) error {
	c := p.registry.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}
	c.RemoveBan(player)
	p.persist(ctx, c)
	p.publish(ctx, eventbus.TypePlayerUnbanned, eventbus.ClaimEvent{ClaimID: claimID, Player: player})
	return nil
}

// AddMember добавляет участника с проверкой лимита maxMembers владельца.
func (p *Planner) AddMember(ctx context.Context, claimID, player string) error {
	c := p.registry.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}
	if c.IsBanned(player) {
		return claim.ErrInvalidArgument
	}
	owner := c.Owner()
	if owner != claim.AdminOwner {
		if maxMembers := p.cascade.ResolveInt(policy.SettingMaxMembers, owner); maxMembers > 0 &&
			len(c.Members())+1 > maxMembers {
			return &claim.LimitExceededError{Setting: policy.SettingMaxMembers, Limit: maxMembers}
		}
	}
	if err := c.AddMember(player); err != nil {
		return err
	}
	p.persist(ctx, c)
	p.publish(ctx, eventbus.TypeMemberAdded, eventbus.ClaimEvent{ClaimID: claimID, Player: player})
	return nil
}

// RemoveMember удаляет участника.
func (p *Planner) RemoveMember(ctx context.Context, claimID, player string) error {
	c := p.registry.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}
	c.RemoveMember(player)
	p.persist(ctx, c)
	p.publish(ctx, eventbus.TypeMemberRemoved, eventbus.ClaimEvent{ClaimID: claimID, Player: player})
	return nil
}

// SetOverride устанавливает переопределение разрешения претензии.
func (p *Planner) SetOverride(ctx context.Context, claimID string, action claim.Action, aud claim.Audience, state claim.PermState) error {
	c := p.registry.ByID(claimID)
	if c == nil {
		return claim.ErrNotFound
	}
	if err := c.SetOverride(action, aud, state); err != nil {
		return err
	}
	p.persist(ctx, c)
	return nil
}

// ResetAllOverrides сбрасывает таблицы переопределений всех претензий
// к каскадным значениям по умолчанию. Возвращает число претензий.
func (p *Planner) ResetAllOverrides(ctx context.Context, adminOnly bool) int {
	n := 0
	for _, c := range p.registry.All() {
		if adminOnly != c.IsAdmin() {
			continue
		}
		c.ResetOverrides()
		p.persist(ctx, c)
		n++
	}
	return n
}

// checkDistance проверяет, что рядом с планируемыми ячейками нет чужих
// претензий ближе claimDistance. Нулевая дистанция отключает проверку.
func (p *Planner) checkDistance(owner string, cells []cell.Key) error {
	dist := p.cascade.ResolveInt(policy.SettingClaimDistance, owner)
	if dist <= 0 {
		return nil
	}
	for _, k := range cells {
		for dx := -dist; dx <= dist; dx++ {
			for dz := -dist; dz <= dist; dz++ {
				neighbor := cell.Key{WorldID: k.WorldID, X: k.X + int32(dx), Z: k.Z + int32(dz)}
				other := p.registry.Lookup(neighbor)
				if other == nil || other.IsAdmin() {
					continue
				}
				if !strings.EqualFold(other.Owner(), owner) {
					return claim.ErrClaimTooClose
				}
			}
		}
	}
	return nil
}

// freeName подбирает первое свободное имя вида claim-N для владельца.
func (p *Planner) freeName(owner string) string {
	for i := 1; ; i++ {
		name := fmt.Sprintf("claim-%d", i)
		if p.registry.ByName(owner, name) == nil {
			return name
		}
	}
}

// persist записывает снимок претензии в хранилище (best-effort после коммита).
func (p *Planner) persist(ctx context.Context, c *claim.Claim) {
	if p.store == nil || c == nil {
		return
	}
	if err := p.store.Persist(ctx, c.Snapshot()); err != nil {
		logging.Error("Не удалось сохранить претензию %s: %v", c.ID(), err)
	}
}

// refund возвращает списанную стоимость после отката создания.
func (p *Planner) refund(ctx context.Context, owner string, price float64) {
	if price <= 0 {
		return
	}
	if err := p.vault.Deposit(ctx, owner, price); err != nil {
		logging.Error("Не удалось вернуть %.2f игроку %s: %v", price, owner, err)
	}
}

// publish отправляет событие претензии во внедрённую шину; планировщик
// без собственной шины публикует через глобальную (см. eventbus.Init).
func (p *Planner) publish(ctx context.Context, eventType string, ev eventbus.ClaimEvent) {
	env := eventbus.NewClaimEnvelope(p.source, eventType, ev)
	var err error
	if p.bus != nil {
		err = p.bus.Publish(ctx, env)
	} else {
		err = eventbus.Publish(ctx, env)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Warn("Не удалось опубликовать событие %s: %v", eventType, err)
	}
}
