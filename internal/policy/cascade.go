package policy

import (
	"strings"
	"sync/atomic"

	"github.com/annel0/claim-engine/internal/claim"
)

// Имена настроек, разрешаемых каскадом.
// Каждая настройка разрешается независимо, перекрёстных fallback нет.
const (
	SettingMaxClaims           = "maxClaims"
	SettingMaxRadiusClaims     = "maxRadiusClaims"
	SettingMaxMembers          = "maxMembers"
	SettingClaimCost           = "claimCost"
	SettingClaimCostMultiplier = "claimCostMultiplier"
	SettingTeleportationDelay  = "teleportationDelay"
	SettingMaxChunksPerClaim   = "maxChunksPerClaim"
	SettingClaimDistance       = "claimDistance"
)

// Values — значения настроек для одного уровня каскада.
type Values map[string]float64

// GroupValues — переопределения настроек одной группы.
// Порядок групп в Snapshot.Groups соответствует порядку в конфигурации.
type GroupValues struct {
	Name   string
	Values Values
}

// Snapshot — неизменяемый снимок конфигурации политики.
// Горячая перезагрузка конфигурации создаёт новый снимок и атомарно
// подменяет его; каскад никогда не кеширует значения через границу перезагрузки.
type Snapshot struct {
	Global  Values
	Groups  []GroupValues
	Players map[string]Values // ключ — имя игрока в нижнем регистре

	// LeastPermissive переключает разрешение конфликта нескольких групп:
	// false — побеждает первая подходящая группа в порядке конфигурации,
	// true — побеждает наименее разрешающее (минимальное) значение.
	LeastPermissive bool

	// Экономические переключатели деплоя.
	EconomyEnabled        bool
	CostMultiplierEnabled bool

	// Значения по умолчанию для разрешений, когда претензия
	// не содержит переопределения для действия.
	DefaultMembers  map[claim.Action]bool
	DefaultVisitors map[claim.Action]bool
}

// GroupProvider предоставляет группы игрока от внешнего коллаборатора
// разрешений. Список упорядочен по убыванию приоритета.
type GroupProvider interface {
	GroupsOf(player string) []string
}

// StaticGroups — GroupProvider поверх фиксированной карты (конфигурация, тесты).
type StaticGroups map[string][]string

// GroupsOf возвращает группы игрока (без учёта регистра имени).
func (s StaticGroups) GroupsOf(player string) []string {
	return s[strings.ToLower(player)]
}

// Cascade разрешает настройку для игрока с приоритетом
// игрок > группа > глобальное значение.
type Cascade struct {
	snap   atomic.Value // *Snapshot
	groups GroupProvider
}

// NewCascade создаёт каскад поверх начального снимка конфигурации.
func NewCascade(snap *Snapshot, groups GroupProvider) *Cascade {
	c := &Cascade{groups: groups}
	c.snap.Store(normalize(snap))
	return c
}

// Reload атомарно подменяет снимок конфигурации.
func (c *Cascade) Reload(snap *Snapshot) {
	c.snap.Store(normalize(snap))
}

// Current возвращает актуальный снимок.
func (c *Cascade) Current() *Snapshot {
	return c.snap.Load().(*Snapshot)
}

// Resolve разрешает числовую настройку для игрока.
func (c *Cascade) Resolve(setting, player string) float64 {
	snap := c.Current()

	// 1. Персональное переопределение игрока.
	if pv, ok := snap.Players[strings.ToLower(player)]; ok {
		if v, ok := pv[setting]; ok {
			return v
		}
	}

	// 2. Переопределение группы.
	if v, ok := c.resolveGroup(snap, setting, player); ok {
		return v
	}

	// 3. Глобальное значение.
	if v, ok := snap.Global[setting]; ok {
		return v
	}
	return 0
}

// ResolveInt разрешает настройку и приводит её к целому.
func (c *Cascade) ResolveInt(setting, player string) int {
	return int(c.Resolve(setting, player))
}

// resolveGroup находит значение настройки среди групп игрока.
// По умолчанию побеждает первая группа в порядке конфигурации, у которой
// есть переопределение этой настройки; в режиме least_permissive —
// минимальное из всех переопределений подходящих групп.
func (c *Cascade) resolveGroup(snap *Snapshot, setting, player string) (float64, bool) {
	if c.groups == nil {
		return 0, false
	}
	memberOf := make(map[string]struct{})
	for _, g := range c.groups.GroupsOf(player) {
		memberOf[strings.ToLower(g)] = struct{}{}
	}
	if len(memberOf) == 0 {
		return 0, false
	}

	var best float64
	found := false
	for _, gv := range snap.Groups {
		if _, ok := memberOf[strings.ToLower(gv.Name)]; !ok {
			continue
		}
		v, ok := gv.Values[setting]
		if !ok {
			continue
		}
		if !snap.LeastPermissive {
			return v, true
		}
		if !found || v < best {
			best = v
		}
		found = true
	}
	return best, found
}

// DefaultFor возвращает каскадное значение по умолчанию для пары
// (действие, аудитория), когда претензия не содержит переопределения.
// Для аудитории владельца по умолчанию всё разрешено.
func (c *Cascade) DefaultFor(action claim.Action, aud claim.Audience) bool {
	snap := c.Current()
	switch aud {
	case claim.AudienceMembers:
		if v, ok := snap.DefaultMembers[action]; ok {
			return v
		}
		return true
	case claim.AudienceVisitors:
		if v, ok := snap.DefaultVisitors[action]; ok {
			return v
		}
		return false
	default:
		return true
	}
}

// EconomyEnabled сообщает, включена ли экономика деплоя.
func (c *Cascade) EconomyEnabled() bool {
	return c.Current().EconomyEnabled
}

// CostMultiplierEnabled сообщает, включён ли множитель стоимости.
func (c *Cascade) CostMultiplierEnabled() bool {
	return c.Current().CostMultiplierEnabled
}

// normalize гарантирует непустые карты снимка, чтобы разрешение
// не разыменовывало nil при частично заполненной конфигурации.
func normalize(snap *Snapshot) *Snapshot {
	if snap == nil {
		snap = &Snapshot{}
	}
	out := *snap
	if out.Global == nil {
		out.Global = Values{}
	}
	if out.Players == nil {
		out.Players = map[string]Values{}
	}
	if out.DefaultMembers == nil {
		out.DefaultMembers = map[claim.Action]bool{}
	}
	if out.DefaultVisitors == nil {
		out.DefaultVisitors = map[claim.Action]bool{}
	}
	return &out
}
