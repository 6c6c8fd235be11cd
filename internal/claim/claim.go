package claim

import (
	"strings"
	"sync"
	"time"

	"github.com/annel0/claim-engine/internal/cell"
)

// AdminOwner — сентинел владельца административной (защищённой) территории.
// У такой претензии нет экономического владельца: правило владельца при
// разрешении доступа не применяется, стоимость и баны владельца не учитываются.
const AdminOwner = "*"

// Claim представляет претензию: именованную совокупность ячеек
// с владельцем, участниками, банами и таблицей переопределений разрешений.
//
// Структурные мутации (состав ячеек, владелец) выполняются только через
// реестр; внутренние поля защищены мьютексом для безопасного
// конкурентного чтения во время редактирования участников и банов.
type Claim struct {
	id        string
	createdAt time.Time

	mu        sync.RWMutex
	name      string
	owner     string
	cells     map[cell.Key]struct{}
	members   map[string]struct{}
	bans      map[string]struct{}
	overrides OverrideTable
	forSale   bool
	price     float64
}

// New создаёт претензию. Использовать только из реестра и загрузчика хранилища:
// претензия, созданная в обход реестра, не участвует в пространственном индексе.
func New(id, owner, name string, cells map[cell.Key]struct{}, createdAt time.Time) *Claim {
	return &Claim{
		id:        id,
		createdAt: createdAt,
		name:      name,
		owner:     owner,
		cells:     cells,
		members:   make(map[string]struct{}),
		bans:      make(map[string]struct{}),
		overrides: make(OverrideTable),
	}
}

// ID возвращает неизменяемый идентификатор претензии.
func (c *Claim) ID() string { return c.id }

// CreatedAt возвращает время создания.
func (c *Claim) CreatedAt() time.Time { return c.createdAt }

// Name возвращает текущее имя претензии.
func (c *Claim) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Owner возвращает текущего владельца.
func (c *Claim) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// IsAdmin сообщает, является ли претензия административной территорией.
func (c *Claim) IsAdmin() bool {
	return c.Owner() == AdminOwner
}

// IsOwner проверяет, является ли игрок владельцем (без учёта регистра).
func (c *Claim) IsOwner(player string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner != AdminOwner && strings.EqualFold(c.owner, player)
}

// CellCount возвращает количество ячеек претензии.
func (c *Claim) CellCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cells)
}

// Cells возвращает копию набора ячеек.
func (c *Claim) Cells() []cell.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]cell.Key, 0, len(c.cells))
	for k := range c.cells {
		out = append(out, k)
	}
	return out
}

// ContainsCell проверяет принадлежность ячейки претензии.
func (c *Claim) ContainsCell(key cell.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.cells[key]
	return ok
}

// WorldID возвращает мир претензии (все ячейки принадлежат одному миру).
func (c *Claim) WorldID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k := range c.cells {
		return k.WorldID
	}
	return ""
}

// IsMember проверяет участие игрока (без учёта регистра).
func (c *Claim) IsMember(player string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[strings.ToLower(player)]
	return ok
}

// Members возвращает список участников.
func (c *Claim) Members() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.members))
	for m := range c.members {
		out = append(out, m)
	}
	return out
}

// AddMember добавляет участника. Владелец участником не считается.
func (c *Claim) AddMember(player string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if player == "" || player == AdminOwner {
		return ErrInvalidArgument
	}
	if strings.EqualFold(c.owner, player) {
		return ErrInvalidArgument
	}
	c.members[strings.ToLower(player)] = struct{}{}
	return nil
}

// RemoveMember удаляет участника.
func (c *Claim) RemoveMember(player string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, strings.ToLower(player))
}

// IsBanned проверяет, забанен ли игрок в претензии.
func (c *Claim) IsBanned(player string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.bans[strings.ToLower(player)]
	return ok
}

// Bans возвращает список забаненных игроков.
func (c *Claim) Bans() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.bans))
	for b := range c.bans {
		out = append(out, b)
	}
	return out
}

// AddBan добавляет бан. Владельца забанить нельзя (инвариант претензии).
func (c *Claim) AddBan(player string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if player == "" {
		return ErrInvalidArgument
	}
	if c.owner != AdminOwner && strings.EqualFold(c.owner, player) {
		return ErrInvalidArgument
	}
	c.bans[strings.ToLower(player)] = struct{}{}
	return nil
}

// RemoveBan снимает бан.
func (c *Claim) RemoveBan(player string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bans, strings.ToLower(player))
}

// Override возвращает состояние переопределения для пары (действие, аудитория).
func (c *Claim) Override(action Action, aud Audience) PermState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overrides.Get(action, aud)
}

// SetOverride устанавливает переопределение разрешения.
func (c *Claim) SetOverride(action Action, aud Audience, state PermState) error {
	if !action.IsValid() {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides.Set(action, aud, state)
	return nil
}

// ResetOverrides сбрасывает таблицу переопределений к пустой
// (все действия проваливаются к каскадным значениям по умолчанию).
func (c *Claim) ResetOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides = make(OverrideTable)
}

// Sale возвращает состояние продажи и цену.
func (c *Claim) Sale() (bool, float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.forSale, c.price
}

// SetSale выставляет претензию на продажу или снимает с продажи.
// Цена должна быть неотрицательной.
func (c *Claim) SetSale(forSale bool, price float64) error {
	if forSale && price < 0 {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forSale = forSale
	if forSale {
		c.price = price
	} else {
		c.price = 0
	}
	return nil
}

// ApplyOwner меняет владельца. Вызывается только реестром: снаружи смена
// владельца идёт через Registry.TransferOwner, который сериализует её
// против удаления той же претензии.
func (c *Claim) ApplyOwner(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = owner
	// Новый владелец не может оставаться участником или в банах.
	delete(c.members, strings.ToLower(owner))
	delete(c.bans, strings.ToLower(owner))
}

// ApplyName меняет имя. Уникальность в пределах владельца проверяет реестр.
func (c *Claim) ApplyName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// ApplyCells добавляет ячейки. Занятость проверяет реестр.
func (c *Claim) ApplyCells(keys []cell.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.cells[k] = struct{}{}
	}
}

// Snapshot возвращает сериализуемый снимок претензии для персистентности.
func (c *Claim) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cells := make([]cell.Key, 0, len(c.cells))
	for k := range c.cells {
		cells = append(cells, k)
	}
	members := make([]string, 0, len(c.members))
	for m := range c.members {
		members = append(members, m)
	}
	bans := make([]string, 0, len(c.bans))
	for b := range c.bans {
		bans = append(bans, b)
	}

	return &Snapshot{
		ID:        c.id,
		Name:      c.name,
		Owner:     c.owner,
		Cells:     cells,
		Members:   members,
		Bans:      bans,
		Overrides: c.overrides.Clone(),
		ForSale:   c.forSale,
		Price:     c.price,
		CreatedAt: c.createdAt,
	}
}

// Snapshot — сериализуемое представление претензии.
// Используется контрактом persist/loadAll хранилища.
type Snapshot struct {
	ID        string        `json:"id" bson:"_id"`
	Name      string        `json:"name" bson:"name"`
	Owner     string        `json:"owner" bson:"owner"`
	Cells     []cell.Key    `json:"cells" bson:"cells"`
	Members   []string      `json:"members,omitempty" bson:"members,omitempty"`
	Bans      []string      `json:"bans,omitempty" bson:"bans,omitempty"`
	Overrides OverrideTable `json:"overrides,omitempty" bson:"overrides,omitempty"`
	ForSale   bool          `json:"for_sale,omitempty" bson:"for_sale,omitempty"`
	Price     float64       `json:"price,omitempty" bson:"price,omitempty"`
	CreatedAt time.Time     `json:"created_at" bson:"created_at"`
}

// FromSnapshot восстанавливает претензию из снимка хранилища.
func FromSnapshot(s *Snapshot) *Claim {
	cells := make(map[cell.Key]struct{}, len(s.Cells))
	for _, k := range s.Cells {
		cells[k] = struct{}{}
	}
	c := New(s.ID, s.Owner, s.Name, cells, s.CreatedAt)
	for _, m := range s.Members {
		c.members[strings.ToLower(m)] = struct{}{}
	}
	for _, b := range s.Bans {
		c.bans[strings.ToLower(b)] = struct{}{}
	}
	if s.Overrides != nil {
		c.overrides = s.Overrides.Clone()
	}
	c.forSale = s.ForSale
	c.price = s.Price
	return c
}
