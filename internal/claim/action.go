package claim

// Action представляет игровое действие, которое может быть разрешено
// или запрещено внутри претензии. Словарь закрыт на уровне деплоя.
type Action string

const (
	ActionEnter          Action = "Enter"
	ActionBuild          Action = "Build"
	ActionBreak          Action = "Break"
	ActionInteract       Action = "Interact"
	ActionTeleportations Action = "Teleportations"
	ActionFly            Action = "Fly"
	ActionWeather        Action = "Weather"
	ActionPvp            Action = "Pvp"
	ActionRedstone       Action = "Redstone"
	ActionItemFrame      Action = "ItemFrame"
)

// KnownActions перечисляет все действия стандартного словаря.
var KnownActions = []Action{
	ActionEnter,
	ActionBuild,
	ActionBreak,
	ActionInteract,
	ActionTeleportations,
	ActionFly,
	ActionWeather,
	ActionPvp,
	ActionRedstone,
	ActionItemFrame,
}

var knownActionSet = func() map[Action]struct{} {
	m := make(map[Action]struct{}, len(KnownActions))
	for _, a := range KnownActions {
		m[a] = struct{}{}
	}
	return m
}()

// IsValid проверяет, входит ли действие в словарь деплоя.
func (a Action) IsValid() bool {
	_, ok := knownActionSet[a]
	return ok
}

// Audience определяет категорию субъекта, к которой применяется переопределение.
type Audience uint8

const (
	AudienceOwner Audience = iota
	AudienceMembers
	AudienceVisitors
)

// String возвращает строковое представление аудитории.
func (a Audience) String() string {
	switch a {
	case AudienceOwner:
		return "owner"
	case AudienceMembers:
		return "members"
	case AudienceVisitors:
		return "visitors"
	default:
		return "unknown"
	}
}

// PermState представляет трёхзначное состояние переопределения разрешения.
// Unset означает «провалиться к каскадному значению по умолчанию».
type PermState uint8

const (
	PermUnset PermState = iota
	PermAllow
	PermDeny
)

// String возвращает строковое представление состояния.
func (p PermState) String() string {
	switch p {
	case PermAllow:
		return "allow"
	case PermDeny:
		return "deny"
	default:
		return "unset"
	}
}

// AudienceRule хранит состояния переопределения одного действия
// для каждой из трёх аудиторий.
type AudienceRule struct {
	Owner    PermState `json:"owner,omitempty"`
	Members  PermState `json:"members,omitempty"`
	Visitors PermState `json:"visitors,omitempty"`
}

// For возвращает состояние для указанной аудитории.
func (r AudienceRule) For(aud Audience) PermState {
	switch aud {
	case AudienceOwner:
		return r.Owner
	case AudienceMembers:
		return r.Members
	case AudienceVisitors:
		return r.Visitors
	default:
		return PermUnset
	}
}

// OverrideTable отображает действия на правила по аудиториям.
// Отсутствие записи означает отсутствие переопределения для действия.
type OverrideTable map[Action]AudienceRule

// Get возвращает состояние переопределения для пары (действие, аудитория).
func (t OverrideTable) Get(action Action, aud Audience) PermState {
	rule, ok := t[action]
	if !ok {
		return PermUnset
	}
	return rule.For(aud)
}

// Set устанавливает состояние переопределения для пары (действие, аудитория).
func (t OverrideTable) Set(action Action, aud Audience, state PermState) {
	rule := t[action]
	switch aud {
	case AudienceOwner:
		rule.Owner = state
	case AudienceMembers:
		rule.Members = state
	case AudienceVisitors:
		rule.Visitors = state
	}
	if rule == (AudienceRule{}) {
		delete(t, action)
		return
	}
	t[action] = rule
}

// Clone возвращает глубокую копию таблицы.
func (t OverrideTable) Clone() OverrideTable {
	out := make(OverrideTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
