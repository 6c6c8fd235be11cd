package cell

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Key представляет координаты ячейки (чанка) в мире.
// Значение неизменяемо и используется как ключ реестра претензий:
// одному ключу соответствует не более одной живой претензии.
type Key struct {
	WorldID string `json:"world"`
	X       int32  `json:"x"`
	Z       int32  `json:"z"`
}

// String возвращает строковое представление ключа в формате "world:x:z".
func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%d", k.WorldID, k.X, k.Z)
}

// Less задаёт глобальный порядок ключей: сначала WorldID, затем X, затем Z.
// Этот порядок используется при захвате блокировок мутации,
// чтобы исключить взаимную блокировку при пересекающихся наборах ячеек.
func (k Key) Less(other Key) bool {
	if k.WorldID != other.WorldID {
		return k.WorldID < other.WorldID
	}
	if k.X != other.X {
		return k.X < other.X
	}
	return k.Z < other.Z
}

// ChebyshevDistance возвращает расстояние Чебышёва до другой ячейки того же мира.
func (k Key) ChebyshevDistance(other Key) int32 {
	dx := k.X - other.X
	if dx < 0 {
		dx = -dx
	}
	dz := k.Z - other.Z
	if dz < 0 {
		dz = -dz
	}
	if dx > dz {
		return dx
	}
	return dz
}

// ParseKey разбирает строку "world:x:z" обратно в Key.
func ParseKey(s string) (Key, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return Key{}, fmt.Errorf("некорректный ключ ячейки: %q", s)
	}
	z, err := strconv.ParseInt(s[idx+1:], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("некорректная координата Z в ключе %q: %w", s, err)
	}
	rest := s[:idx]
	idx = strings.LastIndex(rest, ":")
	if idx < 0 {
		return Key{}, fmt.Errorf("некорректный ключ ячейки: %q", s)
	}
	x, err := strconv.ParseInt(rest[idx+1:], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("некорректная координата X в ключе %q: %w", s, err)
	}
	world := rest[:idx]
	if world == "" {
		return Key{}, fmt.Errorf("пустой идентификатор мира в ключе %q", s)
	}
	return Key{WorldID: world, X: int32(x), Z: int32(z)}, nil
}

// Sorted возвращает копию набора ключей, отсортированную в глобальном порядке.
func Sorted(keys []Key) []Key {
	out := make([]Key, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Dedup удаляет дубликаты из набора ключей, сохраняя порядок первого вхождения.
func Dedup(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// SameWorld проверяет, что все ключи принадлежат одному миру.
func SameWorld(keys []Key) bool {
	for i := 1; i < len(keys); i++ {
		if keys[i].WorldID != keys[0].WorldID {
			return false
		}
	}
	return true
}
