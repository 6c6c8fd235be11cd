package claim

import (
	"errors"
	"fmt"

	"github.com/annel0/claim-engine/internal/cell"
)

// Ошибки операций реестра и планировщика.
// Все они ожидаемые исходы конкурентного доступа или лимитов политики,
// а не фатальные сбои; вызывающая сторона превращает их в сообщение игроку.
var (
	ErrNotFound          = errors.New("претензия не найдена")
	ErrNameTaken         = errors.New("имя претензии уже занято")
	ErrCellsOccupied     = errors.New("ячейки уже заняты другой претензией")
	ErrRadiusTooLarge    = errors.New("радиус превышает допустимый лимит")
	ErrInsufficientFunds = errors.New("недостаточно средств")
	ErrLimitExceeded     = errors.New("превышен лимит настройки")
	ErrInvalidArgument   = errors.New("некорректный аргумент")
	ErrClaimTooClose     = errors.New("рядом находится чужая претензия")
	ErrNotForSale        = errors.New("претензия не выставлена на продажу")
)

// CellsOccupiedError сообщает о конфликте занятости с перечислением ячеек.
type CellsOccupiedError struct {
	Cells []cell.Key
}

func (e *CellsOccupiedError) Error() string {
	if len(e.Cells) == 0 {
		return ErrCellsOccupied.Error()
	}
	return fmt.Sprintf("ячейка %s уже занята другой претензией", e.Cells[0])
}

func (e *CellsOccupiedError) Unwrap() error { return ErrCellsOccupied }

// LimitExceededError сообщает о превышении лимита конкретной настройки каскада.
type LimitExceededError struct {
	Setting string
	Limit   int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("превышен лимит настройки %q (%d)", e.Setting, e.Limit)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// InsufficientFundsError сообщает об отклонённом платеже.
type InsufficientFundsError struct {
	Price   float64
	Balance float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("недостаточно средств: требуется %.2f, доступно %.2f", e.Price, e.Balance)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }
