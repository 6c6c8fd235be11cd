package economy

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/policy"
)

// CurrencyProvider — контракт внешнего поставщика валюты.
// Вызовы синхронные; отказ Debit из-за нехватки средств — ожидаемое
// условие отклонённого платежа, а не сбой.
type CurrencyProvider interface {
	// Balance возвращает баланс игрока.
	Balance(ctx context.Context, player string) (float64, error)

	// Debit списывает сумму с баланса игрока.
	// Возвращает InsufficientFundsError при нехватке средств.
	Debit(ctx context.Context, player string, amount float64) error

	// Deposit зачисляет сумму на баланс игрока.
	Deposit(ctx context.Context, player string, amount float64) error
}

// MemoryVault реализует CurrencyProvider в памяти.
// Используется для одиночного узла и тестов, когда внешняя экономика
// не подключена.
type MemoryVault struct {
	mu       sync.RWMutex
	balances map[string]float64
}

// NewMemoryVault создаёт пустой кошелёк в памяти.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{balances: make(map[string]float64)}
}

// SetBalance выставляет баланс игрока (инициализация, тесты).
func (v *MemoryVault) SetBalance(player string, amount float64) {
	v.mu.Lock()
	v.balances[strings.ToLower(player)] = amount
	v.mu.Unlock()
}

// Balance возвращает баланс игрока.
func (v *MemoryVault) Balance(ctx context.Context, player string) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[strings.ToLower(player)], nil
}

// Debit списывает сумму с баланса игрока.
func (v *MemoryVault) Debit(ctx context.Context, player string, amount float64) error {
	if amount < 0 {
		return claim.ErrInvalidArgument
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	key := strings.ToLower(player)
	if v.balances[key] < amount {
		return &claim.InsufficientFundsError{Price: amount, Balance: v.balances[key]}
	}
	v.balances[key] -= amount
	return nil
}

// Deposit зачисляет сумму на баланс игрока.
func (v *MemoryVault) Deposit(ctx context.Context, player string, amount float64) error {
	if amount < 0 {
		return claim.ErrInvalidArgument
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	v.mu.Lock()
	v.balances[strings.ToLower(player)] += amount
	v.mu.Unlock()
	return nil
}

// CostCalculator вычисляет стоимость претензии по каскаду политики.
// Состояние не мутирует.
type CostCalculator struct {
	cascade *policy.Cascade
}

// NewCostCalculator создаёт калькулятор поверх каскада.
func NewCostCalculator(cascade *policy.Cascade) *CostCalculator {
	return &CostCalculator{cascade: cascade}
}

// Cost возвращает стоимость claimCountAfter-й претензии игрока.
// Базовая стоимость берётся из каскада; при включённом множителе
// эффективная стоимость = base × factor^(claimCountAfter-1).
// Результат никогда не отрицателен. Значение хранится с полной
// точностью: округление до двух знаков выполняется только при показе,
// чтобы ошибка округления не накапливалась между повторными покупками.
func (cc *CostCalculator) Cost(player string, claimCountAfter int) float64 {
	base := cc.cascade.Resolve(policy.SettingClaimCost, player)
	if base < 0 {
		base = 0
	}
	if claimCountAfter < 1 {
		claimCountAfter = 1
	}

	cost := base
	if cc.cascade.CostMultiplierEnabled() {
		factor := cc.cascade.Resolve(policy.SettingClaimCostMultiplier, player)
		if factor > 0 {
			cost = base * math.Pow(factor, float64(claimCountAfter-1))
		}
	}
	if cost < 0 {
		return 0
	}
	return cost
}

// FormatPrice форматирует цену для показа игроку (точность валюты — 2 знака).
func FormatPrice(price float64) string {
	return fmt.Sprintf("%.2f", price)
}
