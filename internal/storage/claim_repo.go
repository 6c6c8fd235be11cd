package storage

import (
	"context"

	"github.com/annel0/claim-engine/internal/claim"
)

// ClaimRepo определяет интерфейс для сохранения и загрузки претензий.
// Хранилище держит по одному снимку на претензию; структурная истина
// живёт в реестре в памяти, репозиторий нужен для восстановления
// состояния при старте.
type ClaimRepo interface {
	// Persist сохраняет снимок претензии (вставка или замена).
	Persist(ctx context.Context, s *claim.Snapshot) error

	// Remove удаляет претензию из хранилища. Отсутствующая запись — не ошибка.
	Remove(ctx context.Context, id string) error

	// LoadAll загружает все снимки претензий (для восстановления при старте).
	LoadAll(ctx context.Context) ([]*claim.Snapshot, error)

	// Close освобождает ресурсы репозитория.
	Close() error
}
