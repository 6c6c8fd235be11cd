package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/annel0/claim-engine/internal/claim"
)

// MariaClaimRepo реализует ClaimRepo для базы данных MariaDB/MySQL.
// Снимок хранится JSON-документом в таблице claims; владелец вынесен
// в отдельную индексированную колонку для административных выборок.
type MariaClaimRepo struct {
	db *sql.DB
}

// NewMariaClaimRepo создает новый репозиторий претензий для MariaDB.
// Автоматически создает таблицу, если она не существует.
//
// Параметры:
//
//	dsn - строка подключения к базе данных (user:pass@tcp(host:port)/dbname)
func NewMariaClaimRepo(dsn string) (*MariaClaimRepo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}

	// Проверяем соединение
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}

	repo := &MariaClaimRepo{db: db}

	if err := repo.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицу: %w", err)
	}

	return repo, nil
}

// createTable создает таблицу claims, если она не существует.
func (r *MariaClaimRepo) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS claims (
			id         VARCHAR(36)  PRIMARY KEY,
			owner      VARCHAR(64)  NOT NULL,
			snapshot   JSON         NOT NULL,
			updated_at TIMESTAMP    DEFAULT CURRENT_TIMESTAMP
			           ON UPDATE    CURRENT_TIMESTAMP,
			INDEX idx_owner (owner)
		) ENGINE=InnoDB
	`

	_, err := r.db.Exec(query)
	if err != nil {
		return fmt.Errorf("ошибка создания таблицы claims: %w", err)
	}

	return nil
}

// Persist сохраняет снимок претензии.
// Использует INSERT ... ON DUPLICATE KEY UPDATE для обновления существующих записей.
func (r *MariaClaimRepo) Persist(ctx context.Context, s *claim.Snapshot) error {
	if s == nil || s.ID == "" {
		return claim.ErrInvalidArgument
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("ошибка сериализации претензии %s: %w", s.ID, err)
	}

	query := `
		INSERT INTO claims (id, owner, snapshot)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			owner = VALUES(owner),
			snapshot = VALUES(snapshot),
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = r.db.ExecContext(ctx, query, s.ID, s.Owner, data)
	if err != nil {
		return fmt.Errorf("ошибка сохранения претензии %s: %w", s.ID, err)
	}

	return nil
}

// Remove удаляет претензию. Отсутствующая запись — не ошибка.
func (r *MariaClaimRepo) Remove(ctx context.Context, id string) error {
	query := `DELETE FROM claims WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления претензии %s: %w", id, err)
	}

	return nil
}

// LoadAll загружает все снимки претензий.
func (r *MariaClaimRepo) LoadAll(ctx context.Context) ([]*claim.Snapshot, error) {
	query := `SELECT snapshot FROM claims`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки претензий: %w", err)
	}
	defer rows.Close()

	var out []*claim.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки: %w", err)
		}

		var s claim.Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("ошибка десериализации претензии: %w", err)
		}
		out = append(out, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода результата: %w", err)
	}

	return out, nil
}

// Close закрывает соединение с базой данных.
func (r *MariaClaimRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
