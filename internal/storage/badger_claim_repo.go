package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/s2"

	"github.com/annel0/claim-engine/internal/claim"
)

const claimKeyPrefix = "claim:"

// BadgerClaimRepo реализует ClaimRepo поверх встраиваемой BadgerDB.
// Снимки сериализуются в JSON и сжимаются S2 перед записью.
type BadgerClaimRepo struct {
	db     *badger.DB
	dbPath string
}

// NewBadgerClaimRepo открывает (или создает) базу претензий в dataPath/claims.
func NewBadgerClaimRepo(dataPath string) (*BadgerClaimRepo, error) {
	dbPath := filepath.Join(dataPath, "claims")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &BadgerClaimRepo{db: db, dbPath: dbPath}, nil
}

// Persist сохраняет снимок претензии.
func (r *BadgerClaimRepo) Persist(ctx context.Context, s *claim.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.ID == "" {
		return claim.ErrInvalidArgument
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("ошибка сериализации претензии %s: %w", s.ID, err)
	}
	compressed := s2.Encode(nil, data)

	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(claimKeyPrefix+s.ID), compressed)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения претензии %s в BadgerDB: %w", s.ID, err)
	}
	return nil
}

// Remove удаляет претензию. Отсутствующий ключ — не ошибка.
func (r *BadgerClaimRepo) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(claimKeyPrefix + id))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return fmt.Errorf("ошибка удаления претензии %s из BadgerDB: %w", id, err)
	}
	return nil
}

// LoadAll загружает все снимки претензий из базы.
func (r *BadgerClaimRepo) LoadAll(ctx context.Context) ([]*claim.Snapshot, error) {
	var out []*claim.Snapshot

	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(claimKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var s claim.Snapshot
			err := it.Item().Value(func(val []byte) error {
				data, derr := s2.Decode(nil, val)
				if derr != nil {
					return fmt.Errorf("ошибка распаковки: %w", derr)
				}
				return json.Unmarshal(data, &s)
			})
			if err != nil {
				return fmt.Errorf("ошибка чтения претензии %s: %w", it.Item().Key(), err)
			}
			out = append(out, &s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close закрывает базу данных.
func (r *BadgerClaimRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
