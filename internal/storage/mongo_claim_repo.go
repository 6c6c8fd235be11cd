package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/annel0/claim-engine/internal/claim"
)

// MongoConfig содержит настройки подключения MongoDB-репозитория претензий.
type MongoConfig struct {
	URI        string // например mongodb://localhost:27017
	Database   string // например claimengine
	Collection string // например claims
}

// MongoClaimRepo реализует ClaimRepo поверх MongoDB.
// Снимок претензии хранится одним документом, _id = ID претензии.
type MongoClaimRepo struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
}

// NewMongoClaimRepo устанавливает соединение и возвращает репозиторий.
func NewMongoClaimRepo(cfg MongoConfig) (*MongoClaimRepo, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "claimengine"
	}
	if cfg.Collection == "" {
		cfg.Collection = "claims"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("не удалось проверить соединение с MongoDB: %w", err)
	}

	repo := &MongoClaimRepo{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
	}

	if err := repo.ensureIndexes(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (m *MongoClaimRepo) ensureIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTimeout)
	defer cancel()
	ownerIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "owner", Value: 1}},
		Options: options.Index().SetName("owner_idx"),
	}
	_, err := m.collection.Indexes().CreateOne(ctx, ownerIdx)
	return err
}

// Persist сохраняет снимок претензии (replace с upsert).
func (m *MongoClaimRepo) Persist(ctx context.Context, s *claim.Snapshot) error {
	if s == nil || s.ID == "" {
		return claim.ErrInvalidArgument
	}

	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	_, err := m.collection.ReplaceOne(ctx,
		bson.M{"_id": s.ID},
		s,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения претензии %s в MongoDB: %w", s.ID, err)
	}
	return nil
}

// Remove удаляет претензию. Отсутствующий документ — не ошибка.
func (m *MongoClaimRepo) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	if _, err := m.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("ошибка удаления претензии %s из MongoDB: %w", id, err)
	}
	return nil
}

// LoadAll загружает все снимки претензий.
func (m *MongoClaimRepo) LoadAll(ctx context.Context) ([]*claim.Snapshot, error) {
	cur, err := m.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки претензий из MongoDB: %w", err)
	}
	defer cur.Close(ctx)

	var out []*claim.Snapshot
	for cur.Next(ctx) {
		var s claim.Snapshot
		if err := cur.Decode(&s); err != nil {
			return nil, fmt.Errorf("ошибка десериализации претензии: %w", err)
		}
		out = append(out, &s)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода курсора: %w", err)
	}
	return out, nil
}

// Close разрывает соединение с MongoDB.
func (m *MongoClaimRepo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
