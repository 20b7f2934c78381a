package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/IshaanNene/Dragnet/internal/types"
)

// MongoMirror archives scan results to a MongoDB collection. It is a
// best-effort secondary sink; SQLite stays authoritative.
type MongoMirror struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.Mutex
	count      int64
	logger     *slog.Logger
}

// NewMongoMirror connects to MongoDB and prepares the archive collection.
func NewMongoMirror(uri, database, collection string, logger *slog.Logger) (*MongoMirror, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &MongoMirror{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "mongo_mirror"),
	}, nil
}

func (m *MongoMirror) Name() string { return "mongodb" }

// StoreResults inserts a batch of results as archive documents.
func (m *MongoMirror) StoreResults(ctx context.Context, results []types.ScanResult) error {
	if len(results) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs := make([]any, len(results))
	for i, r := range results {
		docs[i] = map[string]any{
			"task_id":      r.TaskID,
			"domain":       r.Domain,
			"url":          r.URL,
			"status":       r.Status,
			"content_type": r.ContentType,
			"size":         r.Size,
			"scanned_at":   r.ScannedAt,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := m.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("mongodb insert: %w", err)
	}

	m.count += int64(len(results))
	m.logger.Debug("results mirrored", "count", len(results), "total", m.count)
	return nil
}

func (m *MongoMirror) Close() error {
	m.logger.Info("mongodb mirror closing", "total_results", m.count)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
