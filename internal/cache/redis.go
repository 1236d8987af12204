package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"usage-monitor/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	recentAnomaliesKey = "anomalies:recent"
	latestSnapshotKey  = "snapshot:latest"
)

// RedisClient keeps a bounded history of detected anomalies and the latest
// metric snapshot. It is the monitor's history collaborator; the engine
// itself never touches it.
type RedisClient struct {
	client      *redis.Client
	historySize int64
	ttl         time.Duration
}

func NewRedisClient(ctx context.Context, addr, password string, db int, historySize int64, ttl time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisClient(client, historySize, ttl), nil
}

func newRedisClient(client *redis.Client, historySize int64, ttl time.Duration) *RedisClient {
	if historySize <= 0 {
		historySize = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisClient{client: client, historySize: historySize, ttl: ttl}
}

// StoreAnomaly saves an anomaly under a fresh ID and pushes it on the recent
// list, which is trimmed to the history size.
func (r *RedisClient) StoreAnomaly(ctx context.Context, anomaly models.Anomaly) (string, error) {
	stored := models.StoredAnomaly{ID: uuid.NewString(), Anomaly: anomaly}
	key := anomalyKey(stored.ID)

	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal anomaly: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, r.ttl)
	pipe.LPush(ctx, recentAnomaliesKey, key)
	pipe.LTrim(ctx, recentAnomaliesKey, 0, r.historySize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store anomaly in redis: %w", err)
	}
	return stored.ID, nil
}

// GetRecentAnomalies returns up to count anomalies, newest first. Entries
// whose payload has expired are skipped.
func (r *RedisClient) GetRecentAnomalies(ctx context.Context, count int64) ([]models.StoredAnomaly, error) {
	if count <= 0 {
		return []models.StoredAnomaly{}, nil
	}

	keys, err := r.client.LRange(ctx, recentAnomaliesKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent anomaly keys: %w", err)
	}

	anomalies := make([]models.StoredAnomaly, 0, len(keys))
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}

		var a models.StoredAnomaly
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		anomalies = append(anomalies, a)
	}

	return anomalies, nil
}

func (r *RedisClient) StoreSnapshot(ctx context.Context, snap models.MetricSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, latestSnapshotKey, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot in redis: %w", err)
	}
	return nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func anomalyKey(id string) string {
	return fmt.Sprintf("anomaly:%s", id)
}
