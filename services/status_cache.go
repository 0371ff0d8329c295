package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"awn/config"
	"awn/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	statusKeyPrefix = "awn:status:"
	statusChannel   = "awn:status"
)

// StatusCache mirrors the latest MonitoringStatus of each patient into Redis.
// Keys expire after the TTL, so a missing key tells the caregiver UI the
// monitor has gone quiet.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewStatusCache(cfg *config.Config, logger *zap.Logger) (*StatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
	return newStatusCache(client, cfg.RedisStatusTTL, logger), nil
}

func newStatusCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StatusCache {
	return &StatusCache{client: client, ttl: ttl, logger: logger}
}

func statusKey(patientID string) string {
	return statusKeyPrefix + patientID
}

// Put stores the snapshot and publishes it on the status channel
func (c *StatusCache) Put(ctx context.Context, status models.MonitoringStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, statusKey(status.PatientID), payload, c.ttl)
	pipe.Publish(ctx, statusChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache status for %s: %w", status.PatientID, err)
	}
	return nil
}

// Get returns nil, nil when no fresh snapshot exists
func (c *StatusCache) Get(ctx context.Context, patientID string) (*models.MonitoringStatus, error) {
	val, err := c.client.Get(ctx, statusKey(patientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status for %s: %w", patientID, err)
	}

	var status models.MonitoringStatus
	if err := json.Unmarshal(val, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status for %s: %w", patientID, err)
	}
	return &status, nil
}

// Run writes every status from the stream until it closes or ctx ends
func (c *StatusCache) Run(ctx context.Context, statuses <-chan models.MonitoringStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statuses:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := c.Put(writeCtx, status); err != nil {
				c.logger.Warn("Failed to cache monitoring status",
					zap.String("patient_id", status.PatientID),
					zap.Error(err))
			}
			cancel()
		}
	}
}

func (c *StatusCache) Close() error {
	return c.client.Close()
}
