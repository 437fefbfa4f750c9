package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "livegrid:schema:version"
	streamKeyPattern     = "livegrid:stream:*"
	currentSchemaVersion = 1
)

// Migration upgrades stored records to Version.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client *redis.Client) error
}

// Migrate applies every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	current, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if current >= currentSchemaVersion {
		logger.Debugw("schema is up to date", "version", current)
		return nil
	}

	for _, m := range migrations() {
		if m.Version <= current {
			continue
		}
		logger.Infow("running migration", "version", m.Version, "description", m.Description)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.Version, err)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "backfill version and participants on stream records",
			Up:          backfillStreamVersions,
		},
	}
}

// backfillStreamVersions gives records written before versioning existed a
// starting version of 1 so optimistic checks have something to compare.
func backfillStreamVersions(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, streamKeyPattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := client.Get(ctx, key).Result()
		if err != nil {
			continue
		}

		var record map[string]any
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}

		changed := false
		if v, ok := record["version"].(float64); !ok || v < 1 {
			record["version"] = 1
			changed = true
		}
		if _, ok := record["participants"].([]any); !ok {
			record["participants"] = []any{}
			changed = true
		}
		if !changed {
			continue
		}

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
