package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisMirror adapts a redis.Client to the RemoteMirror contract. It is
// never authoritative: Cache only sets and deletes through it, and
// Cache.Read never calls Get, so nothing here can surface as
// CacheReadFailed.
type redisMirror struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisMirror connects to addr and returns a RemoteMirror backed by it.
// Connection failures are returned, not swallowed, so callers can decide
// whether an unreachable Redis should abort boot or simply run without a
// mirror.
func NewRedisMirror(addr, password string, db int, logger *slog.Logger) (RemoteMirror, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &redisMirror{client: client, logger: logger}, nil
}

type wireArtifact struct {
	Bytes    []byte   `json:"bytes"`
	Metadata Metadata `json:"metadata"`
}

func (m *redisMirror) Set(ctx context.Context, key string, artifact Artifact, ttl time.Duration) error {
	payload, err := json.Marshal(wireArtifact{Bytes: artifact.Bytes, Metadata: artifact.Metadata})
	if err != nil {
		return err
	}
	return m.client.Set(ctx, key, payload, ttl).Err()
}

func (m *redisMirror) Get(ctx context.Context, key string) (Artifact, bool, error) {
	raw, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Artifact{}, false, nil
		}
		return Artifact{}, false, err
	}

	var w wireArtifact
	if err := json.Unmarshal(raw, &w); err != nil {
		return Artifact{}, false, err
	}
	return Artifact{Bytes: w.Bytes, Metadata: w.Metadata}, true, nil
}

func (m *redisMirror) Delete(ctx context.Context, key string) error {
	return m.client.Del(ctx, key).Err()
}
