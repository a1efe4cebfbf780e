package redishost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/skycastlabs/weathermcp/sessions"
)

// Config for the Redis-backed session host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=weathermcp:sessions:"`
}

// Host implements sessions.Host on top of Redis. Metadata lives in plain keys
// with an expiry derived from the sliding TTL; the per-session ordered message
// log uses Redis Streams so that Last-Event-ID resume maps directly onto XREAD.
type Host struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "weathermcp:sessions:"
	}
	return &Host{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) metaKey(sessionID string) string   { return h.keyPrefix + "meta:" + sessionID }
func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }

// metaExpiry picks the Redis key expiry for a metadata record. The sliding
// window restarts on every write; the max-lifetime cap shortens it near the
// end of a session's life.
func metaExpiry(meta *sessions.SessionMetadata) time.Duration {
	ttl := meta.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if meta.MaxLifetime > 0 {
		remaining := time.Until(meta.CreatedAt.Add(meta.MaxLifetime))
		if remaining <= 0 {
			return time.Millisecond
		}
		if remaining < ttl {
			return remaining
		}
	}
	return ttl
}

// --- Metadata ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("session metadata requires a session id")
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	ok, err := h.client.SetNX(ctx, h.metaKey(meta.SessionID), b, metaExpiry(meta)).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return sessions.ErrSessionExists
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	b, err := h.client.Get(ctx, h.metaKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var meta sessions.SessionMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	// Key expiry tracks the sliding window; only the absolute lifetime cap
	// needs a data-level check here.
	if meta.MaxLifetime > 0 && meta.CreatedAt.Add(meta.MaxLifetime).Before(time.Now().UTC()) {
		_ = h.DeleteSession(context.WithoutCancel(ctx), sessionID)
		return nil, sessions.ErrSessionNotFound
	}
	return &meta, nil
}

func (h *Host) MutateSession(ctx context.Context, sessionID string, fn func(meta *sessions.SessionMetadata) error) error {
	key := h.metaKey(sessionID)
	txn := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return sessions.ErrSessionNotFound
			}
			return err
		}
		var meta sessions.SessionMetadata
		if err := json.Unmarshal(b, &meta); err != nil {
			return fmt.Errorf("unmarshal session metadata: %w", err)
		}
		if err := fn(&meta); err != nil {
			return err
		}
		meta.UpdatedAt = time.Now().UTC()
		nb, err := json.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("marshal session metadata: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, metaExpiry(&meta))
			return nil
		})
		return err
	}

	// Optimistic concurrency: WATCH the key and retry a few times on contention.
	for i := 0; i < 5; i++ {
		err := h.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("mutate session %s: too much contention", sessionID)
}

// TouchSession refreshes the sliding window by resetting the key expiry. A
// plain GET plus PEXPIRE; no WATCH round trips on hot sessions.
func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	meta, err := h.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	ok, err := h.client.PExpire(ctx, h.metaKey(sessionID), metaExpiry(meta)).Result()
	if err != nil {
		return fmt.Errorf("redis pexpire: %w", err)
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if _, err := h.client.Del(c, h.metaKey(sessionID), h.streamKey(sessionID)).Result(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// --- Messaging via Redis Streams ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(sessionID),
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		start = "$" // only messages published after subscription
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Count:   16,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return err
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := handler(ctx, m.ID, payload); err != nil {
				return err
			}
		}
	}
}

// Interface compliance
var _ sessions.Host = (*Host)(nil)
