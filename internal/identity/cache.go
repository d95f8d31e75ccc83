package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Directory is the external identity provider boundary. The cache calls it
// on miss; it is never called on the hot path once an identity is warm.
type Directory interface {
	FetchIdentity(ctx context.Context, clientID string) (*Identity, error)
	FetchIdentities(ctx context.Context, clientIDs []string) ([]*Identity, error)
}

const (
	keyPrefix  = "presence:identity:"
	fKeyPrefix = "presence:identity:f:"
	cacheTTL   = 24 * time.Hour
)

// Cache is the Redis-backed identity cache. Rooms and accounts resolve
// member identities through it; lookups that miss both Redis and the
// directory return nil, and callers fail closed on that.
type Cache struct {
	rdb *redis.Client
	dir Directory
	log *slog.Logger
}

func NewCache(rdb *redis.Client, dir Directory, log *slog.Logger) *Cache {
	return &Cache{rdb: rdb, dir: dir, log: log.With("component", "identity")}
}

// Get resolves one identity, consulting Redis first and the directory on a
// miss. Returns (nil, nil) when the user is unknown everywhere.
func (c *Cache) Get(ctx context.Context, clientID string) (*Identity, error) {
	id, err := c.fromRedis(ctx, keyPrefix+clientID)
	if err != nil {
		return nil, err
	}
	if id != nil {
		return id, nil
	}

	fetched, err := c.dir.FetchIdentity(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("directory fetch %s: %w", clientID, err)
	}
	if fetched == nil {
		return nil, nil
	}
	if err := c.store(ctx, fetched); err != nil {
		c.log.Warn("identity cache write failed", "user", clientID, "err", err)
	}
	return fetched, nil
}

// GetMap resolves a batch of identities, keyed by client id. Unknown ids
// are simply absent from the result.
func (c *Cache) GetMap(ctx context.Context, clientIDs []string) (map[string]*Identity, error) {
	out := make(map[string]*Identity, len(clientIDs))
	var missing []string
	for _, cid := range clientIDs {
		id, err := c.fromRedis(ctx, keyPrefix+cid)
		if err != nil {
			return nil, err
		}
		if id != nil {
			out[cid] = id
		} else {
			missing = append(missing, cid)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.dir.FetchIdentities(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("directory batch fetch: %w", err)
	}
	for _, id := range fetched {
		if id == nil {
			continue
		}
		out[id.ID] = id
		if err := c.store(ctx, id); err != nil {
			c.log.Warn("identity cache write failed", "user", id.ID, "err", err)
		}
	}
	return out, nil
}

// GetByFUserID resolves an identity by its external directory id.
func (c *Cache) GetByFUserID(ctx context.Context, fUserID string) (*Identity, error) {
	clientID, err := c.rdb.Get(ctx, fKeyPrefix+fUserID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("identity f-lookup: %w", err)
	}
	if clientID == "" {
		return nil, nil
	}
	return c.Get(ctx, clientID)
}

// Update overwrites the cached identity.
func (c *Cache) Update(ctx context.Context, id *Identity) error {
	return c.store(ctx, id)
}

// SetOnline flips the cached online flag. Best effort; a cache miss is not
// an error, the flag will be right on the next directory fetch.
func (c *Cache) SetOnline(ctx context.Context, clientID string, online bool) {
	id, err := c.fromRedis(ctx, keyPrefix+clientID)
	if err != nil || id == nil {
		return
	}
	id.IsOnline = online
	id.LastSeen = time.Now()
	if err := c.store(ctx, id); err != nil {
		c.log.Warn("identity online flag write failed", "user", clientID, "err", err)
	}
}

func (c *Cache) fromRedis(ctx context.Context, key string) (*Identity, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity cache read: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("identity cache decode: %w", err)
	}
	return &id, nil
}

func (c *Cache) store(ctx context.Context, id *Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, keyPrefix+id.ID, raw, cacheTTL)
	if id.FUserID != "" {
		pipe.Set(ctx, fKeyPrefix+id.FUserID, id.ID, cacheTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}
