package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/tierkv/provider"
)

// Backend is the session-scoped store the tier wraps. Keys are channel names;
// scoping (one keyspace per session) is the backend's concern. Get returns
// ok=false on a miss.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var (
	ErrNilClient  = errors.New("session: nil redis client")
	ErrNilBackend = errors.New("session: nil backend")
)

// RedisBackend stores session data under "sess:<session-id>:<key>" so one
// backend instance owns exactly one session's region. Redis OOM rejections
// are surfaced as provider.ErrQuotaExceeded.
type RedisBackend struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var _ Backend = (*RedisBackend)(nil)

type RedisConfig struct {
	Client goredis.UniversalClient
	// SessionID scopes the keyspace; empty generates a fresh one.
	SessionID string
	// CloseClient: set true only if this backend exclusively owns the client.
	CloseClient bool
}

func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	return &RedisBackend{
		rdb:         cfg.Client,
		prefix:      "sess:" + id + ":",
		closeClient: cfg.CloseClient,
	}, nil
}

// SessionID returns the scope identifier, without the key prefix framing.
func (b *RedisBackend) SessionID() string {
	return strings.TrimSuffix(strings.TrimPrefix(b.prefix, "sess:"), ":")
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.rdb.Get(ctx, b.prefix+key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	err := b.rdb.Set(ctx, b.prefix+key, value, 0).Err()
	if err != nil && strings.Contains(err.Error(), "OOM") {
		return fmt.Errorf("%w: %v", provider.ErrQuotaExceeded, err)
	}
	return err
}

func (b *RedisBackend) Del(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, b.prefix+key).Err()
}

func (b *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, b.prefix+"*", 256).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, b.prefix))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	keys, err := b.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Del(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBackend) Close(context.Context) error {
	if b.closeClient {
		if err := b.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
