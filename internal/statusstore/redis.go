package statusstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

// Key is the redis key holding the JSON snapshot. Every write is also
// published on the channel of the same name.
const Key = "toolbar:status"

// RedisStore implements Store backed by Redis.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	ctx    context.Context
}

// NewRedisStore connects to the given Redis URL. The key is initialised to the
// all-false status if it does not exist.
func NewRedisStore(addr string) (*RedisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	rs := &RedisStore{client: c, key: Key, ctx: context.Background()}
	if err := c.Ping(rs.ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	b, _ := json.Marshal(proxy.Status{})
	_ = c.SetNX(rs.ctx, rs.key, b, 0).Err()
	return rs, nil
}

// parseRedisURL parses addr into UniversalOptions for single, cluster and
// sentinel deployments. Without a scheme addr is a plain host:port.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	parseDB := func(s string) error {
		db, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("redis: invalid db: %v", err)
		}
		opts.DB = db
		return nil
	}
	switch u.Scheme {
	case "redis", "rediss":
		if p := strings.TrimPrefix(u.Path, "/"); p != "" {
			if err := parseDB(p); err != nil {
				return nil, err
			}
		} else if s := q.Get("db"); s != "" {
			if err := parseDB(s); err != nil {
				return nil, err
			}
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if s := q.Get("db"); s != "" {
			if err := parseDB(s); err != nil {
				return nil, err
			}
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if strings.HasPrefix(u.Scheme, "rediss") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

func (r *RedisStore) Load() proxy.Status {
	b, err := r.client.Get(r.ctx, r.key).Bytes()
	if err != nil {
		return proxy.Status{}
	}
	var st proxy.Status
	if err := json.Unmarshal(b, &st); err != nil {
		return proxy.Status{}
	}
	return st
}

func (r *RedisStore) Store(s proxy.Status) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	pipe := r.client.TxPipeline()
	pipe.Set(r.ctx, r.key, b, 0)
	pipe.Publish(r.ctx, r.key, b)
	_, _ = pipe.Exec(r.ctx)
}

// Watch delivers snapshots published by any store sharing the key until ctx
// ends.
func (r *RedisStore) Watch(ctx context.Context, fn func(proxy.Status)) error {
	sub := r.client.Subscribe(ctx, r.key)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return errors.New("redis: subscription closed")
			}
			var st proxy.Status
			if err := json.Unmarshal([]byte(m.Payload), &st); err == nil {
				fn(st)
			}
		}
	}
}

// Close releases the connection pool.
func (r *RedisStore) Close() error { return r.client.Close() }
