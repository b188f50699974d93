package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"

	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "stockwatch:"

// Redis stores records as JSON strings under prefix+"state:"+identity.
type Redis struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, &Error{Op: "open", Err: errors.New("store.redis_addr is required for redis driver")}
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	st := NewRedis(client, cfg.RedisPrefix, log)
	st.owned = true
	log.Debug("redis store opened", logx.String("addr", addr), logx.String("prefix", st.prefix))
	return st, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client goredis.UniversalClient, prefix string, log logx.Logger) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, prefix: prefix, log: log}
}

func (r *Redis) key(id model.Identity) string { return r.prefix + "state:" + string(id) }

func (r *Redis) Get(ctx context.Context, id model.Identity) (model.StateRecord, bool, error) {
	b, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return model.StateRecord{}, false, nil
	}
	if err != nil {
		return model.StateRecord{}, false, wrap("get", id, err)
	}
	var rec model.StateRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return model.StateRecord{}, false, wrap("get", id, err)
	}
	return rec, true, nil
}

func (r *Redis) Put(ctx context.Context, rec model.StateRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return wrap("put", rec.Identity, err)
	}
	return wrap("put", rec.Identity, r.client.Set(ctx, r.key(rec.Identity), b, 0).Err())
}

func (r *Redis) List(ctx context.Context) ([]model.StateRecord, error) {
	var (
		cursor uint64
		out    []model.StateRecord
	)
	pattern := r.prefix + "state:*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, wrap("list", "", err)
		}
		if len(keys) > 0 {
			vals, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, wrap("list", "", err)
			}
			for i, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue
				}
				var rec model.StateRecord
				if err := json.Unmarshal([]byte(s), &rec); err != nil {
					r.log.Warn("skipping corrupt state record", logx.String("key", keys[i]), logx.Err(err))
					continue
				}
				out = append(out, rec)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return wrap("close", "", r.client.Close())
}
