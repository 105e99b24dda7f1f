package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const mutateRetries = 8

// RedisStore shares sessions between processes. Create relies on SETNX so
// exactly one bootstrap wins per key; Mutate uses WATCH/MULTI.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore wraps an existing client. A zero ttl keeps sessions forever;
// otherwise every write refreshes the expiry.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "convo:session"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisStore) key(k Key) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, k.UserID, k.ConversationID)
}

func (r *RedisStore) Get(ctx context.Context, key Key) (Session, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session: %w", err)
	}
	sess, err := decodeSession(data)
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (r *RedisStore) Create(ctx context.Context, key Key, state map[string]any) (Session, bool, error) {
	if !key.Valid() {
		return Session{}, false, errors.New("session key requires user and conversation")
	}
	now := r.now().UTC()
	sess := Session{Key: key, State: cloneState(state), CreatedAt: now, UpdatedAt: now}
	data, err := json.Marshal(sess)
	if err != nil {
		return Session{}, false, fmt.Errorf("encode session: %w", err)
	}
	created, err := r.client.SetNX(ctx, r.key(key), data, r.ttl).Result()
	if err != nil {
		return Session{}, false, fmt.Errorf("create session: %w", err)
	}
	if created {
		return sess, true, nil
	}
	existing, ok, err := r.Get(ctx, key)
	if err != nil {
		return Session{}, false, err
	}
	if !ok {
		return Session{}, false, fmt.Errorf("session %s vanished after SETNX conflict", key)
	}
	return existing, false, nil
}

func (r *RedisStore) Mutate(ctx context.Context, key Key, fn func(state map[string]any)) (Session, error) {
	redisKey := r.key(key)
	var out Session
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		fn(sess.State)
		sess.UpdatedAt = r.now().UTC()
		encoded, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		ttl := r.ttl
		if ttl <= 0 {
			ttl = redis.KeepTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, encoded, ttl)
			return nil
		})
		if err == nil {
			out = sess
		}
		return err
	}

	for i := 0; i < mutateRetries; i++ {
		err := r.client.Watch(ctx, txf, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Session{}, err
			}
			return Session{}, fmt.Errorf("mutate session: %w", err)
		}
		return out, nil
	}
	return Session{}, fmt.Errorf("mutate session %s: too much contention", key)
}

func (r *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func decodeSession(data []byte) (Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	if sess.State == nil {
		sess.State = map[string]any{}
	}
	return sess, nil
}
