package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "showline"

// Redis stores entries as JSON strings under {prefix}:readiness:{project},
// counts invalidations under {prefix}:readiness_gen:{project} and publishes
// every invalidation on {prefix}:readiness_invalidations for other processes
// sharing the cache. The client is safe for concurrent use.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// InvalidationMessage is the payload published on invalidation.
type InvalidationMessage struct {
	ProjectID string `json:"project_id"`
	Reason    string `json:"reason"`
}

// NewRedis connects a store. An empty prefix uses "showline".
func NewRedis(opts *redis.Options, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Redis{rdb: redis.NewClient(opts), prefix: prefix, ttl: ttl}
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

// Key returns the redis key of a project's entry.
func (r *Redis) Key(projectID string) string {
	return fmt.Sprintf("%s:readiness:%s", r.prefix, projectID)
}

// GenKey returns the redis key of a project's invalidation counter. It has no
// expiry so a late writer is rejected however long its calculation took.
func (r *Redis) GenKey(projectID string) string {
	return fmt.Sprintf("%s:readiness_gen:%s", r.prefix, projectID)
}

// Channel is where invalidations are announced.
func (r *Redis) Channel() string {
	return r.prefix + ":readiness_invalidations"
}

// Subscribe listens for invalidation announcements. Engines sharing the
// store use it to log invalidations made by their peers; see Watch.
func (r *Redis) Subscribe(ctx context.Context) *redis.PubSub {
	return r.rdb.Subscribe(ctx, r.Channel())
}

// Watch calls fn for every invalidation announced on the channel, including
// this process's own, until ctx is canceled. Malformed payloads are skipped.
func (r *Redis) Watch(ctx context.Context, fn func(InvalidationMessage)) error {
	sub := r.Subscribe(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.Channel(), err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m InvalidationMessage
			if json.Unmarshal([]byte(msg.Payload), &m) != nil {
				continue
			}
			fn(m)
		}
	}
}

func (r *Redis) Get(ctx context.Context, projectID string) (Entry, bool, error) {
	vals, err := r.rdb.MGet(ctx, r.Key(projectID), r.GenKey(projectID)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("read readiness entry: %w", err)
	}
	gen, err := parseGen(vals[1])
	if err != nil {
		return Entry{}, false, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return Entry{Generation: gen}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode readiness entry: %w", err)
	}
	return e, true, nil
}

func parseGen(v any) (uint64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, nil
	}
	gen, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode readiness generation: %w", err)
	}
	return gen, nil
}

// Set writes entry unless a newer one is already stored or the project was
// invalidated since entry's generation. The read-compare-write runs under
// WATCH on both keys so a racing writer or invalidation forces a retry.
func (r *Redis) Set(ctx context.Context, projectID string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode readiness entry: %w", err)
	}
	key, genKey := r.Key(projectID), r.GenKey(projectID)
	txf := func(tx *redis.Tx) error {
		vals, err := tx.MGet(ctx, key, genKey).Result()
		if err != nil {
			return err
		}
		gen, err := parseGen(vals[1])
		if err != nil {
			return err
		}
		if entry.Generation < gen {
			return nil
		}
		if raw, ok := vals[0].(string); ok {
			var cur Entry
			if json.Unmarshal([]byte(raw), &cur) == nil && stale(cur, entry) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < 3; attempt++ {
		err = r.rdb.Watch(ctx, txf, key, genKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("write readiness entry: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, projectID, reason string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, r.GenKey(projectID))
		pipe.Del(ctx, r.Key(projectID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete readiness entry: %w", err)
	}
	msg, err := json.Marshal(InvalidationMessage{ProjectID: projectID, Reason: reason})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.Channel(), msg).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}
