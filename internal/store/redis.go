package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobsupervisor/internal/apperrors"
	"jobsupervisor/internal/job"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "supervisor:"

func jobKey(id string) string { return redisPrefix + "job:" + id }

func logKey(id string, stream job.LogStream) string {
	return fmt.Sprintf("%slogs:%s:%s", redisPrefix, id, stream)
}

const jobIndexKey = redisPrefix + "jobs"

// Redis is a Store backed by Redis. Each job is a JSON string; compare-and-swap
// uses WATCH on the job key.
type Redis struct {
	rdb *redis.Client
}

// OpenRedis connects to addr and verifies connectivity.
func OpenRedis(ctx context.Context, addr string, db int) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Create(ctx context.Context, j *job.Job) error {
	prepared := j.Clone()
	prepareCreate(prepared)
	data, err := json.Marshal(prepared)
	if err != nil {
		return apperrors.Internal("store.create", err)
	}

	ok, err := r.rdb.SetNX(ctx, jobKey(j.ID), data, 0).Result()
	if err != nil {
		return apperrors.Internal("store.create", err)
	}
	if !ok {
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
	}
	if err := r.rdb.ZAdd(ctx, jobIndexKey, redis.Z{
		Score:  float64(prepared.CreatedAt.UnixMilli()),
		Member: j.ID,
	}).Err(); err != nil {
		return apperrors.Internal("store.create", err)
	}
	*j = *prepared
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*job.Job, error) {
	data, err := r.rdb.Get(ctx, jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.get", err)
	}
	return decodeJob(data)
}

func (r *Redis) List(ctx context.Context, f Filter) ([]job.Job, error) {
	ids, err := r.rdb.ZRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	out := make([]job.Job, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		j, err := decodeJob(s)
		if err != nil {
			return nil, err
		}
		if f.match(j) {
			out = append(out, *j)
		}
	}
	slices.SortStableFunc(out, func(a, b job.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *Redis) Update(ctx context.Context, j *job.Job, logs []job.LogEntry) error {
	next := j.Clone()
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(next)
	if err != nil {
		return apperrors.Internal("store.update", err)
	}

	key := jobKey(j.ID)
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return apperrors.NotFound("job", j.ID)
		}
		if err != nil {
			return err
		}
		stored, err := decodeJob(raw)
		if err != nil {
			return err
		}
		if stored.Version != j.Version {
			return apperrors.Conflict("job", j.ID, "job "+j.ID+" was modified concurrently")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			for _, e := range logs {
				entry, err := json.Marshal(e)
				if err != nil {
					return err
				}
				pipe.RPush(ctx, logKey(j.ID, e.Stream), entry)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		*j = *next
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" was modified concurrently")
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrConflict), errors.Is(err, apperrors.ErrInternal):
		return err
	default:
		return apperrors.Internal("store.update", err)
	}
}

func (r *Redis) Logs(ctx context.Context, id string, q job.LogQuery) ([]job.LogEntry, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	raw, err := r.rdb.LRange(ctx, logKey(id, q.Stream), 0, -1).Result()
	if err != nil {
		return nil, apperrors.Internal("store.logs", err)
	}
	entries := make([]job.LogEntry, 0, len(raw))
	for _, s := range raw {
		var e job.LogEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, apperrors.Internal("store.logs", err)
		}
		entries = append(entries, e)
	}
	return selectLogs(entries, q), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
