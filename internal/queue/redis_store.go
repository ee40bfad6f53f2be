package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-cart-reservations.git/internal/redisx"
)

// RedisStore keeps one queue in Redis:
//   - job record:  queue:{name}:job:{id}   (JSON string)
//   - due index:   queue:{name}:delayed    (ZSET, score = run_at unix ms)
//   - active:      queue:{name}:active     (ZSET, score = claim unix ms)
//   - dead letter: queue:{name}:failed     (SET of ids)
//
// Claim, Cancel and Reclaim run as Lua scripts so that concurrent workers
// and request handlers never double-claim or cancel a job mid-flight.
type RedisStore struct {
	rdb   *redis.Client
	queue string
}

func NewRedisStore(rdb *redis.Client, queueName string) *RedisStore {
	return &RedisStore{rdb: rdb, queue: queueName}
}

// Pops up to ARGV[2] due ids off the delayed index onto the active index.
// Removal from the delayed ZSET is what hands the job to exactly one
// claimer; membership on the active ZSET is what lets a later Reclaim see
// claims whose worker died.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return due
`)

// Pops ids claimed at or before ARGV[1] off the active index; the claimer
// never reported back, so ownership returns to whoever runs the reclaim.
var reclaimScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #stale > 0 then
  redis.call('ZREM', KEYS[1], unpack(stale))
end
return stale
`)

// Cancels iff the id is still on the delayed index; a job a worker already
// claimed is gone from the ZSET and cannot be un-executed.
var cancelScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('DEL', KEYS[2])
  return 1
end
return 0
`)

func (s *RedisStore) jobKey(id string) string {
	return fmt.Sprintf(redisx.KeyQueueJob, s.queue, id)
}

func (s *RedisStore) delayedKey() string {
	return fmt.Sprintf(redisx.KeyQueueDelayed, s.queue)
}

func (s *RedisStore) activeKey() string {
	return fmt.Sprintf(redisx.KeyQueueActive, s.queue)
}

func (s *RedisStore) failedKey() string {
	return fmt.Sprintf(redisx.KeyQueueFailed, s.queue)
}

func (s *RedisStore) writeJob(ctx context.Context, j *Job, ttl time.Duration) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.jobKey(j.ID), b, ttl).Err()
}

func (s *RedisStore) Put(ctx context.Context, j *Job) error {
	if err := s.writeJob(ctx, j, 0); err != nil {
		return err
	}
	if j.Cancellable() {
		return s.rdb.ZAdd(ctx, s.delayedKey(), redis.Z{
			Score:  float64(j.RunAt.UnixMilli()),
			Member: j.ID,
		}).Err()
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	b, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

func (s *RedisStore) Claim(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	ids, err := claimScript.Run(ctx, s.rdb,
		[]string{s.delayedKey(), s.activeKey()},
		now.UnixMilli(), limit,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	jobs := make([]*Job, 0, len(ids))
	started := time.Now().UTC()
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			return jobs, err
		}
		if j == nil {
			continue // record expired underneath the index
		}
		j.State = StateActive
		j.AttemptsMade++
		j.ProcessedOn = &started
		if err := s.writeJob(ctx, j, 0); err != nil {
			return jobs, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *RedisStore) Requeue(ctx context.Context, j *Job, runAt time.Time) error {
	if err := s.rdb.ZRem(ctx, s.activeKey(), j.ID).Err(); err != nil {
		return err
	}
	j.State = StateDelayed
	j.RunAt = runAt.UTC()
	if err := s.writeJob(ctx, j, 0); err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.delayedKey(), redis.Z{
		Score:  float64(j.RunAt.UnixMilli()),
		Member: j.ID,
	}).Err()
}

func (s *RedisStore) Complete(ctx context.Context, j *Job) error {
	if err := s.rdb.ZRem(ctx, s.activeKey(), j.ID).Err(); err != nil {
		return err
	}
	done := time.Now().UTC()
	j.State = StateCompleted
	j.FinishedOn = &done
	return s.writeJob(ctx, j, redisx.TTLCompletedJob)
}

func (s *RedisStore) Fail(ctx context.Context, j *Job, reason string) error {
	if err := s.rdb.ZRem(ctx, s.activeKey(), j.ID).Err(); err != nil {
		return err
	}
	done := time.Now().UTC()
	j.State = StateFailed
	j.LastError = reason
	j.FinishedOn = &done
	if err := s.writeJob(ctx, j, 0); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, s.failedKey(), j.ID).Err()
}

func (s *RedisStore) Cancel(ctx context.Context, id string) (bool, error) {
	n, err := cancelScript.Run(ctx, s.rdb,
		[]string{s.delayedKey(), s.jobKey(id)},
		id,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Reclaim(ctx context.Context, before time.Time) ([]*Job, error) {
	ids, err := reclaimScript.Run(ctx, s.rdb,
		[]string{s.activeKey()},
		before.UnixMilli(), 100,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			return out, err
		}
		if j == nil {
			continue // record expired underneath the index
		}
		if j.AttemptsMade >= j.Attempts {
			if err := s.Fail(ctx, j, reclaimReason); err != nil {
				return out, err
			}
			continue
		}
		j.State = StateWaiting
		j.RunAt = now
		if err := s.writeJob(ctx, j, 0); err != nil {
			return out, err
		}
		if err := s.rdb.ZAdd(ctx, s.delayedKey(), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: id,
		}).Err(); err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *RedisStore) ListFailed(ctx context.Context) ([]*Job, error) {
	ids, err := s.rdb.SMembers(ctx, s.failedKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j != nil {
			out = append(out, j)
		}
	}
	return out, nil
}
