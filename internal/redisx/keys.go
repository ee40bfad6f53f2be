package redisx

import "time"

const (
	// Job record: queue:{queue}:job:{id} -> JSON
	KeyQueueJob = "queue:%s:job:%s"

	// Delayed index: queue:{queue}:delayed (ZSET, score = run_at unix ms).
	// Membership here is what makes a job cancellable.
	KeyQueueDelayed = "queue:%s:delayed"

	// Active index: queue:{queue}:active (ZSET, score = claim unix ms).
	// Jobs stay here from claim to Complete/Requeue/Fail so a crashed
	// worker's claims can be found and re-delivered.
	KeyQueueActive = "queue:%s:active"

	// Dead-letter set: queue:{queue}:failed (SET of job ids)
	KeyQueueFailed = "queue:%s:failed"
)

var (
	// Completed job records stay around for status queries, then age out.
	// Failed records never expire; operators clear them explicitly.
	TTLCompletedJob = 24 * time.Hour
)
