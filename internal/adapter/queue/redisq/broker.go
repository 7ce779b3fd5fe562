// Package redisq implements the durable work queue behind the job engine
// on Redis sorted sets driven by Lua scripts. Scripts keep every state
// transition atomic; lease tokens fence workers that lost their lease.
package redisq

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cvforge/cvforge/internal/adapter/observability"
	"github.com/cvforge/cvforge/internal/domain"
)

const (
	// DefaultDedupTTL caps how long a dedup key outlives a stuck entry.
	DefaultDedupTTL = 24 * time.Hour

	defaultReapLimit = 100
)

// Broker is the Redis-backed implementation of domain.Broker.
type Broker struct {
	rdb      *redis.Client
	dedupTTL time.Duration

	enqueue *redis.Script
	pop     *redis.Script
	extend  *redis.Script
	ack     *redis.Script
	release *redis.Script
	remove  *redis.Script
	reap    *redis.Script
}

// New builds a broker on rdb. dedupTTL bounds dedup-key lifetime; zero or
// negative selects DefaultDedupTTL.
func New(rdb *redis.Client, dedupTTL time.Duration) *Broker {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &Broker{
		rdb:      rdb,
		dedupTTL: dedupTTL,
		enqueue:  redis.NewScript(enqueueSource),
		pop:      redis.NewScript(popSource),
		extend:   redis.NewScript(extendSource),
		ack:      redis.NewScript(ackSource),
		release:  redis.NewScript(releaseSource),
		remove:   redis.NewScript(removeSource),
		reap:     redis.NewScript(reapSource),
	}
}

func keyWaiting(queue string) string  { return "q:" + queue + ":waiting" }
func keyDelayed(queue string) string  { return "q:" + queue + ":delayed" }
func keyLeased(queue string) string   { return "q:" + queue + ":leased" }
func keySeq(queue string) string      { return "q:" + queue + ":seq" }
func keyPrio(queue string) string     { return "q:" + queue + ":prio" }
func keyTokens(queue string) string   { return "q:" + queue + ":tokens" }
func keyPaused(queue string) string   { return "q:" + queue + ":paused" }
func keyDedupMap(queue string) string { return "q:" + queue + ":dedupmap" }
func dedupPrefix(queue string) string { return "q:" + queue + ":dedup:" }

func staleLease(jobID string) error {
	return domain.E(domain.CodeConflict, "lease for job %s expired or superseded", jobID)
}

// Enqueue places jobID on the queue, delayed when delay is positive. A
// non-empty dedupKey suppresses the enqueue while a previous one is live.
func (b *Broker) Enqueue(ctx domain.Context, queue, jobID string, priority int, delay time.Duration, dedupKey string) error {
	if priority < 0 || priority > 10 {
		return fmt.Errorf("op=broker.enqueue: %w",
			domain.E(domain.CodeJobPriorityInvalid, "priority %d outside 0..10", priority))
	}
	now := time.Now()
	var readyAt int64
	if delay > 0 {
		readyAt = now.Add(delay).UnixMilli()
	}

	keys := []string{keyWaiting(queue), keyDelayed(queue), keySeq(queue), keyPrio(queue), keyDedupMap(queue)}
	if dedupKey != "" {
		keys = append(keys, dedupPrefix(queue)+dedupKey)
	}
	n, err := b.enqueue.Run(ctx, b.rdb, keys,
		jobID, priority, readyAt, now.UnixMilli(), b.dedupTTL.Milliseconds(), dedupKey).Int()
	if err != nil {
		return fmt.Errorf("op=broker.enqueue: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=broker.enqueue: %w",
			domain.E(domain.CodeConflict, "enqueue suppressed, dedup key %s is live", dedupKey))
	}
	observability.EnqueueJob(queue)
	return nil
}

// Lease pops the highest-priority ready entry and holds it until the lease
// deadline. Due delayed entries are promoted first. ok is false when the
// queue is empty or paused.
func (b *Broker) Lease(ctx domain.Context, queue string, ttl time.Duration) (domain.Lease, bool, error) {
	now := time.Now()
	deadline := now.Add(ttl)
	token := uuid.New().String()

	keys := []string{
		keyWaiting(queue), keyDelayed(queue), keyLeased(queue),
		keySeq(queue), keyPrio(queue), keyTokens(queue), keyPaused(queue),
	}
	jobID, err := b.pop.Run(ctx, b.rdb, keys, now.UnixMilli(), deadline.UnixMilli(), token).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Lease{}, false, nil
		}
		return domain.Lease{}, false, fmt.Errorf("op=broker.lease: %w", err)
	}
	return domain.Lease{JobID: jobID, Queue: queue, Token: token, Deadline: deadline}, true, nil
}

// ExtendLease pushes the lease deadline out for long-running jobs.
func (b *Broker) ExtendLease(ctx domain.Context, lease domain.Lease, ttl time.Duration) error {
	keys := []string{keyLeased(lease.Queue), keyTokens(lease.Queue)}
	n, err := b.extend.Run(ctx, b.rdb, keys, lease.JobID, lease.Token, time.Now().Add(ttl).UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("op=broker.extend: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=broker.extend: %w", staleLease(lease.JobID))
	}
	return nil
}

// Ack removes a leased entry permanently and releases its dedup key.
func (b *Broker) Ack(ctx domain.Context, lease domain.Lease) error {
	keys := []string{keyLeased(lease.Queue), keyTokens(lease.Queue), keyPrio(lease.Queue), keyDedupMap(lease.Queue)}
	n, err := b.ack.Run(ctx, b.rdb, keys, lease.JobID, lease.Token, dedupPrefix(lease.Queue)).Int()
	if err != nil {
		return fmt.Errorf("op=broker.ack: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=broker.ack: %w", staleLease(lease.JobID))
	}
	return nil
}

// Release returns a leased entry to the queue at priority, delayed when
// delay is positive.
func (b *Broker) Release(ctx domain.Context, lease domain.Lease, delay time.Duration, priority int) error {
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	now := time.Now()
	var readyAt int64
	if delay > 0 {
		readyAt = now.Add(delay).UnixMilli()
	}
	keys := []string{
		keyLeased(lease.Queue), keyTokens(lease.Queue),
		keyWaiting(lease.Queue), keyDelayed(lease.Queue),
		keySeq(lease.Queue), keyPrio(lease.Queue),
	}
	n, err := b.release.Run(ctx, b.rdb, keys, lease.JobID, lease.Token, readyAt, now.UnixMilli(), priority).Int()
	if err != nil {
		return fmt.Errorf("op=broker.release: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=broker.release: %w", staleLease(lease.JobID))
	}
	return nil
}

// Remove deletes a waiting or delayed entry. Entries already leased are
// left alone; removing an absent entry is a no-op.
func (b *Broker) Remove(ctx domain.Context, queue, jobID string) error {
	keys := []string{keyWaiting(queue), keyDelayed(queue), keyPrio(queue), keyDedupMap(queue)}
	if _, err := b.remove.Run(ctx, b.rdb, keys, jobID, dedupPrefix(queue)).Int(); err != nil {
		return fmt.Errorf("op=broker.remove: %w", err)
	}
	return nil
}

// ReapExpired moves up to limit lease-expired entries back to waiting and
// returns the recovered job ids.
func (b *Broker) ReapExpired(ctx domain.Context, queue string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultReapLimit
	}
	keys := []string{keyLeased(queue), keyTokens(queue), keyWaiting(queue), keySeq(queue), keyPrio(queue)}
	ids, err := b.reap.Run(ctx, b.rdb, keys, time.Now().UnixMilli(), limit).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=broker.reap: %w", err)
	}
	return ids, nil
}

// Pause blocks pops on the queue until Resume.
func (b *Broker) Pause(ctx domain.Context, queue string) error {
	if err := b.rdb.Set(ctx, keyPaused(queue), "1", 0).Err(); err != nil {
		return fmt.Errorf("op=broker.pause: %w", err)
	}
	return nil
}

// Resume lifts a pause.
func (b *Broker) Resume(ctx domain.Context, queue string) error {
	if err := b.rdb.Del(ctx, keyPaused(queue)).Err(); err != nil {
		return fmt.Errorf("op=broker.resume: %w", err)
	}
	return nil
}

// Stats snapshots the queue depth per state.
func (b *Broker) Stats(ctx domain.Context, queue string) (domain.QueueStats, error) {
	pipe := b.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, keyWaiting(queue))
	delayed := pipe.ZCard(ctx, keyDelayed(queue))
	leased := pipe.ZCard(ctx, keyLeased(queue))
	paused := pipe.Exists(ctx, keyPaused(queue))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.QueueStats{}, fmt.Errorf("op=broker.stats: %w", err)
	}
	return domain.QueueStats{
		Queue:   queue,
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Leased:  leased.Val(),
		Paused:  paused.Val() == 1,
	}, nil
}
