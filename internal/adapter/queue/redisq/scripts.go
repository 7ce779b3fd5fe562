package redisq

// The broker state per queue lives in a handful of keys:
//
//	q:<queue>:waiting   ZSET  member=jobID score=(10-priority)*2^40+seq
//	q:<queue>:delayed   ZSET  member=jobID score=readyAt unix ms
//	q:<queue>:leased    ZSET  member=jobID score=lease deadline unix ms
//	q:<queue>:seq       INCR  counter feeding FIFO order within a band
//	q:<queue>:prio      HASH  jobID -> priority, kept while the entry lives
//	q:<queue>:tokens    HASH  jobID -> lease token fencing stale holders
//	q:<queue>:paused    flag blocking pops while present
//	q:<queue>:dedup:<k> NX key suppressing duplicate enqueues
//	q:<queue>:dedupmap  HASH  jobID -> dedup key for cleanup on ack
//
// Priority bands keep strict priority-first pops: 2^40 separates bands so
// the sequence number only breaks ties inside one band.

// enqueueSource places a job on waiting or delayed. KEYS[6], when present,
// is the dedup key; returns 0 when a live duplicate suppressed the enqueue.
const enqueueSource = `
local waiting = KEYS[1]
local delayed = KEYS[2]
local seq     = KEYS[3]
local prio    = KEYS[4]
local dmap    = KEYS[5]

local job      = ARGV[1]
local priority = tonumber(ARGV[2])
local ready_at = tonumber(ARGV[3])
local now      = tonumber(ARGV[4])

if KEYS[6] then
  if redis.call("SET", KEYS[6], job, "NX", "PX", tonumber(ARGV[5])) == false then
    return 0
  end
  redis.call("HSET", dmap, job, ARGV[6])
end

redis.call("HSET", prio, job, priority)
if ready_at > now then
  redis.call("ZADD", delayed, ready_at, job)
else
  local n = redis.call("INCR", seq)
  redis.call("ZADD", waiting, (10 - priority) * 1099511627776 + n, job)
end
return 1
`

// popSource promotes due delayed entries, then moves the head of waiting
// to leased under a fencing token. Returns the job id or false when the
// queue is paused or empty.
const popSource = `
local waiting = KEYS[1]
local delayed = KEYS[2]
local leased  = KEYS[3]
local seq     = KEYS[4]
local prio    = KEYS[5]
local tokens  = KEYS[6]
local paused  = KEYS[7]

local now      = tonumber(ARGV[1])
local deadline = tonumber(ARGV[2])
local token    = ARGV[3]

if redis.call("EXISTS", paused) == 1 then
  return false
end

local due = redis.call("ZRANGEBYSCORE", delayed, "-inf", now, "LIMIT", 0, 100)
for _, job in ipairs(due) do
  redis.call("ZREM", delayed, job)
  local p = tonumber(redis.call("HGET", prio, job)) or 5
  local n = redis.call("INCR", seq)
  redis.call("ZADD", waiting, (10 - p) * 1099511627776 + n, job)
end

local head = redis.call("ZRANGE", waiting, 0, 0)
if #head == 0 then
  return false
end
local job = head[1]
redis.call("ZREM", waiting, job)
redis.call("ZADD", leased, deadline, job)
redis.call("HSET", tokens, job, token)
return job
`

// extendSource pushes the lease deadline out, refusing stale tokens.
const extendSource = `
local leased = KEYS[1]
local tokens = KEYS[2]

local job      = ARGV[1]
local token    = ARGV[2]
local deadline = tonumber(ARGV[3])

if redis.call("HGET", tokens, job) ~= token then
  return 0
end
if redis.call("ZSCORE", leased, job) == false then
  return 0
end
redis.call("ZADD", leased, deadline, job)
return 1
`

// ackSource removes a leased entry for good, releasing its dedup key.
const ackSource = `
local leased = KEYS[1]
local tokens = KEYS[2]
local prio   = KEYS[3]
local dmap   = KEYS[4]

local job          = ARGV[1]
local token        = ARGV[2]
local dedup_prefix = ARGV[3]

if redis.call("HGET", tokens, job) ~= token then
  return 0
end
redis.call("ZREM", leased, job)
redis.call("HDEL", tokens, job)
redis.call("HDEL", prio, job)
local dk = redis.call("HGET", dmap, job)
if dk then
  redis.call("DEL", dedup_prefix .. dk)
  redis.call("HDEL", dmap, job)
end
return 1
`

// releaseSource returns a leased entry to waiting or delayed, refusing
// stale tokens.
const releaseSource = `
local leased  = KEYS[1]
local tokens  = KEYS[2]
local waiting = KEYS[3]
local delayed = KEYS[4]
local seq     = KEYS[5]
local prio    = KEYS[6]

local job      = ARGV[1]
local token    = ARGV[2]
local ready_at = tonumber(ARGV[3])
local now      = tonumber(ARGV[4])
local priority = tonumber(ARGV[5])

if redis.call("HGET", tokens, job) ~= token then
  return 0
end
redis.call("ZREM", leased, job)
redis.call("HDEL", tokens, job)
redis.call("HSET", prio, job, priority)
if ready_at > now then
  redis.call("ZADD", delayed, ready_at, job)
else
  local n = redis.call("INCR", seq)
  redis.call("ZADD", waiting, (10 - priority) * 1099511627776 + n, job)
end
return 1
`

// removeSource deletes a waiting or delayed entry. Leased entries are left
// alone; cancellation of running jobs goes through the job row.
const removeSource = `
local waiting = KEYS[1]
local delayed = KEYS[2]
local prio    = KEYS[3]
local dmap    = KEYS[4]

local job          = ARGV[1]
local dedup_prefix = ARGV[2]

local removed = redis.call("ZREM", waiting, job) + redis.call("ZREM", delayed, job)
if removed > 0 then
  redis.call("HDEL", prio, job)
  local dk = redis.call("HGET", dmap, job)
  if dk then
    redis.call("DEL", dedup_prefix .. dk)
    redis.call("HDEL", dmap, job)
  end
end
return removed
`

// reapSource moves lease-expired entries back to waiting at their stored
// priority and returns the recovered job ids.
const reapSource = `
local leased  = KEYS[1]
local tokens  = KEYS[2]
local waiting = KEYS[3]
local seq     = KEYS[4]
local prio    = KEYS[5]

local now   = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local expired = redis.call("ZRANGEBYSCORE", leased, "-inf", now, "LIMIT", 0, limit)
for _, job in ipairs(expired) do
  redis.call("ZREM", leased, job)
  redis.call("HDEL", tokens, job)
  local p = tonumber(redis.call("HGET", prio, job)) or 5
  local n = redis.call("INCR", seq)
  redis.call("ZADD", waiting, (10 - p) * 1099511627776 + n, job)
end
return expired
`
