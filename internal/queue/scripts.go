package queue

// cancelScript removes a waiting job or flags a running one.
// KEYS: wait list, job hash. ARGV: id, now (ms), retention (s).
// Returns one of the cancel* codes.
const cancelScript = `
local state = redis.call('HGET', KEYS[2], 'state')
if not state then
  return 0
end
if state == 'waiting' then
  local removed = redis.call('LREM', KEYS[1], 0, ARGV[1])
  if removed > 0 then
    redis.call('HSET', KEYS[2], 'state', 'cancelled', 'finished_at', ARGV[2])
    if tonumber(ARGV[3]) > 0 then
      redis.call('EXPIRE', KEYS[2], ARGV[3])
    end
    return 1
  end
  redis.call('HSET', KEYS[2], 'cancel_requested', '1')
  return 2
end
if state == 'active' then
  redis.call('HSET', KEYS[2], 'cancel_requested', '1')
  return 2
end
return 3
`

// claimScript marks a job moved onto the active list as started, unless a
// cancel request arrived while it was in flight between the lists or the
// stall sweep already put it back.
// KEYS: active list, job hash. ARGV: id, now (ms), retention (s).
// Returns 1 when the caller owns the job.
const claimScript = `
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
  return 0
end
local state = redis.call('HGET', KEYS[2], 'state')
if not state then
  return 0
end
if state ~= 'waiting' or redis.call('HGET', KEYS[2], 'cancel_requested') == '1' then
  if state == 'waiting' then
    redis.call('HSET', KEYS[2], 'state', 'cancelled', 'finished_at', ARGV[2])
    if tonumber(ARGV[3]) > 0 then
      redis.call('EXPIRE', KEYS[2], ARGV[3])
    end
  end
  return 0
end
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'state', 'active', 'started_at', ARGV[2], 'heartbeat_at', ARGV[2])
return 1
`

// heartbeatScript refreshes the lease of a running job. Finished jobs are
// left alone so a late beat never recreates a deleted hash.
// KEYS: job hash. ARGV: now (ms).
const heartbeatScript = `
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[1])
return 1
`

// recoverScript settles one entry of the active list.
// KEYS: active list, wait list, failed set, job hash.
// ARGV: id, now (ms), lease cutoff (ms), error message.
// Returns one of the recover* codes.
const recoverScript = `
local state = redis.call('HGET', KEYS[4], 'state')
if state == 'waiting' then
  if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
    return 0
  end
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
if state == 'active' then
  local beat = tonumber(redis.call('HGET', KEYS[4], 'heartbeat_at') or redis.call('HGET', KEYS[4], 'started_at') or '0')
  if beat > tonumber(ARGV[3]) then
    return 0
  end
  redis.call('LREM', KEYS[1], 0, ARGV[1])
  redis.call('HSET', KEYS[4], 'state', 'failed', 'error', ARGV[4], 'finished_at', ARGV[2])
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
  return 2
end
redis.call('LREM', KEYS[1], 0, ARGV[1])
return 3
`

const (
	cancelUnknown  = 0
	cancelRemoved  = 1
	cancelFlagged  = 2
	cancelTerminal = 3
)

const (
	recoverNone     = 0
	recoverRequeued = 1
	recoverFailed   = 2
	recoverDropped  = 3
)
