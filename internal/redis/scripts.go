package redis

import "github.com/redis/go-redis/v9"

// Pending scores sort by priority (desc) and then by enqueue sequence (asc):
//
//	score = (PriorityMax - priority) * 1e9 + seq % 1e9
//
// Every score stays below 2^53 so it round-trips through Lua doubles exactly.

// enqueueScript inserts a pending task.
//
//	KEYS: task, pending, seq, delayed
//	ARGV: id, overwrite(0|1), priority, priorityMax, field/value pairs...
//	returns {1,"pending"} | {0,state} duplicate | {-1,state} not replaceable
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state then
	if ARGV[2] ~= '1' then
		return {0, state}
	end
	if state ~= 'pending' then
		return {-1, state}
	end
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[4], ARGV[1])
	redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
local seq = redis.call('INCR', KEYS[3])
local score = (tonumber(ARGV[4]) - tonumber(ARGV[3])) * 1e9 + (seq % 1e9)
redis.call('ZADD', KEYS[2], string.format('%.0f', score), ARGV[1])
return {1, 'pending'}
`)

// claimScript promotes due delayed tasks and claims the best pending one.
//
//	KEYS: pending, delayed, processing, seq
//	ARGV: nowMillis, workerID, taskKeyPrefix, priorityMax, promoteLimit
//	returns the claimed id or nil
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[5]))
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	local key = ARGV[3] .. id
	if redis.call('EXISTS', key) == 1 then
		redis.call('HSET', key, 'state', 'pending')
		local p = tonumber(redis.call('HGET', key, 'priority') or '0')
		local seq = redis.call('INCR', KEYS[4])
		local score = (tonumber(ARGV[4]) - p) * 1e9 + (seq % 1e9)
		redis.call('ZADD', KEYS[1], string.format('%.0f', score), id)
	end
end
while true do
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then
		return false
	end
	local id = popped[1]
	local key = ARGV[3] .. id
	if redis.call('HGET', key, 'state') == 'pending' then
		redis.call('HSET', key, 'state', 'processing', 'worker_id', ARGV[2], 'started_at', ARGV[1])
		redis.call('ZADD', KEYS[3], ARGV[1], id)
		return id
	end
end
`)

// completeScript moves a processing task to completed. Only the claim holder
// may complete it.
//
//	KEYS: task, processing, completed, stats
//	ARGV: id, nowMillis, result, ttlMillis, workerID
//	returns {1,"completed"} | {-1,state} | {-2,""} missing | {-3,owner} claim lost
var completeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return {-2, ''}
end
if state ~= 'processing' then
	return {-1, state}
end
local owner = redis.call('HGET', KEYS[1], 'worker_id') or ''
if owner ~= ARGV[5] then
	return {-3, owner}
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'completed_at', ARGV[2], 'result', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('HINCRBY', KEYS[4], 'completed', 1)
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return {1, 'completed'}
`)

// failScript records a failure. It is a compare-and-swap on (state, worker_id,
// started_at, retry_count): the caller computed the retry decision from the
// claim it read.
//
//	KEYS: task, processing, delayed, deadletter, stats, history
//	ARGV: id, expectedRetry, mode(retry|dead), nowMillis, readyAtMillis, error,
//	      newPriority, historyEntry, ttlMillis, historyLimit, workerID, startedAtMillis
//	returns {1,"failed"} retry scheduled | {2,"dead_letter"} | {-1,state} | {-2,""} |
//	        {-3,owner} claim lost | {-4,state} stale
var failScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return {-2, ''}
end
if state ~= 'processing' then
	return {-1, state}
end
local owner = redis.call('HGET', KEYS[1], 'worker_id') or ''
if owner ~= ARGV[11] or (redis.call('HGET', KEYS[1], 'started_at') or '0') ~= ARGV[12] then
	return {-3, owner}
end
if redis.call('HGET', KEYS[1], 'retry_count') ~= ARGV[2] then
	return {-4, state}
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[5], 'failed', 1)
redis.call('RPUSH', KEYS[6], ARGV[8])
redis.call('LTRIM', KEYS[6], -tonumber(ARGV[10]), -1)
if ARGV[3] == 'retry' then
	redis.call('HSET', KEYS[1], 'state', 'failed', 'retry_count', tonumber(ARGV[2]) + 1,
		'error', ARGV[6], 'priority', ARGV[7], 'worker_id', '', 'started_at', '0')
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
	return {1, 'failed'}
end
redis.call('HSET', KEYS[1], 'state', 'dead_letter', 'error', ARGV[6], 'completed_at', ARGV[4])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
redis.call('HINCRBY', KEYS[5], 'dead_letter', 1)
if tonumber(ARGV[9]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[9])
	redis.call('PEXPIRE', KEYS[6], ARGV[9])
end
return {2, 'dead_letter'}
`)

// releaseScript hands a claimed task back without consuming a retry.
//
//	KEYS: task, processing, delayed
//	ARGV: id, readyAtMillis, workerID
var releaseScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return {-2, ''}
end
if state ~= 'processing' then
	return {-1, state}
end
local owner = redis.call('HGET', KEYS[1], 'worker_id') or ''
if owner ~= ARGV[3] then
	return {-3, owner}
end
redis.call('HSET', KEYS[1], 'state', 'pending', 'worker_id', '', 'started_at', '0')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return {1, 'pending'}
`)

// requeueScript moves a dead-lettered task back to pending with a fresh retry budget.
//
//	KEYS: task, deadletter, pending, seq, history
//	ARGV: id, priorityMax
var requeueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return {-2, ''}
end
if state ~= 'dead_letter' then
	return {-1, state}
end
redis.call('PERSIST', KEYS[1])
redis.call('PERSIST', KEYS[5])
redis.call('HSET', KEYS[1], 'state', 'pending', 'retry_count', '0', 'worker_id', '',
	'started_at', '0', 'completed_at', '0')
redis.call('ZREM', KEYS[2], ARGV[1])
local p = tonumber(redis.call('HGET', KEYS[1], 'priority') or '0')
local seq = redis.call('INCR', KEYS[4])
local score = (tonumber(ARGV[2]) - p) * 1e9 + (seq % 1e9)
redis.call('ZADD', KEYS[3], string.format('%.0f', score), ARGV[1])
return {1, 'pending'}
`)
