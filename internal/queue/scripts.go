package queue

import "github.com/redis/go-redis/v9"

// Every script takes "now" from the caller so the whole queue follows one
// clock. Task bodies are opaque to Lua; lease fields are filled in by Go.

// KEYS: tasks, epochs, prio, ready, delayed
// ARGV: id, body, priority, not_before_ms (0 = ready now), epoch
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[5])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call('ZADD', KEYS[5], ARGV[4], ARGV[1])
else
	redis.call('RPUSH', KEYS[4], ARGV[1])
end
return 1
`)

// KEYS: ready, delayed, leases, tasks, epochs, owners
// ARGV: now_ms, expires_ms, owner
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('RPUSH', KEYS[1], id)
end
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
local epoch = redis.call('HINCRBY', KEYS[5], id, 1)
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HSET', KEYS[6], id, ARGV[3])
return {redis.call('HGET', KEYS[4], id), epoch}
`)

// KEYS: leases, tasks, epochs, prio, owners
// ARGV: id, epoch
var ackScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

// KEYS: leases, tasks, epochs, ready, delayed, owners
// ARGV: id, epoch, body, not_before_ms (0 = ready now)
var nackScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[6], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call('ZADD', KEYS[5], ARGV[4], ARGV[1])
else
	redis.call('RPUSH', KEYS[4], ARGV[1])
end
return 1
`)

// KEYS: leases, epochs
// ARGV: id, epoch, expires_ms
var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

// KEYS: leases, ready, owners
// ARGV: now_ms
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HDEL', KEYS[3], id)
	redis.call('RPUSH', KEYS[2], id)
end
return ids
`)

// Releases the leases recorded for one owner to the head of the ready
// list, earliest expiry first. Leases of other owners are left to expire.
// KEYS: leases, ready, owners
// ARGV: owner
var releaseOwnedScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local mine = {}
for _, id in ipairs(ids) do
	if redis.call('HGET', KEYS[3], id) == ARGV[1] then
		table.insert(mine, id)
	end
end
for i = #mine, 1, -1 do
	redis.call('ZREM', KEYS[1], mine[i])
	redis.call('HDEL', KEYS[3], mine[i])
	redis.call('LPUSH', KEYS[2], mine[i])
end
return mine
`)
