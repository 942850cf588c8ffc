package redis

import goredis "github.com/redis/go-redis/v9"

// Every multi-key mutation runs as one script so a dropped connection can
// never leave a token without its message. Keys other than those passed
// in KEYS are derived from the prefix in ARGV; the default prefix carries
// a hash tag so all keys land in one Cluster slot.

// enqueueScript stores a message under its token.
//
// KEYS[1] token (may be unused), KEYS[2] message hash, KEYS[3] target set.
// ARGV[1] delivery id, ARGV[2] token ttl ms, ARGV[3] body, ARGV[4] priority,
// ARGV[5] token ("" for none), ARGV[6] score, ARGV[7] "1" if delayed,
// ARGV[8] key prefix.
//
// Returns 0 when a queued message already holds the token. A token whose
// message is gone or no longer queued is taken over.
var enqueueScript = goredis.NewScript(`
local prefix = ARGV[8]
if ARGV[5] ~= '' then
  local held = redis.call('GET', KEYS[1])
  if held then
    local prio = redis.call('HGET', prefix .. 'msg:' .. held, 'priority')
    if prio and (redis.call('ZSCORE', prefix .. 'delayed', held) or redis.call('ZSCORE', prefix .. 'ready:' .. prio, held)) then
      return 0
    end
    redis.call('DEL', prefix .. 'msg:' .. held)
  end
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
redis.call('HSET', KEYS[2], 'body', ARGV[3], 'priority', ARGV[4], 'token', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
if ARGV[7] ~= '1' then
  redis.call('ZADD', prefix .. 'priorities', -tonumber(ARGV[4]), ARGV[4])
end
return 1
`)

// moveScript moves due delayed messages into their priority's ready set,
// keeping the ready-at score.
//
// KEYS[1] delayed set, KEYS[2] priority index. ARGV[1] now ms,
// ARGV[2] batch, ARGV[3] key prefix. Returns the number moved.
var moveScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for i = 1, #due, 2 do
  local id, score = due[i], due[i + 1]
  redis.call('ZREM', KEYS[1], id)
  local prio = redis.call('HGET', ARGV[3] .. 'msg:' .. id, 'priority')
  if prio then
    redis.call('ZADD', ARGV[3] .. 'ready:' .. prio, score, id)
    redis.call('ZADD', KEYS[2], -tonumber(prio), prio)
    moved = moved + 1
  end
end
return moved
`)

// ackScript deletes a message and releases its token only if the token
// still names that message.
//
// KEYS[1] message hash, KEYS[2] token. ARGV[1] delivery id.
var ackScript = goredis.NewScript(`
redis.call('DEL', KEYS[1])
if redis.call('GET', KEYS[2]) == ARGV[1] then
  redis.call('DEL', KEYS[2])
end
return 1
`)

// removeScript withdraws whatever message holds a token.
//
// KEYS[1] token, KEYS[2] delayed set. ARGV[1] key prefix. Returns 1 if a
// message was removed.
var removeScript = goredis.NewScript(`
local held = redis.call('GET', KEYS[1])
if not held then
  return 0
end
redis.call('DEL', KEYS[1])
local msg = ARGV[1] .. 'msg:' .. held
local prio = redis.call('HGET', msg, 'priority')
redis.call('DEL', msg)
redis.call('ZREM', KEYS[2], held)
if prio then
  redis.call('ZREM', ARGV[1] .. 'ready:' .. prio, held)
end
return 1
`)
