package nativestore

import "github.com/redis/go-redis/v9"

// reserveRangeScript implements the protocol in spec §4.3
// reserveSymbolRange: HSETNX a pending marker "?:?"; the winner does
// HINCRBYFLOAT :cursor +size and writes "<lo>:<hi-1>"; a loser observes
// the marker still pending and the caller retries with backoff.
// Grounded on the teacher's scripts/apply_delta.lua Lua-counter idiom
// (cmd/workflow-runner/sdk/sdk.go ApplyDelta), generalized from a
// single counter to the lo/hi range-reservation protocol.
var reserveRangeScript = redis.NewScript(`
local hkey = KEYS[1]
local rangefield = ARGV[1]
local cursorfield = ARGV[2]
local size = tonumber(ARGV[3])

local existing = redis.call('HGET', hkey, rangefield)
if existing and existing ~= "?:?" then
  return existing
end

local won = redis.call('HSETNX', hkey, rangefield, "?:?")
if won == 0 then
  return "?:?"
end

local cursor = redis.call('HINCRBYFLOAT', hkey, cursorfield, size)
local hi = tonumber(cursor) - 1
local lo = hi - size + 1
local rng = tostring(lo) .. ":" .. tostring(hi)
redis.call('HSET', hkey, rangefield, rng)
return rng
`)

// collateScript performs an atomic HINCRBYFLOAT and returns the
// resulting value, matching spec §4.3 collate/setStatus semantics
// (duplicate delivery is safe because the caller compares the returned
// value against a target threshold, not because the script dedupes).
var collateScript = redis.NewScript(`
return redis.call('HINCRBYFLOAT', KEYS[1], ARGV[1], ARGV[2])
`)

// setStateNXScript sets the status semaphore only if it does not yet
// exist, returning 1 if this call created the job and 0 otherwise.
var setStateNXScript = redis.NewScript(`
local hkey = KEYS[1]
local existing = redis.call('HEXISTS', hkey, ':')
if existing == 1 then
  return 0
end
if ARGV[1] ~= "" then
  redis.call('HSET', hkey, ':', ARGV[1])
end
if ARGV[2] ~= "" then
  redis.call('HSET', hkey, 'metadata/app', ARGV[2])
end
if ARGV[3] ~= "" then
  redis.call('HSET', hkey, 'metadata/entity', ARGV[3])
end
return 1
`)
