package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redeemStatusNotFound int64 = 0
	redeemStatusExpired  int64 = 1
	redeemStatusReused   int64 = 2
	redeemStatusRotated  int64 = 3
	redeemStatusCorrupt  int64 = 4
)

// Records parse in Lua so the revoke-and-issue step stays a single atomic
// script. split mirrors the Go side of the codec; field order is fixed by
// encodeRecord.
const recordHelpers = `
local function split(s)
  local fields = {}
  local start = 1
  while true do
    local pos = string.find(s, "|", start, true)
    if not pos then
      fields[#fields + 1] = string.sub(s, start)
      break
    end
    fields[#fields + 1] = string.sub(s, start, pos - 1)
    start = pos + 1
  end
  return fields
end
`

const redeemScript = recordHelpers + `
local record_key = KEYS[1]
local next_key = KEYS[2]
local now_unix = tonumber(ARGV[1])
local next_ttl_ms = tonumber(ARGV[2])
local account_prefix = ARGV[3]
local next_id = ARGV[4]
local record_hash = ARGV[5]
local next_hash = ARGV[6]
local next_expires = ARGV[7]

local data = redis.call("GET", record_key)
if not data then
  return {0}
end

local f = split(data)
if #f ~= 9 or f[1] ~= "1" then
  return {4}
end

local account_key = account_prefix .. f[4]
local expires_at = tonumber(f[7])
if not expires_at then
  return {4}
end

if expires_at <= now_unix then
  redis.call("DEL", record_key)
  redis.call("SREM", account_key, record_hash)
  return {1}
end

if f[2] ~= "V" then
  return {2, f[4]}
end

local ttl = redis.call("PTTL", record_key)
if ttl <= 0 then
  redis.call("DEL", record_key)
  redis.call("SREM", account_key, record_hash)
  return {1}
end

local revoked = table.concat({f[1], "R", f[3], f[4], f[5], f[6], f[7], tostring(now_unix), next_id}, "|")
local next_record = table.concat({f[1], "V", next_id, f[4], f[5], tostring(now_unix), next_expires, "0", "-"}, "|")
redis.call("SET", record_key, revoked, "PX", ttl)
redis.call("SET", next_key, next_record, "PX", next_ttl_ms)
redis.call("SADD", account_key, next_hash)
local account_ttl = redis.call("PTTL", account_key)
if account_ttl < next_ttl_ms then
  redis.call("PEXPIRE", account_key, next_ttl_ms)
end

return {3, data}
`

var redeemLua = redis.NewScript(redeemScript)

const revokeScript = recordHelpers + `
local record_key = KEYS[1]
local now_unix = ARGV[1]

local data = redis.call("GET", record_key)
if not data then
  return {0}
end

local f = split(data)
if #f ~= 9 or f[1] ~= "1" then
  return {4}
end

if f[2] ~= "V" then
  return {2}
end

local ttl = redis.call("PTTL", record_key)
if ttl <= 0 then
  redis.call("DEL", record_key)
  return {0}
end

local revoked = table.concat({f[1], "R", f[3], f[4], f[5], f[6], f[7], now_unix, "-"}, "|")
redis.call("SET", record_key, revoked, "PX", ttl)
return {1}
`

var revokeLua = redis.NewScript(revokeScript)

const revokeAllScript = recordHelpers + `
local account_key = KEYS[1]
local record_prefix = ARGV[1]
local now_unix = ARGV[2]

local revoked = 0
for _, hash in ipairs(redis.call("SMEMBERS", account_key)) do
  local record_key = record_prefix .. hash
  local data = redis.call("GET", record_key)
  if not data then
    redis.call("SREM", account_key, hash)
  else
    local f = split(data)
    if #f == 9 and f[1] == "1" and f[2] == "V" then
      local ttl = redis.call("PTTL", record_key)
      if ttl > 0 then
        local updated = table.concat({f[1], "R", f[3], f[4], f[5], f[6], f[7], now_unix, "-"}, "|")
        redis.call("SET", record_key, updated, "PX", ttl)
        revoked = revoked + 1
      end
    end
  end
end
return revoked
`

var revokeAllLua = redis.NewScript(revokeAllScript)

const countActiveScript = recordHelpers + `
local account_key = KEYS[1]
local record_prefix = ARGV[1]
local now_unix = tonumber(ARGV[2])

local active = 0
for _, hash in ipairs(redis.call("SMEMBERS", account_key)) do
  local data = redis.call("GET", record_prefix .. hash)
  if not data then
    redis.call("SREM", account_key, hash)
  else
    local f = split(data)
    if #f == 9 and f[1] == "1" and f[2] == "V" then
      local expires_at = tonumber(f[7])
      if expires_at and expires_at > now_unix then
        active = active + 1
      end
    end
  end
end
return active
`

var countActiveLua = redis.NewScript(countActiveScript)

// RedisStore keeps refresh-token records in Redis. Records live under
// "<prefix>:<tenant>:<sha256 hash>" with a millisecond TTL; per-account sets
// under "<prefix>a:<tenant>:<account>" index the hashes so revocation can
// reach every outstanding token without a scan.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore wraps the given client. prefix defaults to "rt".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rt"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) recordKey(tenantID, hash string) string {
	return s.prefix + ":" + normalizeTenantID(tenantID) + ":" + hash
}

func (s *RedisStore) recordPrefix(tenantID string) string {
	return s.prefix + ":" + normalizeTenantID(tenantID) + ":"
}

func (s *RedisStore) accountKey(tenantID, accountID string) string {
	return s.prefix + "a:" + normalizeTenantID(tenantID) + ":" + accountID
}

func (s *RedisStore) accountPrefix(tenantID string) string {
	return s.prefix + "a:" + normalizeTenantID(tenantID) + ":"
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}

func (s *RedisStore) Issue(ctx context.Context, tenantID, accountID string, ttl time.Duration) (string, error) {
	if accountID == "" {
		return "", errors.New("refresh: account id required")
	}
	if ttl <= 0 {
		return "", errors.New("refresh: token lifetime must be positive")
	}

	raw, id, err := newRawToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	record := Record{
		ID:        id,
		AccountID: accountID,
		TenantID:  tenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	hash := hashToken(raw)

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(tenantID, hash), encodeRecord(record), ttl)
		pipe.SAdd(ctx, s.accountKey(tenantID, accountID), hash)
		pipe.Expire(ctx, s.accountKey(tenantID, accountID), ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return raw, nil
}

func (s *RedisStore) Redeem(ctx context.Context, tenantID, raw string, ttl time.Duration) (*Rotation, error) {
	if err := checkRawToken(raw); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, errors.New("refresh: token lifetime must be positive")
	}

	nextRaw, nextID, err := newRawToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	hash := hashToken(raw)
	nextHash := hashToken(nextRaw)
	expiresAt := now.Add(ttl)

	// The successor record inherits account and tenant from the record it
	// replaces, which only the script can read, so the script assembles it.
	result, err := redeemLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(tenantID, hash), s.recordKey(tenantID, nextHash)},
		now.Unix(),
		ttl.Milliseconds(),
		s.accountPrefix(tenantID),
		nextID,
		hash,
		nextHash,
		expiresAt.Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid redeem script response", ErrBackendUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid redeem script status", ErrBackendUnavailable)
	}

	switch code {
	case redeemStatusNotFound, redeemStatusExpired, redeemStatusCorrupt:
		return nil, ErrTokenInvalid
	case redeemStatusReused:
		accountID, _ := scriptString(parts, 1)
		return nil, &ReuseError{AccountID: accountID}
	case redeemStatusRotated:
		encoded, ok := scriptString(parts, 1)
		if !ok {
			return nil, fmt.Errorf("%w: missing redeemed record payload", ErrBackendUnavailable)
		}
		record, parseErr := parseRecord(encoded)
		if parseErr != nil {
			return nil, ErrTokenInvalid
		}
		return &Rotation{
			AccountID: record.AccountID,
			TenantID:  record.TenantID,
			Token:     nextRaw,
			ExpiresAt: expiresAt,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown redeem script status", ErrBackendUnavailable)
	}
}

func (s *RedisStore) Revoke(ctx context.Context, tenantID, raw string) error {
	if err := checkRawToken(raw); err != nil {
		return err
	}

	result, err := revokeLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(tenantID, hashToken(raw))},
		time.Now().Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return fmt.Errorf("%w: invalid revoke script response", ErrBackendUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return fmt.Errorf("%w: invalid revoke script status", ErrBackendUnavailable)
	}

	switch code {
	case redeemStatusNotFound, redeemStatusCorrupt:
		return ErrTokenInvalid
	default:
		// Revoked now or already revoked; both leave the token unusable.
		return nil
	}
}

func (s *RedisStore) RevokeAll(ctx context.Context, tenantID, accountID string) (int, error) {
	if accountID == "" {
		return 0, errors.New("refresh: account id required")
	}

	result, err := revokeAllLua.Run(
		ctx,
		s.redis,
		[]string{s.accountKey(tenantID, accountID)},
		s.recordPrefix(tenantID),
		time.Now().Unix(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	revoked, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: invalid revoke-all script response", ErrBackendUnavailable)
	}
	return int(revoked), nil
}

func (s *RedisStore) Active(ctx context.Context, tenantID, accountID string) (int, error) {
	result, err := countActiveLua.Run(
		ctx,
		s.redis,
		[]string{s.accountKey(tenantID, accountID)},
		s.recordPrefix(tenantID),
		time.Now().Unix(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	active, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: invalid count script response", ErrBackendUnavailable)
	}
	return int(active), nil
}

// Ping reports backend availability and round-trip latency.
func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return time.Since(start), nil
}

func scriptString(parts []interface{}, index int) (string, bool) {
	if len(parts) <= index {
		return "", false
	}
	switch v := parts[index].(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}
