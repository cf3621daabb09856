package coedit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Redis-backed coordinator. Every write primitive is one Lua script, so the
ordering observed by concurrent submitters is exactly the order redis
executes the scripts. Direct (non-scripted) reads are used only where strict
ordering is not required: presence listings, counters, and the global sets.

Pending slots are stored as `PENDING:<unix-millis>` where the suffix is the
commit deadline. Committed payloads are JSON and can never collide with the
sentinel prefix.

Key layout, namespaced by document id:
  <prefix>:<doc>:version            scalar V
  <prefix>:<doc>:persisted_version  scalar P
  <prefix>:<doc>:ops_hash           version -> payload | PENDING:<deadline>
  <prefix>:<doc>:ops_index          sorted set of versions
  <prefix>:<doc>:user_info          list of session records
global:
  <prefix>:active_rooms             set of document ids
  <prefix>:dirty_rooms              set of document ids with unpersisted commits
  <prefix>:sessionIdToRoomIdMapping sessionId -> document id
*/

const DefaultKeyPrefix = "coedit"

var initScript = redis.NewScript(`
local created = 0
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('SET', KEYS[1], 0)
	created = 1
end
if redis.call('EXISTS', KEYS[2]) == 0 then
	redis.call('SET', KEYS[2], 0)
end
redis.call('SADD', KEYS[3], ARGV[1])
return created
`)

var ensureMinScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
local p = tonumber(redis.call('GET', KEYS[2]) or '0')
if v < p then
	v = p
	redis.call('SET', KEYS[1], v)
end
return v
`)

var reserveScript = redis.NewScript(`
local p = tonumber(redis.call('GET', KEYS[2]) or '0')
local client = tonumber(ARGV[1])
if client < p then
	return {1, p, 0, {}}
end
local v = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[3], tostring(v), 'PENDING:' .. ARGV[2])
redis.call('ZADD', KEYS[4], v, tostring(v))
redis.call('SADD', KEYS[5], ARGV[3])
local ops = {}
for i = client + 1, v - 1 do
	local payload = redis.call('HGET', KEYS[3], tostring(i))
	if (not payload) or (string.sub(payload, 1, 8) == 'PENDING:') then
		break
	end
	ops[#ops + 1] = payload
end
return {0, p, v, ops}
`)

var commitScript = redis.NewScript(`
local p = tonumber(redis.call('GET', KEYS[1]) or '0')
local v = tonumber(ARGV[1])
for i = p + 1, v - 1 do
	local payload = redis.call('HGET', KEYS[2], tostring(i))
	if not payload then
		return 'GAP_BEFORE'
	end
	if string.sub(payload, 1, 8) == 'PENDING:' then
		return 'PENDING_BEFORE'
	end
end
local slot = redis.call('HGET', KEYS[2], tostring(v))
if (not slot) or (string.sub(slot, 1, 8) ~= 'PENDING:') then
	return 'VERSION_CONFLICT'
end
redis.call('HSET', KEYS[2], tostring(v), ARGV[2])
redis.call('SADD', KEYS[3], ARGV[3])
return 'OK'
`)

var abandonScript = redis.NewScript(`
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
local top = tonumber(redis.call('GET', KEYS[2]) or '0')
local last = redis.call('ZRANGE', KEYS[4], -1, -1)
if last[1] then
	local lastVersion = tonumber(last[1])
	if top < lastVersion then
		top = lastVersion
	end
end
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if top < v then
	redis.call('SET', KEYS[1], top)
end
return 1
`)

var getPendingScript = redis.NewScript(`
local p = tonumber(redis.call('GET', KEYS[2]) or '0')
local client = tonumber(ARGV[1])
if client < p then
	return {1, p + 1, {}}
end
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
local ops = {}
for i = client + 1, v do
	local payload = redis.call('HGET', KEYS[3], tostring(i))
	if (not payload) or (string.sub(payload, 1, 8) == 'PENDING:') then
		break
	end
	ops[#ops + 1] = payload
end
return {0, p + 1, ops}
`)

var saveCleanupScript = redis.NewScript(`
local saved = tonumber(ARGV[1])
local p = tonumber(redis.call('GET', KEYS[2]) or '0')
if p < saved then
	redis.call('SET', KEYS[2], saved)
	p = saved
end
local versions = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[1])
for _, m in ipairs(versions) do
	redis.call('HDEL', KEYS[3], m)
	redis.call('ZREM', KEYS[4], m)
end
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= p then
	redis.call('SREM', KEYS[5], ARGV[2])
end
return 1
`)

var pendingSlotsScript = redis.NewScript(`
local pending = {}
local versions = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, m in ipairs(versions) do
	local payload = redis.call('HGET', KEYS[1], m)
	if payload and string.sub(payload, 1, 8) == 'PENDING:' then
		pending[#pending + 1] = m
	end
end
return pending
`)

var expiredPendingScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = {}
local versions = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, m in ipairs(versions) do
	local payload = redis.call('HGET', KEYS[1], m)
	if payload and string.sub(payload, 1, 8) == 'PENDING:' then
		local deadline = tonumber(string.sub(payload, 9))
		if deadline and deadline < now then
			expired[#expired + 1] = m
		end
	end
end
return expired
`)

var addSessionScript = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[3], ARGV[2])
return 1
`)

var removeSessionScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
for i = 0, n - 1 do
	local raw = redis.call('LINDEX', KEYS[1], i)
	local record = cjson.decode(raw)
	if record.sessionId == ARGV[1] then
		redis.call('LREM', KEYS[1], 1, raw)
		redis.call('HDEL', KEYS[2], ARGV[1])
		return 1
	end
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 0
`)

var touchSessionScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
for i = 0, n - 1 do
	local raw = redis.call('LINDEX', KEYS[1], i)
	local record = cjson.decode(raw)
	if record.userName == ARGV[1] then
		if ARGV[2] == '1' then record.lastHeartbeat = ARGV[5] end
		if ARGV[3] == '1' then record.lastAction = ARGV[5] end
		if ARGV[4] == '1' then record.lastSave = ARGV[5] end
		redis.call('LSET', KEYS[1], i, cjson.encode(record))
	end
end
return 1
`)

var deleteLedgerScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[5])
for i = 0, n - 1 do
	local record = cjson.decode(redis.call('LINDEX', KEYS[5], i))
	redis.call('HDEL', KEYS[8], record.sessionId)
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5])
redis.call('SREM', KEYS[6], ARGV[1])
redis.call('SREM', KEYS[7], ARGV[1])
return 1
`)

type RedisCoordinator struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCoordinator(client redis.UniversalClient) *RedisCoordinator {
	return NewRedisCoordinatorWithPrefix(client, DefaultKeyPrefix)
}

func NewRedisCoordinatorWithPrefix(client redis.UniversalClient, prefix string) *RedisCoordinator {
	return &RedisCoordinator{
		client: client,
		prefix: prefix,
	}
}

func (self *RedisCoordinator) key(doc string, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", self.prefix, doc, suffix)
}

func (self *RedisCoordinator) versionKey(doc string) string {
	return self.key(doc, "version")
}

func (self *RedisCoordinator) persistedKey(doc string) string {
	return self.key(doc, "persisted_version")
}

func (self *RedisCoordinator) opsHashKey(doc string) string {
	return self.key(doc, "ops_hash")
}

func (self *RedisCoordinator) opsIndexKey(doc string) string {
	return self.key(doc, "ops_index")
}

func (self *RedisCoordinator) userInfoKey(doc string) string {
	return self.key(doc, "user_info")
}

func (self *RedisCoordinator) activeRoomsKey() string {
	return self.prefix + ":active_rooms"
}

func (self *RedisCoordinator) dirtyRoomsKey() string {
	return self.prefix + ":dirty_rooms"
}

func (self *RedisCoordinator) sessionRoomsKey() string {
	return self.prefix + ":sessionIdToRoomIdMapping"
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (self *RedisCoordinator) Init(ctx context.Context, doc string) (bool, error) {
	created, err := initScript.Run(
		ctx,
		self.client,
		[]string{self.versionKey(doc), self.persistedKey(doc), self.activeRoomsKey()},
		doc,
	).Int64()
	if err != nil {
		return false, storeErr(err)
	}
	return created == 1, nil
}

func (self *RedisCoordinator) EnsureMin(ctx context.Context, doc string) (int64, error) {
	version, err := ensureMinScript.Run(
		ctx,
		self.client,
		[]string{self.versionKey(doc), self.persistedKey(doc)},
	).Int64()
	if err != nil {
		return 0, storeErr(err)
	}
	return version, nil
}

func (self *RedisCoordinator) Reserve(ctx context.Context, doc string, clientVersion int64, deadline time.Time) (*ReserveResult, error) {
	raw, err := reserveScript.Run(
		ctx,
		self.client,
		[]string{
			self.versionKey(doc),
			self.persistedKey(doc),
			self.opsHashKey(doc),
			self.opsIndexKey(doc),
			self.activeRoomsKey(),
		},
		clientVersion,
		deadline.UnixMilli(),
		doc,
	).Result()
	if err != nil {
		return nil, storeErr(err)
	}

	fields, ok := raw.([]any)
	if !ok || len(fields) < 4 {
		return nil, fmt.Errorf("unexpected reserve reply: %v", raw)
	}
	result := &ReserveResult{
		Stale:            asInt64(fields[0]) == 1,
		PersistedVersion: asInt64(fields[1]),
		NewVersion:       asInt64(fields[2]),
		PriorOps:         asPayloads(fields[3]),
	}
	return result, nil
}

func (self *RedisCoordinator) Commit(ctx context.Context, doc string, version int64, payload []byte) (CommitStatus, error) {
	status, err := commitScript.Run(
		ctx,
		self.client,
		[]string{self.persistedKey(doc), self.opsHashKey(doc), self.dirtyRoomsKey()},
		version,
		string(payload),
		doc,
	).Text()
	if err != nil {
		return CommitVersionConflict, storeErr(err)
	}
	switch status {
	case "OK":
		return CommitOk, nil
	case "GAP_BEFORE":
		return CommitGapBefore, nil
	case "PENDING_BEFORE":
		return CommitPendingBefore, nil
	default:
		return CommitVersionConflict, nil
	}
}

func (self *RedisCoordinator) Abandon(ctx context.Context, doc string, version int64) error {
	err := abandonScript.Run(
		ctx,
		self.client,
		[]string{
			self.versionKey(doc),
			self.persistedKey(doc),
			self.opsHashKey(doc),
			self.opsIndexKey(doc),
		},
		version,
	).Err()
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (self *RedisCoordinator) GetPending(ctx context.Context, doc string, clientVersion int64) (*PendingResult, error) {
	raw, err := getPendingScript.Run(
		ctx,
		self.client,
		[]string{self.versionKey(doc), self.persistedKey(doc), self.opsHashKey(doc)},
		clientVersion,
	).Result()
	if err != nil {
		return nil, storeErr(err)
	}

	fields, ok := raw.([]any)
	if !ok || len(fields) < 3 {
		return nil, fmt.Errorf("unexpected get-pending reply: %v", raw)
	}
	return &PendingResult{
		Resync:      asInt64(fields[0]) == 1,
		WindowStart: asInt64(fields[1]),
		Ops:         asPayloads(fields[2]),
	}, nil
}

func (self *RedisCoordinator) SaveCleanup(ctx context.Context, doc string, savedVersion int64) error {
	err := saveCleanupScript.Run(
		ctx,
		self.client,
		[]string{
			self.versionKey(doc),
			self.persistedKey(doc),
			self.opsHashKey(doc),
			self.opsIndexKey(doc),
			self.dirtyRoomsKey(),
		},
		savedVersion,
		doc,
	).Err()
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (self *RedisCoordinator) Version(ctx context.Context, doc string) (int64, error) {
	return self.readCounter(ctx, self.versionKey(doc))
}

func (self *RedisCoordinator) PersistedVersion(ctx context.Context, doc string) (int64, error) {
	return self.readCounter(ctx, self.persistedKey(doc))
}

func (self *RedisCoordinator) readCounter(ctx context.Context, key string) (int64, error) {
	value, err := self.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr(err)
	}
	counter, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return counter, nil
}

func (self *RedisCoordinator) SlotCount(ctx context.Context, doc string) (int64, error) {
	count, err := self.client.ZCard(ctx, self.opsIndexKey(doc)).Result()
	if err != nil {
		return 0, storeErr(err)
	}
	return count, nil
}

func (self *RedisCoordinator) PendingSlots(ctx context.Context, doc string) ([]int64, error) {
	raw, err := pendingSlotsScript.Run(
		ctx,
		self.client,
		[]string{self.opsHashKey(doc), self.opsIndexKey(doc)},
	).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	fields, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected pending-slots reply: %v", raw)
	}
	versions := make([]int64, 0, len(fields))
	for _, field := range fields {
		versions = append(versions, asInt64(field))
	}
	return versions, nil
}

func (self *RedisCoordinator) ExpiredPending(ctx context.Context, doc string, now time.Time) ([]int64, error) {
	raw, err := expiredPendingScript.Run(
		ctx,
		self.client,
		[]string{self.opsHashKey(doc), self.opsIndexKey(doc)},
		now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	fields, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected expired-pending reply: %v", raw)
	}
	versions := make([]int64, 0, len(fields))
	for _, field := range fields {
		versions = append(versions, asInt64(field))
	}
	return versions, nil
}

func (self *RedisCoordinator) DeleteLedger(ctx context.Context, doc string) error {
	err := deleteLedgerScript.Run(
		ctx,
		self.client,
		[]string{
			self.versionKey(doc),
			self.persistedKey(doc),
			self.opsHashKey(doc),
			self.opsIndexKey(doc),
			self.userInfoKey(doc),
			self.activeRoomsKey(),
			self.dirtyRoomsKey(),
			self.sessionRoomsKey(),
		},
		doc,
	).Err()
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (self *RedisCoordinator) AddSession(ctx context.Context, doc string, sessionId string, userName string) error {
	now := time.Now().UTC()
	record, err := json.Marshal(&SessionInfo{
		SessionId:     sessionId,
		UserName:      userName,
		LastHeartbeat: now,
		LastAction:    now,
	})
	if err != nil {
		return err
	}
	err = addSessionScript.Run(
		ctx,
		self.client,
		[]string{self.userInfoKey(doc), self.activeRoomsKey(), self.sessionRoomsKey()},
		string(record),
		doc,
		sessionId,
	).Err()
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (self *RedisCoordinator) RemoveSession(ctx context.Context, doc string, sessionId string) (bool, error) {
	removed, err := removeSessionScript.Run(
		ctx,
		self.client,
		[]string{self.userInfoKey(doc), self.sessionRoomsKey()},
		sessionId,
	).Int64()
	if err != nil {
		return false, storeErr(err)
	}
	return removed == 1, nil
}

func (self *RedisCoordinator) TouchSession(ctx context.Context, doc string, userName string, touch Touch) error {
	flag := func(set bool) string {
		if set {
			return "1"
		}
		return "0"
	}
	err := touchSessionScript.Run(
		ctx,
		self.client,
		[]string{self.userInfoKey(doc)},
		userName,
		flag(touch.Heartbeat),
		flag(touch.Action),
		flag(touch.Save),
		time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (self *RedisCoordinator) ListSessions(ctx context.Context, doc string) ([]*SessionInfo, error) {
	records, err := self.client.LRange(ctx, self.userInfoKey(doc), 0, -1).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	sessions := make([]*SessionInfo, 0, len(records))
	for _, record := range records {
		session := &SessionInfo{}
		if err := json.Unmarshal([]byte(record), session); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (self *RedisCoordinator) SessionDocument(ctx context.Context, sessionId string) (string, error) {
	doc, err := self.client.HGet(ctx, self.sessionRoomsKey(), sessionId).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", storeErr(err)
	}
	return doc, nil
}

func (self *RedisCoordinator) ActiveDocuments(ctx context.Context) ([]string, error) {
	docs, err := self.client.SMembers(ctx, self.activeRoomsKey()).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	return docs, nil
}

func (self *RedisCoordinator) DirtyDocuments(ctx context.Context) ([]string, error) {
	docs, err := self.client.SMembers(ctx, self.dirtyRoomsKey()).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	return docs, nil
}

func asInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case string:
		parsed, _ := strconv.ParseInt(v, 10, 64)
		return parsed
	default:
		return 0
	}
}

func asPayloads(value any) [][]byte {
	fields, ok := value.([]any)
	if !ok {
		return [][]byte{}
	}
	payloads := make([][]byte, 0, len(fields))
	for _, field := range fields {
		if s, ok := field.(string); ok {
			payloads = append(payloads, []byte(s))
		}
	}
	return payloads
}
