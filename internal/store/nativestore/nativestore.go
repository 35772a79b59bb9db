// Package nativestore is the Redis-backed Store implementation, the
// "native stream+hash store" of spec §4.3. Grounded on the teacher's
// common/redis/client.go (Client/Transaction/Pipeline wrapper) and
// cmd/workflow-runner/sdk/sdk.go (Lua-script-backed idempotent
// counters).
package nativestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/merrs"
	"github.com/lyzr/meshflow/internal/store"
)

// Store is the Redis-backed Store.
type Store struct {
	rdb    *redis.Client
	minter *keyminter.Minter
	log    *logger.Logger
}

// New wraps an existing *redis.Client.
func New(rdb *redis.Client, minter *keyminter.Minter, log *logger.Logger) *Store {
	return &Store{rdb: rdb, minter: minter, log: log}
}

// pipeTx adapts a redis.Pipeliner into store.Transaction.
type pipeTx struct {
	pipe redis.Pipeliner
	ctx  context.Context
}

func (t *pipeTx) Commit(ctx context.Context) error {
	_, err := t.pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return &merrs.StorageError{Op: "transaction.commit", Err: err}
	}
	return nil
}

func (t *pipeTx) Discard() { t.pipe.Discard() }

// NewTransaction starts a Redis TxPipeline-backed transaction.
func (s *Store) NewTransaction(ctx context.Context) store.Transaction {
	return &pipeTx{pipe: s.rdb.TxPipeline(), ctx: ctx}
}

func pipeOf(tx store.Transaction) redis.Pipeliner {
	if pt, ok := tx.(*pipeTx); ok {
		return pt.pipe
	}
	return nil
}

func (s *Store) GetApp(ctx context.Context, appID string) (*store.App, error) {
	key := s.minter.AppKey(appID)
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &merrs.StorageError{Op: "GetApp", Err: err}
	}
	if len(vals) == 0 {
		return nil, &merrs.NotFoundError{JobID: appID}
	}
	app := &store.App{ID: appID, Versions: make(map[string]string)}
	for k, v := range vals {
		switch {
		case k == "active":
			app.Active = v == "true"
		case k == "version":
			app.Version = v
		case strings.HasPrefix(k, "versions/"):
			app.Versions[strings.TrimPrefix(k, "versions/")] = v
		}
	}
	return app, nil
}

func (s *Store) SetApp(ctx context.Context, app *store.App, tx store.Transaction) error {
	key := s.minter.AppKey(app.ID)
	fields := map[string]interface{}{
		"active":  strconv.FormatBool(app.Active),
		"version": app.Version,
	}
	for v, status := range app.Versions {
		fields["versions/"+v] = status
	}
	if pipe := pipeOf(tx); pipe != nil {
		pipe.HSet(ctx, key, fields)
		return nil
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return &merrs.StorageError{Op: "SetApp", Err: err}
	}
	return nil
}

func (s *Store) ActivateAppVersion(ctx context.Context, appID, version string) error {
	key := s.minter.AppKey(appID)
	exists, err := s.rdb.HExists(ctx, key, "versions/"+version).Result()
	if err != nil {
		return &merrs.StorageError{Op: "ActivateAppVersion", Err: err}
	}
	if !exists {
		return &merrs.ActivationError{AppID: appID, Version: version, Reason: "version not deployed"}
	}
	if err := s.rdb.HSet(ctx, key, map[string]interface{}{
		"active":  "true",
		"version": version,
	}).Err(); err != nil {
		return &merrs.StorageError{Op: "ActivateAppVersion", Err: err}
	}
	return nil
}

func (s *Store) ReserveScoutRole(ctx context.Context, kind string, ttlSec int) (bool, error) {
	key := s.minter.Mint(keyminter.Hotmesh, "scout", kind)
	ok, err := s.rdb.SetNX(ctx, key, "1", time.Duration(ttlSec)*time.Second).Result()
	if err != nil {
		return false, &merrs.StorageError{Op: "ReserveScoutRole", Err: err}
	}
	return ok, nil
}

func (s *Store) ReserveSymbolRange(ctx context.Context, target string, size int, kind string) (int, int, bool, error) {
	key := s.minter.Mint(keyminter.SymKeys, "ranges")
	rangeField := kind + ":" + target + ":range"
	cursorField := kind + ":" + target + ":cursor"

	prior, err := s.rdb.HExists(ctx, key, rangeField).Result()
	if err != nil {
		return 0, 0, false, &merrs.StorageError{Op: "ReserveSymbolRange", Err: err}
	}

	const maxAttempts = 5
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := reserveRangeScript.Run(ctx, s.rdb, []string{key}, rangeField, cursorField, size).Text()
		if err != nil {
			return 0, 0, false, &merrs.StorageError{Op: "ReserveSymbolRange", Err: err}
		}
		if res == "?:?" {
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		parts := strings.SplitN(res, ":", 2)
		if len(parts) != 2 {
			return 0, 0, false, fmt.Errorf("nativestore: malformed range %q", res)
		}
		lo, _ := strconv.Atoi(parts[0])
		hi, _ := strconv.Atoi(parts[1])
		// The range already existed if it was present before this call or
		// another caller held the pending marker on an earlier attempt.
		wasExisting := prior || attempt > 0
		return lo, hi, wasExisting, nil
	}
	return 0, 0, false, &merrs.SymbolContentionError{Target: target, Retries: maxAttempts}
}

func (s *Store) GetSymbols(ctx context.Context, scopeKey string) (map[string]string, error) {
	key := s.minter.Mint(keyminter.SymKeys, scopeKey)
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &merrs.StorageError{Op: "GetSymbols", Err: err}
	}
	return m, nil
}

func (s *Store) AddSymbols(ctx context.Context, scopeKey string, symbols map[string]string, tx store.Transaction) error {
	key := s.minter.Mint(keyminter.SymKeys, scopeKey)
	fields := make(map[string]interface{}, len(symbols))
	for k, v := range symbols {
		fields[k] = v
	}
	if pipe := pipeOf(tx); pipe != nil {
		pipe.HSet(ctx, key, fields)
		return nil
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return &merrs.StorageError{Op: "AddSymbols", Err: err}
	}
	return nil
}

func (s *Store) GetSymbolValues(ctx context.Context, appID string) (map[string]string, error) {
	key := s.minter.SymValsKey(appID)
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &merrs.StorageError{Op: "GetSymbolValues", Err: err}
	}
	return m, nil
}

func (s *Store) AddSymbolValues(ctx context.Context, appID string, values map[string]string, tx store.Transaction) error {
	key := s.minter.SymValsKey(appID)
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}
	if pipe := pipeOf(tx); pipe != nil {
		pipe.HSet(ctx, key, fields)
		return nil
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return &merrs.StorageError{Op: "AddSymbolValues", Err: err}
	}
	return nil
}

func (s *Store) GetSymbolKeys(ctx context.Context, scopeKey string) ([]string, error) {
	m, err := s.GetSymbols(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) GetAllSymbols(ctx context.Context, _ string, scopeKeys []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(scopeKeys))
	for _, sk := range scopeKeys {
		m, err := s.GetSymbols(ctx, sk)
		if err != nil {
			return nil, err
		}
		out[sk] = m
	}
	return out, nil
}

func (s *Store) SetState(ctx context.Context, jobID string, flat map[string]string, status *float64, tx store.Transaction) error {
	key := s.minter.Mint(keyminter.JobState, jobID)
	fields := make(map[string]interface{}, len(flat)+1)
	for k, v := range flat {
		fields[k] = v
	}
	if status != nil {
		fields[":"] = strconv.FormatFloat(*status, 'f', -1, 64)
	}
	if pipe := pipeOf(tx); pipe != nil {
		pipe.HSet(ctx, key, fields)
		return nil
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return &merrs.StorageError{Op: "SetState", Err: err}
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, jobID string, fields []string) (map[string]string, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	vals, err := s.rdb.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, &merrs.StorageError{Op: "GetState", Err: err}
	}
	out := make(map[string]string)
	anyPresent := false
	for i, v := range vals {
		if v == nil {
			continue
		}
		out[fields[i]] = v.(string)
		anyPresent = true
	}
	if !anyPresent {
		exists, err := s.rdb.HExists(ctx, key, ":").Result()
		if err != nil {
			return nil, &merrs.StorageError{Op: "GetState", Err: err}
		}
		if !exists {
			return nil, &merrs.NotFoundError{JobID: jobID}
		}
	}
	return out, nil
}

func (s *Store) GetQueryState(ctx context.Context, jobID string, fields []string) (map[string]string, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	qualified := make([]string, len(fields))
	for i, f := range fields {
		if strings.HasPrefix(f, "_") {
			qualified[i] = f
		} else {
			qualified[i] = "_" + f
		}
	}
	vals, err := s.rdb.HMGet(ctx, key, qualified...).Result()
	if err != nil {
		return nil, &merrs.StorageError{Op: "GetQueryState", Err: err}
	}
	out := make(map[string]string)
	for i, v := range vals {
		if v != nil {
			out[fields[i]] = v.(string)
		}
	}
	return out, nil
}

func (s *Store) Collate(ctx context.Context, jobID, activityID string, delta float64, dIDs []string) (float64, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	field := activityID + "/output/metadata/as"
	if len(dIDs) > 0 {
		field += "," + strings.Join(dIDs, ",")
	}
	res, err := collateScript.Run(ctx, s.rdb, []string{key}, field, delta).Float64()
	if err != nil {
		return 0, &merrs.StorageError{Op: "Collate", Err: err}
	}
	return res, nil
}

func (s *Store) CollateSynthetic(ctx context.Context, jobID, guid string, delta float64) (float64, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	field := "~" + guid
	res, err := collateScript.Run(ctx, s.rdb, []string{key}, field, delta).Float64()
	if err != nil {
		return 0, &merrs.StorageError{Op: "CollateSynthetic", Err: err}
	}
	return res, nil
}

func (s *Store) SetStatus(ctx context.Context, jobID string, delta float64) (float64, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	v, err := s.rdb.HIncrByFloat(ctx, key, ":", delta).Result()
	if err != nil {
		return 0, &merrs.StorageError{Op: "SetStatus", Err: err}
	}
	return v, nil
}

func (s *Store) SetStateNX(ctx context.Context, jobID, appID string, status *float64, entity string) (bool, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	statusStr := ""
	if status != nil {
		statusStr = strconv.FormatFloat(*status, 'f', -1, 64)
	}
	res, err := setStateNXScript.Run(ctx, s.rdb, []string{key}, statusStr, appID, entity).Int()
	if err != nil {
		return false, &merrs.StorageError{Op: "SetStateNX", Err: err}
	}
	return res == 1, nil
}

func (s *Store) SetSchemas(ctx context.Context, appID string, schemas map[string]string, tx store.Transaction) error {
	return s.hsetMap(ctx, s.minter.Mint(keyminter.Schemas, appID), schemas, tx, "SetSchemas")
}

func (s *Store) GetSchemas(ctx context.Context, appID string) (map[string]string, error) {
	return s.hgetAll(ctx, s.minter.Mint(keyminter.Schemas, appID), "GetSchemas")
}

func (s *Store) SetSubscriptions(ctx context.Context, appID string, subs map[string]string, tx store.Transaction) error {
	return s.hsetMap(ctx, s.minter.Mint(keyminter.Subscriptions, appID), subs, tx, "SetSubscriptions")
}

func (s *Store) GetSubscriptions(ctx context.Context, appID string) (map[string]string, error) {
	return s.hgetAll(ctx, s.minter.Mint(keyminter.Subscriptions, appID), "GetSubscriptions")
}

func (s *Store) GetSubscription(ctx context.Context, appID, topic string) (string, bool, error) {
	key := s.minter.Mint(keyminter.Subscriptions, appID)
	v, err := s.rdb.HGet(ctx, key, topic).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &merrs.StorageError{Op: "GetSubscription", Err: err}
	}
	return v, true, nil
}

func (s *Store) SetTransitions(ctx context.Context, appID string, transitions map[string]string, tx store.Transaction) error {
	key := s.minter.Mint(keyminter.Subscriptions, appID, "transitions")
	return s.hsetMap(ctx, key, transitions, tx, "SetTransitions")
}

func (s *Store) GetTransitions(ctx context.Context, appID string) (map[string]string, error) {
	key := s.minter.Mint(keyminter.Subscriptions, appID, "transitions")
	return s.hgetAll(ctx, key, "GetTransitions")
}

func (s *Store) SetHookRules(ctx context.Context, appID string, rules map[string]string, tx store.Transaction) error {
	return s.hsetMap(ctx, s.minter.Mint(keyminter.Hooks, appID), rules, tx, "SetHookRules")
}

func (s *Store) GetHookRules(ctx context.Context, appID string) (map[string]string, error) {
	return s.hgetAll(ctx, s.minter.Mint(keyminter.Hooks, appID), "GetHookRules")
}

func (s *Store) SetHookSignal(ctx context.Context, signalKey, jobID string) error {
	key := s.minter.Mint(keyminter.Signals, signalKey)
	if err := s.rdb.Set(ctx, key, jobID, 0).Err(); err != nil {
		return &merrs.StorageError{Op: "SetHookSignal", Err: err}
	}
	return nil
}

func (s *Store) GetHookSignal(ctx context.Context, signalKey string) (string, bool, error) {
	key := s.minter.Mint(keyminter.Signals, signalKey)
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &merrs.StorageError{Op: "GetHookSignal", Err: err}
	}
	return v, true, nil
}

func (s *Store) DeleteHookSignal(ctx context.Context, signalKey string) error {
	key := s.minter.Mint(keyminter.Signals, signalKey)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return &merrs.StorageError{Op: "DeleteHookSignal", Err: err}
	}
	return nil
}

func (s *Store) AddTaskQueues(ctx context.Context, keys []string, score float64) error {
	key := s.minter.Mint(keyminter.WorkItems, "global")
	members := make([]redis.Z, len(keys))
	for i, k := range keys {
		members[i] = redis.Z{Score: score, Member: k}
	}
	if err := s.rdb.ZAddNX(ctx, key, members...).Err(); err != nil {
		return &merrs.StorageError{Op: "AddTaskQueues", Err: err}
	}
	return nil
}

func (s *Store) GetActiveTaskQueue(ctx context.Context, appID string) (string, bool, error) {
	key := s.minter.Mint(keyminter.WorkItems, appID, "active")
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &merrs.StorageError{Op: "GetActiveTaskQueue", Err: err}
	}
	return v, true, nil
}

func (s *Store) ProcessTaskQueue(ctx context.Context, src, dst string) (string, bool, error) {
	v, err := s.rdb.LMove(ctx, src, dst, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &merrs.StorageError{Op: "ProcessTaskQueue", Err: err}
	}
	return v, true, nil
}

func (s *Store) DeleteProcessedTaskQueue(ctx context.Context, item, key, procKey string, scrub bool) error {
	zkey := s.minter.Mint(keyminter.WorkItems, "global")
	if err := s.rdb.ZRem(ctx, zkey, item).Err(); err != nil {
		return &merrs.StorageError{Op: "DeleteProcessedTaskQueue", Err: err}
	}
	if scrub {
		if err := s.rdb.Del(ctx, procKey).Err(); err != nil {
			return &merrs.StorageError{Op: "DeleteProcessedTaskQueue", Err: err}
		}
	} else {
		if err := s.rdb.Rename(ctx, procKey, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return &merrs.StorageError{Op: "DeleteProcessedTaskQueue", Err: err}
		}
	}
	return nil
}

func (s *Store) RegisterTimeHook(ctx context.Context, appID, jobID, gID, activityID, taskType string, tAt int64, dad bool, tx store.Transaction) error {
	bucket := s.minter.TimeRangeKey(appID, strconv.FormatInt(tAt, 10))
	task := strings.Join([]string{taskType, activityID, gID, jobID}, "|")

	pipe := pipeOf(tx)
	inTx := pipe != nil
	if !inTx {
		pipe = s.rdb.TxPipeline()
	}

	lenCmd := pipe.LLen(ctx, bucket)
	pipe.RPush(ctx, bucket, task)

	if !inTx {
		if _, err := pipe.Exec(ctx); err != nil {
			return &merrs.StorageError{Op: "RegisterTimeHook", Err: err}
		}
		if lenCmd.Val() == 0 {
			idxKey := s.minter.WorkItemsKey(appID)
			if err := s.rdb.ZAdd(ctx, idxKey, redis.Z{Score: float64(tAt), Member: bucket}).Err(); err != nil {
				return &merrs.StorageError{Op: "RegisterTimeHook", Err: err}
			}
		}
		return nil
	}
	// Inside a caller-provided transaction, always index: the caller is
	// responsible for overall atomicity and first-RPUSH detection isn't
	// observable until commit.
	idxKey := s.minter.WorkItemsKey(appID)
	pipe.ZAdd(ctx, idxKey, redis.Z{Score: float64(tAt), Member: bucket})
	return nil
}

func (s *Store) GetNextTask(ctx context.Context, appID string, listKey string) (string, string, string, string, string, bool, error) {
	idxKey := s.minter.WorkItemsKey(appID)
	key := listKey
	if key == "" {
		now := float64(time.Now().UnixMilli())
		res, err := s.rdb.ZRangeByScoreWithScores(ctx, idxKey, &redis.ZRangeBy{
			Min: "0", Max: strconv.FormatFloat(now, 'f', -1, 64), Offset: 0, Count: 1,
		}).Result()
		if err != nil {
			return "", "", "", "", "", false, &merrs.StorageError{Op: "GetNextTask", Err: err}
		}
		if len(res) == 0 {
			return "", "", "", "", "", false, nil
		}
		key = res[0].Member.(string)
	}

	item, err := s.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		s.rdb.ZRem(ctx, idxKey, key)
		return key, "", "", "", "", true, nil
	}
	if err != nil {
		return "", "", "", "", "", false, &merrs.StorageError{Op: "GetNextTask", Err: err}
	}
	parts := strings.SplitN(item, "|", 4)
	if len(parts) != 4 {
		return key, "", "", "", "", true, fmt.Errorf("nativestore: malformed task item %q", item)
	}
	return key, parts[3], parts[2], parts[1], parts[0], true, nil
}

func (s *Store) Interrupt(ctx context.Context, topic, jobID string, opts store.InterruptOptions) error {
	key := s.minter.Mint(keyminter.JobState, jobID)
	cur, err := s.rdb.HGet(ctx, key, ":").Float64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return &merrs.StorageError{Op: "Interrupt", Err: err}
	}
	if cur <= 0 {
		if opts.Suppress {
			return nil
		}
		return &merrs.InterruptConflictError{JobID: jobID}
	}
	if err := s.rdb.HIncrByFloat(ctx, key, ":", -1_000_000_000).Err(); err != nil {
		return &merrs.StorageError{Op: "Interrupt", Err: err}
	}
	if opts.Throw {
		errRecord := fmt.Sprintf(`{"code":410,"message":"interrupted","topic":%q,"job_id":%q}`, topic, jobID)
		if err := s.rdb.HSet(ctx, key, "metadata/err", errRecord).Err(); err != nil {
			return &merrs.StorageError{Op: "Interrupt", Err: err}
		}
	}
	return nil
}

func (s *Store) Scrub(ctx context.Context, jobID string) error {
	key := s.minter.Mint(keyminter.JobState, jobID)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return &merrs.StorageError{Op: "Scrub", Err: err}
	}
	return nil
}

func (s *Store) FindJobs(ctx context.Context, pattern string, limit int, cursor uint64) (uint64, []string, error) {
	keyPattern := s.minter.Mint(keyminter.JobState, pattern)
	keys, next, err := s.rdb.Scan(ctx, cursor, keyPattern, int64(limit)).Result()
	if err != nil {
		return 0, nil, &merrs.StorageError{Op: "FindJobs", Err: err}
	}
	return next, keys, nil
}

func (s *Store) SetThrottleRate(ctx context.Context, appID, topic string, rateMs int) error {
	key := s.minter.ThrottleRateKey(appID, "")
	field := topic
	if field == "" {
		field = "*"
	}
	if err := s.rdb.HSet(ctx, key, field, strconv.Itoa(store.ClampThrottle(rateMs))).Err(); err != nil {
		return &merrs.StorageError{Op: "SetThrottleRate", Err: err}
	}
	return nil
}

func (s *Store) GetThrottleRates(ctx context.Context, appID string) (map[string]int, error) {
	key := s.minter.ThrottleRateKey(appID, "")
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &merrs.StorageError{Op: "GetThrottleRates", Err: err}
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		n, _ := strconv.Atoi(v)
		out[k] = n
	}
	return out, nil
}

func (s *Store) GetThrottleRate(ctx context.Context, appID, topic string) (int, error) {
	key := s.minter.ThrottleRateKey(appID, "")
	v, err := s.rdb.HGet(ctx, key, topic).Result()
	if errors.Is(err, redis.Nil) {
		v, err = s.rdb.HGet(ctx, key, "*").Result()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
	}
	if err != nil {
		return 0, &merrs.StorageError{Op: "GetThrottleRate", Err: err}
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

func statBucketKeyType(bucket store.StatBucket) keyminter.KeyType {
	switch bucket {
	case store.StatIndex:
		return keyminter.JobStatsIndex
	case store.StatMedian:
		return keyminter.JobStatsMedian
	default:
		return keyminter.JobStatsGeneral
	}
}

func (s *Store) RecordJobStat(ctx context.Context, appID string, bucket store.StatBucket, statKey, granularity string, score float64, member string) error {
	key := s.minter.JobStatsKey(statBucketKeyType(bucket), appID, statKey, granularity)
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return &merrs.StorageError{Op: "RecordJobStat", Err: err}
	}
	return nil
}

func (s *Store) QueryJobStats(ctx context.Context, appID string, bucket store.StatBucket, statKey, granularity string, startScore, endScore float64) ([]store.StatEntry, error) {
	key := s.minter.JobStatsKey(statBucketKeyType(bucket), appID, statKey, granularity)
	res, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(startScore, 'f', -1, 64),
		Max: strconv.FormatFloat(endScore, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, &merrs.StorageError{Op: "QueryJobStats", Err: err}
	}
	out := make([]store.StatEntry, 0, len(res))
	for _, z := range res {
		member, _ := z.Member.(string)
		out = append(out, store.StatEntry{Member: member, Score: z.Score})
	}
	return out, nil
}

func (s *Store) hsetMap(ctx context.Context, key string, m map[string]string, tx store.Transaction, op string) error {
	fields := make(map[string]interface{}, len(m))
	for k, v := range m {
		fields[k] = v
	}
	if pipe := pipeOf(tx); pipe != nil {
		pipe.HSet(ctx, key, fields)
		return nil
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return &merrs.StorageError{Op: op, Err: err}
	}
	return nil
}

func (s *Store) hgetAll(ctx context.Context, key string, op string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &merrs.StorageError{Op: op, Err: err}
	}
	return m, nil
}

var _ store.Store = (*Store)(nil)
