// Package memstore is an in-process Store implementation used as the
// primary unit-test double. It satisfies the exact same contract as
// nativestore and sqlstore (spec §4.3's "two implementations must
// satisfy identical semantics" requirement), grounded on the teacher's
// common/cache/cache.go map+mutex idiom generalized to the full Store
// surface.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lyzr/meshflow/internal/merrs"
	"github.com/lyzr/meshflow/internal/store"
)

// Store is an in-memory Store. All fields are guarded by mu.
type Store struct {
	mu sync.Mutex

	apps       map[string]*store.App
	hashes     map[string]map[string]string
	lists      map[string][]string
	sortedSets map[string]map[string]float64
	strings    map[string]string
	scouts     map[string]bool
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		apps:       make(map[string]*store.App),
		hashes:     make(map[string]map[string]string),
		lists:      make(map[string][]string),
		sortedSets: make(map[string]map[string]float64),
		strings:    make(map[string]string),
		scouts:     make(map[string]bool),
	}
}

// tx is a no-op transaction: memstore commits synchronously under a
// single mutex, so accumulation is unnecessary, but the type exists to
// satisfy store.Transaction for callers that don't special-case the
// backend.
type tx struct{}

func (tx) Commit(context.Context) error { return nil }
func (tx) Discard()                     {}

func (s *Store) NewTransaction(context.Context) store.Transaction { return tx{} }

func (s *Store) hash(key string) map[string]string {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	return h
}

func (s *Store) GetApp(_ context.Context, appID string) (*store.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[appID]
	if !ok {
		return nil, &merrs.NotFoundError{JobID: appID}
	}
	cp := *a
	cp.Versions = make(map[string]string, len(a.Versions))
	for k, v := range a.Versions {
		cp.Versions[k] = v
	}
	return &cp, nil
}

func (s *Store) SetApp(_ context.Context, app *store.App, _ store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *app
	cp.Versions = make(map[string]string, len(app.Versions))
	for k, v := range app.Versions {
		cp.Versions[k] = v
	}
	s.apps[app.ID] = &cp
	return nil
}

func (s *Store) ActivateAppVersion(_ context.Context, appID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[appID]
	if !ok {
		return &merrs.NotFoundError{JobID: appID}
	}
	if _, ok := a.Versions[version]; !ok {
		return fmt.Errorf("memstore: version %s not deployed for app %s", version, appID)
	}
	a.Active = true
	a.Version = version
	return nil
}

func (s *Store) ReserveScoutRole(_ context.Context, kind string, _ int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scouts[kind] {
		return false, nil
	}
	s.scouts[kind] = true
	return true, nil
}

func (s *Store) ReserveSymbolRange(_ context.Context, target string, size int, _ string) (int, int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("symcursor:" + target)
	existing := h["range"] != ""
	if existing {
		parts := strings.Split(h["range"], ":")
		lo, _ := strconv.Atoi(parts[0])
		hi, _ := strconv.Atoi(parts[1])
		return lo, hi, true, nil
	}
	cursor, _ := strconv.Atoi(h["cursor"])
	lo := cursor
	hi := cursor + size - 1
	h["cursor"] = strconv.Itoa(cursor + size)
	h["range"] = fmt.Sprintf("%d:%d", lo, hi)
	return lo, hi, false, nil
}

func (s *Store) GetSymbols(_ context.Context, scopeKey string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.hash("symkeys:" + scopeKey) {
		out[k] = v
	}
	return out, nil
}

func (s *Store) AddSymbols(_ context.Context, scopeKey string, symbols map[string]string, _ store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("symkeys:" + scopeKey)
	for k, v := range symbols {
		h[k] = v
	}
	return nil
}

func (s *Store) GetSymbolValues(_ context.Context, appID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.hash("symvals:" + appID) {
		out[k] = v
	}
	return out, nil
}

func (s *Store) AddSymbolValues(_ context.Context, appID string, values map[string]string, _ store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("symvals:" + appID)
	for k, v := range values {
		h[k] = v
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
	sort.Strings(keys)
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

func (s *Store) SetState(_ context.Context, jobID string, flat map[string]string, status *float64, _ store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("jobstate:" + jobID)
	for k, v := range flat {
		h[k] = v
	}
	if status != nil {
		h[":"] = strconv.FormatFloat(*status, 'f', -1, 64)
	}
	return nil
}

func (s *Store) GetState(_ context.Context, jobID string, fields []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes["jobstate:"+jobID]
	if !ok {
		return nil, &merrs.NotFoundError{JobID: jobID}
	}
	out := make(map[string]string)
	any := false
	for _, f := range fields {
		if v, ok := h[f]; ok {
			out[f] = v
			any = true
		}
	}
	if !any {
		if _, ok := h[":"]; !ok {
			return nil, &merrs.NotFoundError{JobID: jobID}
		}
	}
	return out, nil
}

func (s *Store) GetQueryState(_ context.Context, jobID string, fields []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("jobstate:" + jobID)
	out := make(map[string]string)
	for _, f := range fields {
		key := f
		if !strings.HasPrefix(key, "_") {
			key = "_" + key
		}
		if v, ok := h[key]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func (s *Store) Collate(_ context.Context, jobID, activityID string, delta float64, dIDs []string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("jobstate:" + jobID)
	field := activityID + "/output/metadata/as"
	if len(dIDs) > 0 {
		field += "," + strings.Join(dIDs, ",")
	}
	cur, _ := strconv.ParseFloat(h[field], 64)
	cur += delta
	h[field] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (s *Store) CollateSynthetic(_ context.Context, jobID, guid string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("jobstate:" + jobID)
	field := "~" + guid
	cur, _ := strconv.ParseFloat(h[field], 64)
	cur += delta
	h[field] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (s *Store) SetStatus(_ context.Context, jobID string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("jobstate:" + jobID)
	cur, _ := strconv.ParseFloat(h[":"], 64)
	cur += delta
	h[":"] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (s *Store) SetStateNX(_ context.Context, jobID, appID string, status *float64, entity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("jobstate:" + jobID)
	if _, exists := h[":"]; exists {
		return false, nil
	}
	if status != nil {
		h[":"] = strconv.FormatFloat(*status, 'f', -1, 64)
	}
	h["metadata/app"] = appID
	if entity != "" {
		h["metadata/entity"] = entity
	}
	return true, nil
}

func (s *Store) SetSchemas(_ context.Context, appID string, schemas map[string]string, _ store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("schemas:" + appID)
	for k, v := range schemas {
		h[k] = v
	}
	return nil
}

func (s *Store) GetSchemas(_ context.Context, appID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.hash("schemas:" + appID) {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetSubscriptions(_ context.Context, appID string, subs map[string]string, _ store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("subs:" + appID)
	for k, v := range subs {
		h[k] = v
	}
	return nil
}

func (s *Store) GetSubscriptions(_ context.Context, appID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.hash("subs:" + appID) {
		out[k] = v
	}
	return out, nil
}

func (s *Store) GetSubscription(_ context.Context, appID, topic string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hash("subs:" + appID)[topic]
	return v, ok, nil
}

func (s *Store) SetTransitions(_ context.Context, appID string, transitions map[string]string, _ store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("transitions:" + appID)
	for k, v := range transitions {
		h[k] = v
	}
	return nil
}

func (s *Store) GetTransitions(_ context.Context, appID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.hash("transitions:" + appID) {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetHookRules(_ context.Context, appID string, rules map[string]string, _ store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("hooks:" + appID)
	for k, v := range rules {
		h[k] = v
	}
	return nil
}

func (s *Store) GetHookRules(_ context.Context, appID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.hash("hooks:" + appID) {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetHookSignal(_ context.Context, signalKey, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings["signal:"+signalKey] = jobID
	return nil
}

func (s *Store) GetHookSignal(_ context.Context, signalKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strings["signal:"+signalKey]
	return v, ok, nil
}

func (s *Store) DeleteHookSignal(_ context.Context, signalKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, "signal:"+signalKey)
	return nil
}

func (s *Store) AddTaskQueues(_ context.Context, keys []string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	zs, ok := s.sortedSets["workitems"]
	if !ok {
		zs = make(map[string]float64)
		s.sortedSets["workitems"] = zs
	}
	for _, k := range keys {
		if _, exists := zs[k]; !exists { // ZADD NX
			zs[k] = score
		}
	}
	return nil
}

func (s *Store) GetActiveTaskQueue(_ context.Context, appID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strings["activequeue:"+appID]
	return v, ok, nil
}

func (s *Store) ProcessTaskQueue(_ context.Context, src, dst string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[src]
	if len(list) == 0 {
		return "", false, nil
	}
	item := list[len(list)-1]
	s.lists[src] = list[:len(list)-1]
	s.lists[dst] = append(s.lists[dst], item)
	return item, true, nil
}

func (s *Store) DeleteProcessedTaskQueue(_ context.Context, _, key, procKey string, scrub bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sortedSets["workitems"], key)
	if scrub {
		delete(s.lists, procKey)
	} else {
		s.lists[key] = s.lists[procKey]
		delete(s.lists, procKey)
	}
	return nil
}

func (s *Store) RegisterTimeHook(_ context.Context, appID, jobID, gID, activityID, taskType string, tAt int64, _ bool, _ store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := fmt.Sprintf("timerange:%s:%d", appID, tAt)
	task := strings.Join([]string{taskType, activityID, gID, jobID}, "|")
	first := len(s.lists[bucket]) == 0
	s.lists[bucket] = append(s.lists[bucket], task)
	if first {
		zs, ok := s.sortedSets["workitems:"+appID]
		if !ok {
			zs = make(map[string]float64)
			s.sortedSets["workitems:"+appID] = zs
		}
		zs[bucket] = float64(tAt)
	}
	return nil
}

func (s *Store) GetNextTask(_ context.Context, appID string, listKey string) (string, string, string, string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := listKey
	if key == "" {
		zs := s.sortedSets["workitems:"+appID]
		best := ""
		bestScore := float64(0)
		for k, score := range zs {
			if best == "" || score < bestScore {
				best = k
				bestScore = score
			}
		}
		if best == "" {
			return "", "", "", "", "", false, nil
		}
		key = best
	}

	list := s.lists[key]
	if len(list) == 0 {
		delete(s.sortedSets["workitems:"+appID], key)
		return key, "", "", "", "", true, nil
	}
	item := list[0]
	s.lists[key] = list[1:]
	parts := strings.SplitN(item, "|", 4)
	if len(parts) != 4 {
		return key, "", "", "", "", true, fmt.Errorf("memstore: malformed task item %q", item)
	}
	return key, parts[3], parts[2], parts[1], parts[0], true, nil
}

func (s *Store) Interrupt(_ context.Context, _, jobID string, opts store.InterruptOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("jobstate:" + jobID)
	cur, _ := strconv.ParseFloat(h[":"], 64)
	if cur <= 0 && !opts.Suppress {
		return &merrs.InterruptConflictError{JobID: jobID}
	}
	if cur <= 0 {
		return nil
	}
	h[":"] = strconv.FormatFloat(cur-1_000_000_000, 'f', -1, 64)
	if opts.Throw {
		h["metadata/err"] = fmt.Sprintf(`{"code":410,"message":"interrupted","job_id":%q}`, jobID)
	}
	return nil
}

func (s *Store) Scrub(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, "jobstate:"+jobID)
	return nil
}

func (s *Store) FindJobs(_ context.Context, pattern string, limit int, cursor uint64) (uint64, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.hashes {
		if !strings.HasPrefix(k, "jobstate:") {
			continue
		}
		jobID := strings.TrimPrefix(k, "jobstate:")
		if matchPattern(pattern, jobID) {
			keys = append(keys, jobID)
		}
	}
	sort.Strings(keys)
	start := int(cursor)
	if start > len(keys) {
		start = len(keys)
	}
	end := start + limit
	if limit <= 0 || end > len(keys) {
		end = len(keys)
	}
	next := uint64(0)
	if end < len(keys) {
		next = uint64(end)
	}
	return next, keys[start:end], nil
}

func matchPattern(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == s
}

func (s *Store) SetThrottleRate(_ context.Context, appID, topic string, rateMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("throttle:" + appID)
	key := topic
	if key == "" {
		key = "*"
	}
	h[key] = strconv.Itoa(store.ClampThrottle(rateMs))
	return nil
}

func (s *Store) GetThrottleRates(_ context.Context, appID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for k, v := range s.hash("throttle:" + appID) {
		n, _ := strconv.Atoi(v)
		out[k] = n
	}
	return out, nil
}

func (s *Store) GetThrottleRate(_ context.Context, appID, topic string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash("throttle:" + appID)
	if v, ok := h[topic]; ok {
		n, _ := strconv.Atoi(v)
		return n, nil
	}
	if v, ok := h["*"]; ok {
		n, _ := strconv.Atoi(v)
		return n, nil
	}
	return 0, nil
}

func statSetKey(bucket store.StatBucket, appID, statKey, granularity string) string {
	return fmt.Sprintf("stats:%d:%s:%s:%s", bucket, appID, statKey, granularity)
}

func (s *Store) RecordJobStat(_ context.Context, appID string, bucket store.StatBucket, statKey, granularity string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statSetKey(bucket, appID, statKey, granularity)
	zs, ok := s.sortedSets[key]
	if !ok {
		zs = make(map[string]float64)
		s.sortedSets[key] = zs
	}
	zs[member] = score
	return nil
}

func (s *Store) QueryJobStats(_ context.Context, appID string, bucket store.StatBucket, statKey, granularity string, startScore, endScore float64) ([]store.StatEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zs := s.sortedSets[statSetKey(bucket, appID, statKey, granularity)]
	out := make([]store.StatEntry, 0, len(zs))
	for member, score := range zs {
		if score < startScore || score > endScore {
			continue
		}
		out = append(out, store.StatEntry{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, nil
}

var _ store.Store = (*Store)(nil)
