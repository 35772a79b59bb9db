// Package keyminter constructs canonical backend keys from
// (namespace, appId, type, params), per spec §4.1.
package keyminter

import "strings"

// KeyType enumerates the canonical key kinds. Format is always
// "hmsh:<namespace>:<typeShortCode>:<params-joined>".
type KeyType string

const (
	App                  KeyType = "app"
	JobState             KeyType = "jobstate"
	Streams              KeyType = "streams"
	Quorum               KeyType = "quorum"
	Signals              KeyType = "signals"
	Schemas              KeyType = "schemas"
	Subscriptions        KeyType = "subscriptions"
	SubscriptionPatterns KeyType = "subpatterns"
	Hooks                KeyType = "hooks"
	Hotmesh              KeyType = "hotmesh"
	SymKeys              KeyType = "symkeys"
	SymVals              KeyType = "symvals"
	WorkItems            KeyType = "workitems"
	TimeRange            KeyType = "timerange"
	ThrottleRate         KeyType = "throttle"
	JobStatsGeneral      KeyType = "statsgen"
	JobStatsIndex        KeyType = "statsidx"
	JobStatsMedian       KeyType = "statsmed"
	JobDependents        KeyType = "jobdeps"
)

var shortCodes = map[KeyType]string{
	App:                  "app",
	JobState:             "jstate",
	Streams:              "streams",
	Quorum:               "quorum",
	Signals:              "signals",
	Schemas:              "schemas",
	Subscriptions:        "subs",
	SubscriptionPatterns: "subpatterns",
	Hooks:                "hooks",
	Hotmesh:              "hotmesh",
	SymKeys:              "symkeys",
	SymVals:              "symvals",
	WorkItems:            "workitems",
	TimeRange:            "timerange",
	ThrottleRate:         "throttle",
	JobStatsGeneral:      "statsgen",
	JobStatsIndex:        "statsidx",
	JobStatsMedian:       "statsmed",
	JobDependents:        "jobdeps",
}

// ValSep and TypSep are the two reserved field characters that must
// never appear in any user-controlled key component.
const (
	ValSep = "\x1d" // ASCII group separator
	TypSep = "\x1e" // ASCII record separator
)

// Minter builds canonical keys for one namespace.
type Minter struct {
	Namespace string
}

// New returns a Minter scoped to namespace.
func New(namespace string) *Minter {
	return &Minter{Namespace: namespace}
}

// Mint constructs "hmsh:<namespace>:<typeShortCode>:<params-joined>".
// Params are joined with ValSep so that distinct param tuples can never
// collide after joining, even if an individual param happens to embed a
// colon.
func (m *Minter) Mint(t KeyType, params ...string) string {
	code, ok := shortCodes[t]
	if !ok {
		code = string(t)
	}
	var b strings.Builder
	b.WriteString("hmsh:")
	b.WriteString(m.Namespace)
	b.WriteString(":")
	b.WriteString(code)
	if len(params) > 0 {
		b.WriteString(":")
		b.WriteString(strings.Join(params, ValSep))
	}
	return b.String()
}

// AppKey mints the APP record key for appId.
func (m *Minter) AppKey(appID string) string {
	return m.Mint(App, appID)
}

// JobStateKey mints the per-job hash key.
func (m *Minter) JobStateKey(appID, jobID string) string {
	return m.Mint(JobState, appID, jobID)
}

// StreamsKey mints the app-wide or per-subtype stream key.
// If subtype is empty, returns the single app message bus key.
func (m *Minter) StreamsKey(appID, subtype string) string {
	if subtype == "" {
		return m.Mint(Streams, appID)
	}
	return m.Mint(Streams, appID, subtype)
}

// QuorumKey mints the per-app quorum control channel key.
func (m *Minter) QuorumKey(appID string) string {
	return m.Mint(Quorum, appID)
}

// SymKeysKey mints the per-scope key-symbol table key.
func (m *Minter) SymKeysKey(appID, scopeID string) string {
	return m.Mint(SymKeys, appID, scopeID)
}

// SymValsKey mints the single per-app value-symbol table key.
func (m *Minter) SymValsKey(appID string) string {
	return m.Mint(SymVals, appID)
}

// WorkItemsKey mints the ZSET-of-LIST index key for an app's time buckets.
func (m *Minter) WorkItemsKey(appID string) string {
	return m.Mint(WorkItems, appID)
}

// TimeRangeKey mints a time-bucket LIST key, or (with no bucket) the
// index key referenced by WorkItems.
func (m *Minter) TimeRangeKey(appID string, bucket ...string) string {
	params := append([]string{appID}, bucket...)
	return m.Mint(TimeRange, params...)
}

// ThrottleRateKey mints the per-app (or per-topic) throttle-rate hash key.
func (m *Minter) ThrottleRateKey(appID string, topic string) string {
	if topic == "" {
		return m.Mint(ThrottleRate, appID)
	}
	return m.Mint(ThrottleRate, appID, topic)
}

// JobStatsKey mints a stats-bucket key for one of the three JOB_STATS_*
// bucket kinds (general/index/median), scoped to appID, a caller-chosen
// stat key (e.g. an activity id or job status name), and a granularity
// tier (e.g. "1h", "1d").
func (m *Minter) JobStatsKey(kind KeyType, appID, statKey, granularity string) string {
	return m.Mint(kind, appID, statKey, granularity)
}
