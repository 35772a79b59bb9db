// Package reporter implements the minimal stats-reporting contract
// described in spec §4.13: it reads JOB_STATS_{GENERAL,INDEX,MEDIAN}
// buckets and returns aggregated counts/ids/segments for a
// (key, granularity, range) query. Granularity tiers correspond to
// time-resolution buckets encoded directly in the stats keys, so a
// range query first enumerates the bucket keys the range covers, then
// merges their entries before aggregating.
//
// The teacher has no reporting layer of its own (its coordinator
// drives workflow execution, not after-the-fact analytics), so this
// package is built fresh in the store layer's own ZSET-of-keys idiom,
// grounded on internal/store's RecordJobStat/QueryJobStats contract
// and on internal/quorum's pattern of a small app-scoped type with no
// direct engine dependency.
package reporter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/store"
)

// Reporter answers stats queries for one app.
type Reporter struct {
	appID  string
	st     store.Store
	minter *keyminter.Minter
	log    *logger.Logger
}

// New constructs a Reporter scoped to one app.
func New(appID string, st store.Store, minter *keyminter.Minter, log *logger.Logger) *Reporter {
	return &Reporter{appID: appID, st: st, minter: minter, log: log}
}

// Range bounds a stats query by wall-clock time, inclusive of both ends.
type Range struct {
	Start time.Time
	End   time.Time
}

// Result is the aggregated answer to one stats query. Which fields are
// meaningful depends on the bucket kind queried: Count applies to all
// three, IDs is populated for StatIndex, Median for StatMedian.
type Result struct {
	Count  int
	IDs    []string
	Median float64
}

// RecordCount increments the GENERAL bucket for key at t, per spec
// §4.13's count-aggregation bucket. member disambiguates concurrent
// occurrences landing in the same granularity bucket (e.g. a job id or
// a monotonic counter).
func (r *Reporter) RecordCount(ctx context.Context, key, granularity string, t time.Time, member string) error {
	return r.st.RecordJobStat(ctx, r.appID, store.StatGeneral, bucketedKey(key, t, granularity), granularity, float64(t.UnixMilli()), member)
}

// RecordJobID adds jobID to the INDEX bucket for key at t, per spec
// §4.13's id-listing bucket.
func (r *Reporter) RecordJobID(ctx context.Context, key, granularity string, t time.Time, jobID string) error {
	return r.st.RecordJobStat(ctx, r.appID, store.StatIndex, bucketedKey(key, t, granularity), granularity, float64(t.UnixMilli()), jobID)
}

// RecordDuration adds a measured duration to the MEDIAN bucket for key
// at t, per spec §4.13's segment-timing bucket. member disambiguates
// entries sharing the same duration value.
func (r *Reporter) RecordDuration(ctx context.Context, key, granularity string, t time.Time, member string, durationMs float64) error {
	return r.st.RecordJobStat(ctx, r.appID, store.StatMedian, bucketedKey(key, t, granularity), granularity, durationMs, member)
}

// Query answers a (key, granularity, range) stats query against
// bucket, per spec §4.13. It enumerates every granularity-bucket key
// the range covers, merges their entries, and aggregates according to
// bucket's kind.
func (r *Reporter) Query(ctx context.Context, bucket store.StatBucket, key, granularity string, rng Range) (*Result, error) {
	labels, err := bucketLabelsInRange(rng, granularity)
	if err != nil {
		return nil, err
	}

	var all []store.StatEntry
	for _, label := range labels {
		entries, err := r.st.QueryJobStats(ctx, r.appID, bucket, key+":"+label, granularity, negInf, posInf)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}

	res := &Result{Count: len(all)}
	switch bucket {
	case store.StatIndex:
		res.IDs = make([]string, len(all))
		for i, e := range all {
			res.IDs[i] = e.Member
		}
	case store.StatMedian:
		res.Median = median(all)
	}
	return res, nil
}

const (
	negInf = -1 << 53 // safely representable as float64, stands in for "no lower bound"
	posInf = 1 << 53
)

// bucketedKey appends t's granularity-bucket label to key, so distinct
// time buckets never collide in the underlying store.
func bucketedKey(key string, t time.Time, granularity string) string {
	label, err := bucketLabel(t, granularity)
	if err != nil {
		label = "0"
	}
	return key + ":" + label
}

// bucketLabel derives the deterministic bucket identifier t falls into
// for a given granularity, per spec §4.13 "granularity tiers correspond
// to time-resolution buckets encoded in the stats keys".
func bucketLabel(t time.Time, granularity string) (string, error) {
	d, err := parseGranularity(granularity)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", t.UTC().UnixNano()/int64(d)), nil
}

// bucketLabelsInRange enumerates every bucket label a range spans.
func bucketLabelsInRange(rng Range, granularity string) ([]string, error) {
	d, err := parseGranularity(granularity)
	if err != nil {
		return nil, err
	}
	if rng.End.Before(rng.Start) {
		return nil, fmt.Errorf("reporter: range end before start")
	}

	start := rng.Start.UTC().UnixNano() / int64(d)
	end := rng.End.UTC().UnixNano() / int64(d)
	labels := make([]string, 0, end-start+1)
	for b := start; b <= end; b++ {
		labels = append(labels, fmt.Sprintf("%d", b))
	}
	return labels, nil
}

// parseGranularity accepts stdlib duration syntax (e.g. "1m", "1h") plus
// a "d" day suffix time.ParseDuration does not support.
func parseGranularity(granularity string) (time.Duration, error) {
	if granularity == "" {
		return 0, fmt.Errorf("reporter: empty granularity")
	}
	if d, err := time.ParseDuration(granularity); err == nil {
		return d, nil
	}
	var n int
	if _, err := fmt.Sscanf(granularity, "%dd", &n); err == nil && n > 0 {
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("reporter: unrecognized granularity %q", granularity)
}

func median(entries []store.StatEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	scores := make([]float64, len(entries))
	for i, e := range entries {
		scores[i] = e.Score
	}
	sort.Float64s(scores)
	mid := len(scores) / 2
	if len(scores)%2 == 1 {
		return scores[mid]
	}
	return (scores[mid-1] + scores[mid]) / 2
}
