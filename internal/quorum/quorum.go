// Package quorum implements the control plane described in spec
// §4.11: a dedicated pub/sub channel per app carrying
// ping/pong/activate/throttle/work/job/cron/rollcall messages, the
// requestQuorum/rollCall polling primitives, and the six-step version
// activation protocol.
//
// The teacher has no direct analog (its coordinator has no multi-app
// cluster cutover), so this package is built fresh in the teacher's
// Redis pub/sub idiom, grounded on internal/sub (itself grounded on
// the teacher's common/queue/queue.go fan-out) and on
// common/redis/redis.go's wrapped-client pattern for the scout-role
// reservation this protocol depends on.
package quorum

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/merrs"
	"github.com/lyzr/meshflow/internal/router"
	"github.com/lyzr/meshflow/internal/store"
	"github.com/lyzr/meshflow/internal/stream"
	"github.com/lyzr/meshflow/internal/sub"
)

// Message is one quorum control-plane envelope, per spec §4.11.
type Message struct {
	Type         string         `json:"type"`
	EngineID     string         `json:"engine_id,omitempty"`
	Profile      *QuorumProfile `json:"profile,omitempty"`
	Topic        string         `json:"topic,omitempty"`
	GUID         string         `json:"guid,omitempty"`
	ThrottleMs   int            `json:"throttle,omitempty"`
	CacheMode    string         `json:"cache_mode,omitempty"`
	UntilVersion string         `json:"until_version,omitempty"`
	Detailed     bool           `json:"detailed,omitempty"`
}

// QuorumProfile is an engine's self-reported health snapshot, carried
// on every pong per spec §4.11 "pong carrying an optional
// QuorumProfile (engine_id, stream, counts, timestamp, throttle,
// reclaim settings, system health, worker topic)".
type QuorumProfile struct {
	EngineID     string           `json:"engine_id"`
	Stream       string           `json:"stream"`
	Counts       map[string]int64 `json:"counts,omitempty"`
	Timestamp    int64            `json:"timestamp"`
	ThrottleMs   int              `json:"throttle"`
	ReclaimDelay int64            `json:"reclaim_delay_ms"`
	ReclaimCount int              `json:"reclaim_count"`
	Healthy      bool             `json:"healthy"`
	WorkerTopic  string           `json:"worker_topic,omitempty"`
	StreamDepth  int64            `json:"stream_depth,omitempty"`
}

// ProfileFunc reports this engine's current profile on demand, so
// Quorum does not need direct knowledge of the Router/Engine internals
// that populate it.
type ProfileFunc func() QuorumProfile

// Quorum is one app's control-plane member.
type Quorum struct {
	appID    string
	engineID string

	subber  *sub.Sub
	streams *stream.Stream
	minter  *keyminter.Minter
	st      store.Store
	rtr     *router.Router
	log     *logger.Logger
	profile ProfileFunc

	activationMaxRetry int

	mu             sync.Mutex
	pongs          int
	profiles       map[string]*QuorumProfile
	collecting     bool
	wantDetailed   bool
	observedUntil  atomic.Value // string
}

// New constructs a Quorum member. rtr may be nil when this process
// does not consume traffic (e.g. the deployer CLI sending an activate
// message without joining as a live engine).
func New(appID, engineID string, subber *sub.Sub, streams *stream.Stream, minter *keyminter.Minter, st store.Store, rtr *router.Router, log *logger.Logger, profile ProfileFunc, activationMaxRetry int) *Quorum {
	q := &Quorum{
		appID:              appID,
		engineID:           engineID,
		subber:             subber,
		streams:            streams,
		minter:             minter,
		st:                 st,
		rtr:                rtr,
		log:                log,
		profile:            profile,
		activationMaxRetry: activationMaxRetry,
		profiles:           make(map[string]*QuorumProfile),
	}
	q.observedUntil.Store("")
	return q
}

// Subscribe joins the app's quorum channel.
func (q *Quorum) Subscribe(ctx context.Context) error {
	return q.subber.Subscribe(ctx, q.minter.QuorumKey(q.appID), q.handle)
}

func (q *Quorum) channel() string { return q.minter.QuorumKey(q.appID) }

func (q *Quorum) publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.subber.Publish(ctx, q.channel(), string(b))
}

func (q *Quorum) handle(_ string, payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		if q.log != nil {
			q.log.Error("quorum: malformed message", "err", err)
		}
		return
	}

	switch msg.Type {
	case "ping":
		q.replyPong(context.Background(), msg.Detailed)
	case "pong":
		q.mu.Lock()
		if q.collecting {
			q.pongs++
			if msg.Profile != nil {
				q.profiles[msg.Profile.EngineID] = msg.Profile
			}
		}
		q.mu.Unlock()
	case "activate":
		if msg.CacheMode == "nocache" {
			q.observedUntil.Store(msg.UntilVersion)
		}
	case "throttle":
		if q.rtr != nil && (msg.GUID == "" || msg.GUID == q.engineID) {
			q.rtr.SetThrottle(msg.Topic, msg.ThrottleMs)
		}
	}
}

func (q *Quorum) replyPong(ctx context.Context, detailed bool) {
	var p QuorumProfile
	if q.profile != nil {
		p = q.profile()
	}
	p.EngineID = q.engineID
	if !detailed {
		p.Counts = nil
	}
	_ = q.publish(ctx, Message{Type: "pong", EngineID: q.engineID, Profile: &p})
}

// RequestQuorum publishes a ping and counts pongs received within
// delay, per spec §4.11 "requestQuorum(delay, details?) → count:
// publishes ping, waits delay, returns the number of pongs received
// since the previous call".
func (q *Quorum) RequestQuorum(ctx context.Context, delay time.Duration, details bool) (int, error) {
	q.mu.Lock()
	q.pongs = 0
	q.profiles = make(map[string]*QuorumProfile)
	q.collecting = true
	q.wantDetailed = details
	q.mu.Unlock()

	if err := q.publish(ctx, Message{Type: "ping", EngineID: q.engineID, Detailed: details}); err != nil {
		return 0, err
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	q.mu.Lock()
	count := q.pongs
	q.collecting = false
	q.mu.Unlock()
	return count, nil
}

// RollCall requests a detailed quorum and annotates each unique
// reporting stream with its current depth, per spec §4.11 "rollCall
// (delay): requestQuorum(…,true); then XLEN each unique stream to
// annotate stream_depth".
func (q *Quorum) RollCall(ctx context.Context, delay time.Duration) (map[string]*QuorumProfile, error) {
	if _, err := q.RequestQuorum(ctx, delay, true); err != nil {
		return nil, err
	}

	q.mu.Lock()
	profiles := make(map[string]*QuorumProfile, len(q.profiles))
	seenStreams := make(map[string]bool)
	for id, p := range q.profiles {
		cp := *p
		profiles[id] = &cp
		seenStreams[p.Stream] = true
	}
	q.mu.Unlock()

	for streamKey := range seenStreams {
		if streamKey == "" {
			continue
		}
		depth, err := q.streams.Len(ctx, streamKey)
		if err != nil {
			continue // depth annotation is best-effort; a stalled stream shouldn't fail the whole rollcall
		}
		for _, p := range profiles {
			if p.Stream == streamKey {
				p.StreamDepth = depth
			}
		}
	}
	return profiles, nil
}

// PublishThrottle broadcasts a selective or global throttle update,
// per spec §4.11 "{type:'throttle', topic?, guid?, throttle}".
func (q *Quorum) PublishThrottle(ctx context.Context, topic, guid string, delayMs int) error {
	return q.publish(ctx, Message{Type: "throttle", Topic: topic, GUID: guid, ThrottleMs: delayMs})
}

// Activate runs the six-step activation protocol described in spec
// §4.11 to cut an app over to a new deployed version.
func (q *Quorum) Activate(ctx context.Context, appID, version string, quorumDelay time.Duration, scoutTTLSec int) error {
	delay := quorumDelay
	for attempt := 1; attempt <= q.activationMaxRetry; attempt++ {
		won, err := q.st.ReserveScoutRole(ctx, "activate", scoutTTLSec)
		if err != nil {
			return err
		}
		if !won {
			if err := q.waitForApp(ctx, appID, version, delay); err != nil {
				return err
			}
			return nil
		}

		if err := q.tryActivate(ctx, appID, version, delay); err == nil {
			return nil
		} else if q.log != nil {
			q.log.Error("quorum: activation attempt failed", "attempt", attempt, "err", err)
		}

		delay *= 2
	}
	return &merrs.ActivationError{AppID: appID, Version: version, Reason: "exceeded max activation retries"}
}

func (q *Quorum) tryActivate(ctx context.Context, appID, version string, delay time.Duration) error {
	q1, err := q.RequestQuorum(ctx, delay, false)
	if err != nil {
		return err
	}
	q2, err := q.RequestQuorum(ctx, delay, false)
	if err != nil {
		return err
	}
	q3, err := q.RequestQuorum(ctx, delay, false)
	if err != nil {
		return err
	}
	if q1 == 0 || q1 != q2 || q2 != q3 {
		return fmt.Errorf("quorum: unstable engine count across three polls (%d,%d,%d)", q1, q2, q3)
	}

	if err := q.publish(ctx, Message{Type: "activate", CacheMode: "nocache", UntilVersion: version}); err != nil {
		return err
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if q.observedUntil.Load().(string) != version {
		return fmt.Errorf("quorum: did not observe until_version=%s within delay", version)
	}

	return q.st.ActivateAppVersion(ctx, appID, version)
}

// waitForApp polls getApp until the target version is active, for
// engines that lost the scout-role race, per spec §4.11 step 1
// "losers wait and poll getApp".
func (q *Quorum) waitForApp(ctx context.Context, appID, version string, pollEvery time.Duration) error {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			app, err := q.st.GetApp(ctx, appID)
			if err != nil {
				continue
			}
			if app != nil && app.Version == version && app.Active {
				return nil
			}
		}
	}
}
