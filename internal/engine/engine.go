// Package engine implements the per-(appId,namespace,guid) dispatcher
// described in spec §4.10: a processStreamMessage dispatch table keyed
// on message type, the publish and cleanup steps of job completion, and
// the pub/pubsub request/response surface. Engine implements
// activity.Host so the activity package can drive transitions, worker
// dispatch, and job completion without importing this package back.
//
// Grounded on the teacher's cmd/workflow-runner/coordinator/coordinator.go
// (Start loop dispatching handleCompletion, routeToNextNodes) and
// completion_handler.go's parent-notification/cleanup pipeline,
// generalized from the teacher's single CompletionSignal shape to the
// manifest-driven TIMEHOOK/WEBHOOK/TRANSITION/AWAIT/RESULT/worker
// dispatch table and from its node-type switch to activity-type
// dispatch via internal/activity.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/meshflow/internal/activity"
	"github.com/lyzr/meshflow/internal/cache"
	"github.com/lyzr/meshflow/internal/compiler"
	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/manifest"
	"github.com/lyzr/meshflow/internal/merrs"
	"github.com/lyzr/meshflow/internal/pipe"
	"github.com/lyzr/meshflow/internal/serializer"
	"github.com/lyzr/meshflow/internal/store"
	"github.com/lyzr/meshflow/internal/stream"
	"github.com/lyzr/meshflow/internal/sub"
)

// Engine is one running instance bound to (appId, namespace, guid).
type Engine struct {
	appID     string
	namespace string
	guid      string

	st      store.Store
	minter  *keyminter.Minter
	ser     *serializer.Serializer
	streams *stream.Stream
	subber  *sub.Sub
	cache   *cache.Cache
	log     *logger.Logger
	cond    *pipe.ConditionEvaluator

	defaultExpireSec int

	mu            sync.RWMutex
	activities    map[string]*compiler.CompiledActivity
	subscriptions map[string]string
	transitions   map[string]map[string]interface{}
	hookRules     map[string][]manifest.HookBinding

	waitersMu sync.Mutex
	waiters   map[string]chan activity.Envelope
}

// New constructs an Engine over the given backends; call LoadPlan
// before routing traffic to it.
func New(appID, namespace, guid string, st store.Store, minter *keyminter.Minter, ser *serializer.Serializer, streams *stream.Stream, subber *sub.Sub, c *cache.Cache, log *logger.Logger, defaultExpireSec int) *Engine {
	return &Engine{
		appID:            appID,
		namespace:        namespace,
		guid:             guid,
		st:               st,
		minter:           minter,
		ser:              ser,
		streams:          streams,
		subber:           subber,
		cache:            c,
		log:              log,
		cond:             pipe.NewConditionEvaluator(),
		defaultExpireSec: defaultExpireSec,
		activities:       make(map[string]*compiler.CompiledActivity),
		subscriptions:    make(map[string]string),
		transitions:      make(map[string]map[string]interface{}),
		hookRules:        make(map[string][]manifest.HookBinding),
		waiters:          make(map[string]chan activity.Envelope),
	}
}

// LoadPlan hydrates the engine's in-memory routing tables from the
// deployed plan, per spec §4.10 "Initialization: instantiates
// Store/Stream/Sub/Router". Cached per spec §4.6 so repeat engine
// restarts and rediscovery don't re-fetch on every lookup.
func (e *Engine) LoadPlan(ctx context.Context) error {
	schemas, err := e.loadCached(ctx, cache.SchemasKey(e.appID), func(ctx context.Context) (interface{}, error) {
		return e.st.GetSchemas(ctx, e.appID)
	})
	if err != nil {
		return err
	}
	subs, err := e.loadCached(ctx, cache.SubscriptionsKey(e.appID), func(ctx context.Context) (interface{}, error) {
		return e.st.GetSubscriptions(ctx, e.appID)
	})
	if err != nil {
		return err
	}
	trans, err := e.loadCached(ctx, cache.TransitionsKey(e.appID), func(ctx context.Context) (interface{}, error) {
		return e.st.GetTransitions(ctx, e.appID)
	})
	if err != nil {
		return err
	}
	hooks, err := e.loadCached(ctx, cache.HookRulesKey(e.appID), func(ctx context.Context) (interface{}, error) {
		return e.st.GetHookRules(ctx, e.appID)
	})
	if err != nil {
		return err
	}

	activities := make(map[string]*compiler.CompiledActivity, len(schemas))
	for id, raw := range schemas {
		var ca compiler.CompiledActivity
		if err := json.Unmarshal([]byte(raw), &ca); err != nil {
			return fmt.Errorf("engine: unmarshal schema %q: %w", id, err)
		}
		activities[id] = &ca
	}

	transitions := make(map[string]map[string]interface{}, len(trans))
	for key, raw := range trans {
		from := key
		if len(from) > 0 && from[0] == '.' {
			from = from[1:]
		}
		var edges map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &edges); err != nil {
			continue // "true"-valued private-topic marker entries aren't edge maps
		}
		transitions[from] = edges
	}

	hookRules := make(map[string][]manifest.HookBinding, len(hooks))
	for topic, raw := range hooks {
		var bindings []manifest.HookBinding
		if err := json.Unmarshal([]byte(raw), &bindings); err != nil {
			return fmt.Errorf("engine: unmarshal hook rules %q: %w", topic, err)
		}
		hookRules[topic] = bindings
	}

	e.mu.Lock()
	e.activities = activities
	e.subscriptions = subs
	e.transitions = transitions
	e.hookRules = hookRules
	e.mu.Unlock()
	return nil
}

func (e *Engine) loadCached(ctx context.Context, key string, fn cache.Loader) (map[string]string, error) {
	if e.cache == nil {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return v.(map[string]string), nil
	}
	v, err := e.cache.GetOrLoad(ctx, key, fn)
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

// --- activity.Host ---

func (e *Engine) Store() store.Store                   { return e.st }
func (e *Engine) Minter() *keyminter.Minter             { return e.minter }
func (e *Engine) Serializer() *serializer.Serializer    { return e.ser }
func (e *Engine) Streams() *stream.Stream                { return e.streams }
func (e *Engine) Logger() *logger.Logger                { return e.log }
func (e *Engine) AppID() string                         { return e.appID }
func (e *Engine) NewGUID() string                       { return uuid.NewString() }
func (e *Engine) NowMillis() int64                      { return time.Now().UnixMilli() }

func (e *Engine) ActivityByID(id string) (*compiler.CompiledActivity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ca, ok := e.activities[id]
	return ca, ok
}

func (e *Engine) TriggerByTopic(topic string) (*compiler.CompiledActivity, bool) {
	e.mu.RLock()
	id, ok := e.subscriptions[topic]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.ActivityByID(id)
}

func (e *Engine) Transitions(fromActivityID string) (map[string]interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	edges, ok := e.transitions[fromActivityID]
	return edges, ok
}

func (e *Engine) ConditionHolds(cond interface{}, state map[string]interface{}) (bool, error) {
	expr, ok := cond.(string)
	if !ok {
		return cond == true, nil
	}
	return e.cond.Evaluate(expr, state, map[string]interface{}{"app": e.appID})
}

// Publish appends env onto the app-wide stream that this engine's
// Router consumes, stamping the destination activity id into the
// envelope metadata so processStreamMessage can resolve its schema.
func (e *Engine) Publish(ctx context.Context, targetActivityID string, env activity.Envelope) error {
	if env.Metadata.AID == "" {
		env.Metadata.AID = targetActivityID
	}
	fields, err := envelopeToFields(env)
	if err != nil {
		return err
	}
	_, err = e.streams.Publish(ctx, e.minter.StreamsKey(e.appID, ""), fields)
	return err
}

// PublishWork appends env onto the worker-subtype stream consumed by
// the WORKER group, per spec §4.8.
func (e *Engine) PublishWork(ctx context.Context, subtype string, env activity.Envelope) error {
	fields, err := envelopeToFields(env)
	if err != nil {
		return err
	}
	_, err = e.streams.Publish(ctx, e.minter.StreamsKey(e.appID, subtype), fields)
	return err
}

// PublishQuorumJob emits a one-time per-guid job notice on the
// QUORUM channel, per spec §4.10 step 2.
func (e *Engine) PublishQuorumJob(ctx context.Context, ngn string, env activity.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.subber.Publish(ctx, e.minter.QuorumKey(e.appID)+":"+ngn, string(payload))
}

// CompleteJob runs steps 3-4 of runJobCompletionTasks (spec §4.10);
// steps 1-2 (parent RESULT, ngn quorum notice) are carried out inline
// by the completing activity leg itself in internal/activity, since
// both require data already in hand at that call site.
func (e *Engine) CompleteJob(ctx context.Context, meta activity.Metadata, opts activity.CompletionOpts) error {
	if opts.Publish != "" {
		payload, err := json.Marshal(map[string]interface{}{"jobId": meta.JobID, "topic": opts.Publish})
		if err != nil {
			return err
		}
		if err := e.subber.Publish(ctx, opts.Publish+"."+meta.JobID, string(payload)); err != nil {
			return err
		}
	}

	e.resolveWaiter(meta.JobID, activity.Envelope{Type: "job", Metadata: meta})

	if opts.Emit {
		return nil
	}
	expire := opts.Expire
	if expire <= 0 {
		expire = e.defaultExpireSec
	}
	return e.registerJobForCleanup(ctx, meta, expire)
}

// registerJobForCleanup enqueues a delayed expire task, per spec §4.12
// "registerJobForCleanup: either direct expireJob or enqueue a delayed
// expire task." Expire=0 scrubs immediately since there is nothing to
// delay.
func (e *Engine) registerJobForCleanup(ctx context.Context, meta activity.Metadata, expireSec int) error {
	if expireSec <= 0 {
		return e.st.Scrub(ctx, meta.JobID)
	}
	tAt := e.NowMillis() + int64(expireSec)*1000
	return e.st.RegisterTimeHook(ctx, e.appID, meta.JobID, meta.GID, meta.AID, "expire", tAt, false, nil)
}

// HookTime re-enters a hook activity for a fired sleep/time task, per
// spec §4.12 "sleep -> engine hookTime(jobId,gId,aid)".
func (e *Engine) HookTime(ctx context.Context, jobID, gID, aid string) error {
	target, ok := e.ActivityByID(aid)
	if !ok {
		return fmt.Errorf("engine: unknown activity %q for time hook", aid)
	}
	leg := activity.New(target, nil, activity.Metadata{JobID: jobID, GID: gID, AID: aid}, e, nil)
	return leg.ProcessTimeHookEvent(ctx, jobID)
}

// WebHook re-enters every hook activity bound to topic, per spec
// §4.12 "processWebHooks(handler): ... invoke engine hook(topic, data,
// status, code)".
func (e *Engine) WebHook(ctx context.Context, topic string, data map[string]interface{}, status string, code int) error {
	e.mu.RLock()
	bindings := e.hookRules[topic]
	e.mu.RUnlock()
	for _, b := range bindings {
		target, ok := e.ActivityByID(b.To)
		if !ok {
			continue
		}
		leg := activity.New(target, data, activity.Metadata{AID: b.To, Topic: topic}, e, nil)
		if err := leg.ProcessWebHookEvent(ctx, status, code); err != nil {
			return err
		}
	}
	return nil
}

// Interrupt terminates a target job, per spec §4.12 "interrupt/expire
// -> engine interrupt(topic,jobId,{suppress:true,expire:1})".
func (e *Engine) Interrupt(ctx context.Context, topic, jobID string, opts store.InterruptOptions) error {
	return e.st.Interrupt(ctx, topic, jobID, opts)
}

// --- pub/pubsub, per spec §4.10 ---

// Pub instantiates the trigger bound to topic and runs its leg-1,
// returning the newly minted job id.
func (e *Engine) Pub(ctx context.Context, topic string, data map[string]interface{}) (string, error) {
	trigger, ok := e.TriggerByTopic(topic)
	if !ok {
		return "", fmt.Errorf("engine: no trigger subscribed to topic %q", topic)
	}
	meta := activity.Metadata{App: e.appID}
	leg := activity.New(trigger, data, meta, e, nil)
	if err := leg.Process(ctx); err != nil {
		return "", err
	}
	return leg.Meta.JobID, nil
}

// Pubsub publishes topic and blocks for the job's completion signal
// or timeout, per spec §4.10 "pubsub(topic,data,timeout) registers an
// in-process callback keyed on jid, rejects on timeout
// (HMSH_CODE_TIMEOUT)".
func (e *Engine) Pubsub(ctx context.Context, topic string, data map[string]interface{}, timeout time.Duration) (activity.Envelope, error) {
	jobID, err := e.Pub(ctx, topic, data)
	if err != nil {
		return activity.Envelope{}, err
	}

	ch := make(chan activity.Envelope, 1)
	e.waitersMu.Lock()
	e.waiters[jobID] = ch
	e.waitersMu.Unlock()
	defer func() {
		e.waitersMu.Lock()
		delete(e.waiters, jobID)
		e.waitersMu.Unlock()
	}()

	select {
	case env := <-ch:
		return env, nil
	case <-time.After(timeout):
		return activity.Envelope{}, &merrs.TimeoutError{Code: activity.CodeTimeout, What: "pubsub job " + jobID}
	case <-ctx.Done():
		return activity.Envelope{}, ctx.Err()
	}
}

func (e *Engine) resolveWaiter(jobID string, env activity.Envelope) {
	e.waitersMu.Lock()
	ch, ok := e.waiters[jobID]
	e.waitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// --- stream message dispatch, per spec §4.10 processStreamMessage ---

// ProcessStreamMessage is the Router handler: it decodes the envelope
// and dispatches on its type per spec §4.10's table.
func (e *Engine) ProcessStreamMessage(ctx context.Context, msg stream.Message) error {
	env, err := fieldsToEnvelope(msg.Values)
	if err != nil {
		return err
	}

	switch env.Type {
	case "TIMEHOOK":
		target, ok := e.ActivityByID(env.Metadata.AID)
		if !ok {
			return fmt.Errorf("engine: unknown activity %q for TIMEHOOK", env.Metadata.AID)
		}
		leg := activity.New(target, env.Data, env.Metadata, e, nil)
		return leg.ProcessTimeHookEvent(ctx, env.Metadata.JobID)
	case "WEBHOOK":
		target, ok := e.ActivityByID(env.Metadata.AID)
		if !ok {
			return fmt.Errorf("engine: unknown activity %q for WEBHOOK", env.Metadata.AID)
		}
		leg := activity.New(target, env.Data, env.Metadata, e, nil)
		return leg.ProcessWebHookEvent(ctx, env.Status, env.Code)
	case "TRANSITION", "AWAIT":
		target, ok := e.ActivityByID(env.Metadata.AID)
		if !ok {
			return fmt.Errorf("engine: unknown activity %q for %s", env.Metadata.AID, env.Type)
		}
		leg := activity.New(target, env.Data, env.Metadata, e, nil)
		return leg.Process(ctx)
	case "RESULT":
		target, ok := e.ActivityByID(env.Metadata.AID)
		if !ok {
			return fmt.Errorf("engine: unknown activity %q for RESULT", env.Metadata.AID)
		}
		leg := activity.New(target, env.Data, env.Metadata, e, nil)
		return leg.ProcessEvent(ctx, env.Status, env.Code, "output")
	default:
		target, ok := e.ActivityByID(env.Metadata.AID)
		if !ok {
			return fmt.Errorf("engine: unknown activity %q for worker event", env.Metadata.AID)
		}
		leg := activity.New(target, env.Data, env.Metadata, e, nil)
		return leg.ProcessEvent(ctx, env.Status, env.Code, "output")
	}
}

func envelopeToFields(env activity.Envelope) (map[string]string, error) {
	metaJSON, err := json.Marshal(env.Metadata)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal envelope metadata: %w", err)
	}
	dataJSON, err := json.Marshal(env.Data)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal envelope data: %w", err)
	}
	fields := map[string]string{
		"type":     env.Type,
		"metadata": string(metaJSON),
		"data":     string(dataJSON),
	}
	if env.Status != "" {
		fields["status"] = env.Status
	}
	if env.Code != 0 {
		fields["code"] = strconv.Itoa(env.Code)
	}
	if env.Stack != "" {
		fields["stack"] = env.Stack
	}
	return fields, nil
}

func fieldsToEnvelope(values map[string]string) (activity.Envelope, error) {
	var env activity.Envelope
	env.Type = values["type"]
	env.Status = values["status"]
	env.Stack = values["stack"]
	if c, ok := values["code"]; ok && c != "" {
		n, err := strconv.Atoi(c)
		if err != nil {
			return env, fmt.Errorf("engine: parse envelope code %q: %w", c, err)
		}
		env.Code = n
	}
	if m, ok := values["metadata"]; ok && m != "" {
		if err := json.Unmarshal([]byte(m), &env.Metadata); err != nil {
			return env, fmt.Errorf("engine: unmarshal envelope metadata: %w", err)
		}
	}
	if d, ok := values["data"]; ok && d != "" {
		if err := json.Unmarshal([]byte(d), &env.Data); err != nil {
			return env, fmt.Errorf("engine: unmarshal envelope data: %w", err)
		}
	}
	return env, nil
}
