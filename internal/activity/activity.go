// Package activity implements the seven activity variants (trigger,
// await, worker, hook, signal, cycle, interrupt) described in spec
// §4.8, sharing one construct/process/collate/transition lifecycle.
// Grounded on the teacher's cmd/workflow-runner/coordinator/node_router.go
// (routeToNextNodes: absorber-vs-worker dispatch, publishToken) and
// token_publisher.go (stream envelope construction), generalized from
// the teacher's fixed node-type dispatch to the manifest's
// trigger/await/worker/hook/signal/cycle/interrupt type set, with
// mapping resolution delegated to internal/pipe instead of the
// teacher's gjson-only resolver.
package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/meshflow/internal/compiler"
	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/manifest"
	"github.com/lyzr/meshflow/internal/merrs"
	"github.com/lyzr/meshflow/internal/pipe"
	"github.com/lyzr/meshflow/internal/serializer"
	"github.com/lyzr/meshflow/internal/store"
	"github.com/lyzr/meshflow/internal/stream"
)

// Error codes per spec §6.
const (
	CodeSuccess   = 200
	CodePending   = 202
	CodeTimeout   = 504
	CodeInterrupt = 410
)

// Metadata is the stream envelope's metadata block, per spec §6.
type Metadata struct {
	GUID  string `json:"guid"`
	JobID string `json:"jid"`
	GID   string `json:"gid"`
	Dad   string `json:"dad,omitempty"`
	AID   string `json:"aid"`
	Topic string `json:"topic,omitempty"`
	Trc   string `json:"trc,omitempty"`
	Spn   string `json:"spn,omitempty"`

	// Parent linkage (spec §9 open question: px severs routing).
	PJ string `json:"pj,omitempty"`
	PG string `json:"pg,omitempty"`
	PD string `json:"pd,omitempty"`
	PA string `json:"pa,omitempty"`
	PX bool   `json:"px,omitempty"`

	NGN     string `json:"ngn,omitempty"` // one-time subscriber engine guid
	App     string `json:"app,omitempty"`
	Version string `json:"vrs,omitempty"`
	TS      string `json:"ts,omitempty"`
}

// RoutesToParent reports whether a RESULT should be published to the
// parent job, per spec §9: "route RESULT only when pj && pa && !px".
func (m Metadata) RoutesToParent() bool {
	return m.PJ != "" && m.PA != "" && !m.PX
}

// Envelope is one stream message, per spec §6.
type Envelope struct {
	Type     string                 `json:"type"`
	Status   string                 `json:"status,omitempty"`
	Code     int                    `json:"code,omitempty"`
	Metadata Metadata               `json:"metadata"`
	Data     map[string]interface{} `json:"data"`
	Stack    string                 `json:"stack,omitempty"`
}

// Host is the subset of Engine an Activity needs: backend access,
// identity, and the deployed plan. Engine implements this interface;
// defining it here (rather than importing internal/engine) avoids an
// import cycle since Engine depends on activity to dispatch messages.
type Host interface {
	Store() store.Store
	Minter() *keyminter.Minter
	Serializer() *serializer.Serializer
	Streams() *stream.Stream
	Logger() *logger.Logger
	AppID() string
	NewGUID() string
	NowMillis() int64

	// ActivityByID looks up a deployed activity's compiled schema.
	ActivityByID(id string) (*compiler.CompiledActivity, bool)
	// TriggerByTopic resolves a public topic to its trigger activity.
	TriggerByTopic(topic string) (*compiler.CompiledActivity, bool)
	// Transitions returns the to-activityId -> condition map recorded
	// for fromActivityID at deploy time (spec §4.7 step 15).
	Transitions(fromActivityID string) (map[string]interface{}, bool)
	// ConditionHolds evaluates a transition condition against state.
	ConditionHolds(cond interface{}, state map[string]interface{}) (bool, error)
	// Publish appends env onto the given activity's subscription
	// stream (the app-wide ENGINE-consumed stream; targetActivityID
	// resolves the destination activity's schema for dimensioning).
	Publish(ctx context.Context, targetActivityID string, env Envelope) error
	// PublishWork appends env onto the worker-subtype stream consumed
	// by the WORKER group, per spec §4.8 "worker: emits a message to
	// streams(appId, topic=subtype)".
	PublishWork(ctx context.Context, subtype string, env Envelope) error
	// PublishQuorumJob emits a one-time per-guid job notice on QUORUM.
	PublishQuorumJob(ctx context.Context, ngn string, env Envelope) error
	// CompleteJob runs the publish and cleanup-registration steps of
	// job completion once the job's status semaphore reaches <=0; the
	// earlier completion steps run in collateAndAdvance before it is
	// called.
	CompleteJob(ctx context.Context, meta Metadata, opts CompletionOpts) error
}

// CompletionOpts threads through runJobCompletionTasks, per spec §4.10.
type CompletionOpts struct {
	Emit    bool
	Expire  int
	Publish string // graph's `publishes` topic, if any
}

// Activity is one constructed leg of an activity's execution, per spec
// §4.8 "constructed from (schema, data, metadata, hookData, engine,
// context)".
type Activity struct {
	Schema   *compiler.CompiledActivity
	Data     map[string]interface{}
	Meta     Metadata
	HookData map[string]interface{}
	Host     Host
	DIDs     []string // dimensional path, e.g. ["0"] or ["0","1"]
}

// New constructs an Activity leg.
func New(schema *compiler.CompiledActivity, data map[string]interface{}, meta Metadata, host Host, dIDs []string) *Activity {
	if dIDs == nil {
		dIDs = []string{"0"}
	}
	return &Activity{Schema: schema, Data: data, Meta: meta, Host: host, DIDs: dIDs}
}

// scopeIDs is the serializer scope chain this activity's state reads
// and writes against: its own activity scope plus the job-topic scope.
func (a *Activity) scopeIDs() []string {
	return []string{a.Schema.ID, "$" + a.jobTopicScope()}
}

func (a *Activity) jobTopicScope() string {
	if t, ok := a.Host.ActivityByID(a.Schema.Trigger); ok {
		return t.Subscribes
	}
	return a.Schema.Subscribes
}

// process orchestrates one activity leg, per spec §4.8 "process():
// orchestrate the activity's leg. Trigger executes leg-1 (creates the
// job); others execute leg-2 (resolve mappings, write state, increment
// collation, emit transitions)."
func (a *Activity) Process(ctx context.Context) error {
	switch a.Schema.Type {
	case manifest.Trigger:
		return a.processTrigger(ctx)
	case manifest.Await:
		return a.processAwaitLeg1(ctx)
	case manifest.Worker:
		return a.processWorkerLeg(ctx)
	case manifest.Hook:
		return a.processHookEntry(ctx)
	case manifest.Signal:
		return a.processSignal(ctx)
	case manifest.Cycle:
		return a.processCycle(ctx)
	case manifest.Interrupt:
		return a.processInterrupt(ctx)
	default:
		return fmt.Errorf("activity: unknown type %q for %q", a.Schema.Type, a.Schema.ID)
	}
}

// ProcessEvent handles a RESULT/worker-response arrival, per spec §4.8
// "processEvent(status, code, subleg='output')".
func (a *Activity) ProcessEvent(ctx context.Context, status string, code int, subleg string) error {
	if subleg == "" {
		subleg = "output"
	}
	if status == "error" {
		return a.recordErrorAndTransition(ctx, code)
	}
	resolved, err := a.resolveMapping(ctx)
	if err != nil {
		return err
	}
	if err := a.writeState(ctx, resolved, subleg); err != nil {
		return err
	}
	return a.collateAndAdvance(ctx)
}

// resolveMapping evaluates every mapping rule in the activity's Job
// declaration against the loaded job state, per spec §4.8 "Mapping
// resolution uses ... Pipe".
func (a *Activity) resolveMapping(ctx context.Context) (map[string]interface{}, error) {
	root := a.rootDoc()
	if len(a.Schema.Consumes) > 0 {
		fields, err := a.Host.Serializer().Abbreviate(a.Schema.Consumes, a.scopeIDs())
		if err != nil {
			return nil, err
		}
		flat, err := a.Host.Store().GetState(ctx, a.Meta.JobID, fields)
		if err != nil {
			if _, ok := err.(*merrs.NotFoundError); !ok {
				return nil, err
			}
		}
		doc, err := a.Host.Serializer().Unpackage(flat, a.scopeIDs())
		if err != nil {
			return nil, err
		}
		for k, v := range doc {
			root[k] = v
		}
	}

	out := make(map[string]interface{}, len(a.Schema.Job))
	pctx := &pipe.Context{Root: root, Input: a.Data}
	for field, raw := range a.Schema.Job {
		v, err := a.resolveJobField(raw, pctx)
		if err != nil {
			return nil, fmt.Errorf("activity %q: resolve job.%s: %w", a.Schema.ID, field, err)
		}
		out[field] = v
	}
	return out, nil
}

// rootDoc seeds the mapping context's addressable root with this
// activity's own input (so "{$self.input...}" and "{<ownId>...}" both
// resolve) and job metadata, before any consumed activity state is
// merged in by resolveMapping.
func (a *Activity) rootDoc() map[string]interface{} {
	self := map[string]interface{}{"input": map[string]interface{}{"data": a.Data}}
	return map[string]interface{}{
		"$self":     self,
		"$job":      map[string]interface{}{"metadata": a.Meta},
		a.Schema.ID: self,
	}
}

func (a *Activity) resolveJobField(raw interface{}, pctx *pipe.Context) (interface{}, error) {
	switch t := raw.(type) {
	case string:
		if pipe.IsMappingRule(t) {
			return pipe.Eval(pipe.Pipe{t}, pctx)
		}
		return t, nil
	case []interface{}:
		return pipe.Eval(pipe.Pipe(t), pctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			rv, err := a.resolveJobField(v, pctx)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	default:
		return raw, nil
	}
}

// writeState packages resolved data under "<activityId>/output/<subleg>"
// and persists it via Store.SetState.
func (a *Activity) writeState(ctx context.Context, resolved map[string]interface{}, subleg string) error {
	doc := map[string]interface{}{
		a.Schema.ID: map[string]interface{}{"output": map[string]interface{}{subleg: resolved}},
	}
	flat, err := a.Host.Serializer().Package(doc, a.scopeIDs())
	if err != nil {
		return err
	}
	return a.Host.Store().SetState(ctx, a.Meta.JobID, flat, nil, nil)
}

// recordErrorAndTransition persists an error record and still lets the
// job's status semaphore advance so the job does not hang forever on a
// failed leg, per spec §7 "Activity failures are serialized into the
// job's metadata/err field ... and surfaced via RESULT messages to the
// parent with status=error."
func (a *Activity) recordErrorAndTransition(ctx context.Context, code int) error {
	errRecord, _ := json.Marshal(map[string]interface{}{
		"code":    code,
		"message": fmt.Sprintf("activity %s failed", a.Schema.ID),
		"job_id":  a.Meta.JobID,
	})
	doc := map[string]interface{}{"metadata": map[string]interface{}{"err": string(errRecord)}}
	flat, err := a.Host.Serializer().Package(doc, a.scopeIDs())
	if err != nil {
		return err
	}
	if err := a.Host.Store().SetState(ctx, a.Meta.JobID, flat, nil, nil); err != nil {
		return err
	}
	return a.collateAndAdvance(ctx)
}

// collateAndAdvance increments the activity's completion counter and
// either emits TRANSITION messages to satisfied outgoing edges or, if
// this is a leaf activity, decrements the job status semaphore and
// runs completion tasks once it reaches <=0. Per spec §4.8 "Collation
// on completion" and §5 "status is a semaphore that can only cross
// zero once".
func (a *Activity) collateAndAdvance(ctx context.Context) error {
	counter, err := a.Host.Store().Collate(ctx, a.Meta.JobID, a.Schema.ID, 1, a.DIDs)
	if err != nil {
		return err
	}
	if counter < 1 {
		return nil // duplicate delivery already past threshold: no-op
	}

	transitions, hasChildren := a.Host.Transitions(a.Schema.ID)
	state, err := a.loadFullState(ctx)
	if err != nil {
		return err
	}

	emitted := 0
	for to, cond := range transitions {
		hold := true
		if cond != true {
			hold, err = a.Host.ConditionHolds(cond, state)
			if err != nil {
				return err
			}
		}
		if !hold {
			continue
		}
		if err := a.Host.Publish(ctx, to, Envelope{
			Type:     "TRANSITION",
			Metadata: a.Meta,
			Data:     a.Data,
		}); err != nil {
			return err
		}
		emitted++
	}

	if a.Meta.RoutesToParent() {
		if err := a.Host.Publish(ctx, a.Meta.PA, Envelope{
			Type:     "RESULT",
			Status:   "success",
			Code:     CodeSuccess,
			Metadata: Metadata{JobID: a.Meta.PJ, AID: a.Meta.PA, GID: a.Meta.PG, Dad: a.Meta.PD},
			Data:     a.Data,
		}); err != nil {
			return err
		}
	}

	if a.Meta.NGN != "" {
		if err := a.Host.PublishQuorumJob(ctx, a.Meta.NGN, Envelope{
			Type:     "job",
			Metadata: a.Meta,
			Data:     a.Data,
		}); err != nil {
			return err
		}
	}

	if !hasChildren || emitted == 0 {
		newStatus, err := a.Host.Store().SetStatus(ctx, a.Meta.JobID, -1)
		if err != nil {
			return err
		}
		if newStatus <= 0 {
			return a.Host.CompleteJob(ctx, a.Meta, CompletionOpts{
				Publish: a.Schema.Publishes,
				Expire:  a.Schema.Expire,
			})
		}
	}
	return nil
}

// loadFullState fetches this activity's own produced fields (the only
// ones a transition condition guarding its outgoing edges can
// reference) and merges in its freshly-written local data, since the
// Store contract has no "dump whole hash" operation (spec §4.3
// getState always takes an explicit field list).
func (a *Activity) loadFullState(ctx context.Context) (map[string]interface{}, error) {
	root := a.rootDoc()
	if len(a.Schema.Produces) == 0 {
		return root, nil
	}
	paths := make([]string, len(a.Schema.Produces))
	for i, p := range a.Schema.Produces {
		paths[i] = a.Schema.ID + "/" + p
	}
	fields, err := a.Host.Serializer().Abbreviate(paths, a.scopeIDs())
	if err != nil {
		return nil, err
	}
	flat, err := a.Host.Store().GetState(ctx, a.Meta.JobID, fields)
	if err != nil {
		if _, ok := err.(*merrs.NotFoundError); ok {
			return root, nil
		}
		return nil, err
	}
	doc, err := a.Host.Serializer().Unpackage(flat, a.scopeIDs())
	if err != nil {
		return nil, err
	}
	for k, v := range doc {
		root[k] = v
	}
	return root, nil
}
