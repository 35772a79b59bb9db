// Package compiler implements the manifest compiler/deployer described
// in spec §4.7: validates a declarative graph manifest, computes
// per-activity consumes/produces paths, reserves symbol ranges, and
// materializes schemas, transitions, hook patterns, subscriptions, and
// consumer groups in the backend store. Grounded on the teacher's
// cmd/workflow-runner/compiler/ir.go (IR construction from a node/edge
// schema, dependency wiring) and cmd/orchestrator/service/materializer.go
// (json-patch versioned materialization), generalized from a flat
// node/edge DSL to the manifest's graph/activity/transition/hook shape
// and extended with the compiler's 16-step deploy pipeline.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/manifest"
	"github.com/lyzr/meshflow/internal/merrs"
	"github.com/lyzr/meshflow/internal/serializer"
	"github.com/lyzr/meshflow/internal/store"
	"github.com/lyzr/meshflow/internal/stream"
)

// engineGroup is the consumer group name every Engine instance shares
// on an app's main stream, per spec §4.10.
const engineGroup = "ENGINE"

// workerGroupPrefix namespaces per-subtype worker consumer groups so
// they can't collide with engineGroup.
const workerGroupPrefix = "WORKER-"

// CompiledActivity is one activity's materialized form after all 16
// deploy steps, ready to be persisted as per-activity schema JSON.
type CompiledActivity struct {
	ID         string                 `json:"id"`
	Type       manifest.ActivityType  `json:"type"`
	Topic      string                 `json:"topic,omitempty"`
	Subtype    string                 `json:"subtype,omitempty"`
	Job        map[string]interface{} `json:"job,omitempty"`
	Consumes   []string               `json:"consumes,omitempty"`
	Produces   []string               `json:"produces,omitempty"`
	Trigger    string                 `json:"trigger,omitempty"`
	Subscribes string                 `json:"subscribes,omitempty"`
	Publishes  string                 `json:"publishes,omitempty"`
	Expire     int                    `json:"expire,omitempty"`
	Persistent bool                   `json:"persistent,omitempty"`
	Parent     string                 `json:"parent,omitempty"`
	Cycle      bool                   `json:"cycle,omitempty"`
	Ancestor   string                 `json:"ancestor,omitempty"`
	Collation  string                 `json:"collation"`
}

// Plan is the fully compiled, not-yet-persisted output of Deploy's
// in-memory steps (1-11); PersistPlan executes steps 12-16.
type Plan struct {
	AppID, Version string
	Activities     map[string]*CompiledActivity
	Produces       []string // trigger-level PRODUCES (spec §4.7 step 9)

	Schemas       map[string]string // activityID -> JSON schema
	Subscriptions map[string]string // topic -> trigger activityID
	Transitions   map[string]string // ".<fromActivityId>" -> JSON {to:conditions|true}
	HookRules     map[string]string // hook topic -> JSON [{to,conditions}]
	WorkerGroups  []string          // resolved worker subtypes needing a WORKER consumer group
}

// Compiler compiles and deploys manifests against a Store.
type Compiler struct {
	store   store.Store
	minter  *keyminter.Minter
	ser     *serializer.Serializer
	log     *logger.Logger
	streams *stream.Stream // optional: nil skips step 16's group creation
}

// New builds a Compiler over the given backend. streams may be nil in
// contexts (such as offline plan validation) where consumer groups
// should not be touched; Deploy then skips step 16.
func New(st store.Store, minter *keyminter.Minter, ser *serializer.Serializer, log *logger.Logger, streams *stream.Stream) *Compiler {
	return &Compiler{store: st, minter: minter, ser: ser, log: log, streams: streams}
}

// Plan loads a manifest file, validates it, and returns it unchanged.
// Schema "$ref" values are kept as written; Plan does not dereference
// them.
func (c *Compiler) Plan(path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Deploy runs the full 16-step compiler pipeline and persists the
// result to the store.
func (c *Compiler) Deploy(ctx context.Context, m *manifest.Manifest) (*Plan, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}

	plan := &Plan{
		AppID:         m.App.ID,
		Version:       m.App.Version,
		Activities:    make(map[string]*CompiledActivity),
		Schemas:       make(map[string]string),
		Subscriptions: make(map[string]string),
		Transitions:   make(map[string]string),
		HookRules:     make(map[string]string),
	}

	// Steps 1-9: in-memory graph transforms.
	collateCompile(m, plan)
	convertActivitiesToHooks(plan)
	convertTopicsToTypes(plan)
	copyJobSchemas(m, plan)
	bindBackRefs(m, plan)
	bindParents(m, plan)
	bindCycleTarget(m, plan)
	if err := resolveMappingDependencies(m, plan); err != nil {
		return nil, err
	}
	resolveJobMapsPaths(m, plan)

	// Step 10: symbol-key reservation.
	if err := c.generateSymKeys(ctx, m, plan); err != nil {
		return nil, err
	}

	// Step 11: value-symbol mining.
	if err := c.generateSymVals(ctx, m, plan); err != nil {
		return nil, err
	}

	// Steps 12-16: persist to backend.
	if err := c.persistPlan(ctx, m, plan); err != nil {
		return nil, err
	}

	return plan, nil
}

// Redeploy applies an ordered JSON-patch set onto a previously
// deployed manifest and re-runs the full deploy pipeline (steps 1-16)
// against the patched result. This is the versioned-redeploy model:
// a cumulative JSON-patch chain rather than a bare YAML swap, grounded
// on the teacher's cmd/orchestrator/service/materializer.go
// applyPatch/DecodePatch sequence.
func (c *Compiler) Redeploy(ctx context.Context, prev *manifest.Manifest, patchJSON []byte) (*Plan, error) {
	raw, err := json.Marshal(prev)
	if err != nil {
		return nil, fmt.Errorf("compiler: marshal previous manifest: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("compiler: decode patch: %w", err)
	}
	patched, err := patch.Apply(raw)
	if err != nil {
		return nil, fmt.Errorf("compiler: apply patch: %w", err)
	}

	m, err := manifest.Parse(patched)
	if err != nil {
		return nil, fmt.Errorf("compiler: parse patched manifest: %w", err)
	}
	return c.Deploy(ctx, m)
}

// --- step 1 ---

// collateCompile assigns each activity a deterministic collation code
// (its position in a stable, name-sorted traversal of its graph) and
// registers every activity's CompiledActivity shell, per spec §4.7
// step 1 "Collator.compile(graphs): assigns per-activity collation
// codes and synthetic DAG nodes for cycle/hook re-entry."
func collateCompile(m *manifest.Manifest, plan *Plan) {
	for _, g := range m.App.Graphs {
		ids := make([]string, 0, len(g.Activities))
		for id := range g.Activities {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for i, id := range ids {
			a := g.Activities[id]
			plan.Activities[id] = &CompiledActivity{
				ID:        id,
				Type:      a.Type,
				Topic:     a.Topic,
				Subtype:   a.Subtype,
				Job:       a.Job,
				Cycle:     a.Cycle,
				Ancestor:  a.Ancestor,
				Parent:    a.Parent,
				Collation: strconv.Itoa(i),
			}
		}
	}
}

// --- step 2 ---

// convertActivitiesToHooks renames the legacy "activity" type to
// "hook", per spec §4.7 step 2.
func convertActivitiesToHooks(plan *Plan) {
	for _, ca := range plan.Activities {
		if ca.Type == manifest.LegacyHook {
			ca.Type = manifest.Hook
		}
	}
}

// --- step 3 ---

// convertTopicsToTypes folds a bare "topic" into "subtype" for
// worker/await activities when subtype is unset, per spec §4.7 step 3.
func convertTopicsToTypes(plan *Plan) {
	for _, ca := range plan.Activities {
		if (ca.Type == manifest.Worker || ca.Type == manifest.Await) && ca.Subtype == "" && ca.Topic != "" {
			ca.Subtype = ca.Topic
		}
	}
}

// --- step 4 ---

// copyJobSchemas propagates a graph's input/output schema onto its
// trigger activity's job/output declaration, per spec §4.7 step 4.
func copyJobSchemas(m *manifest.Manifest, plan *Plan) {
	for _, g := range m.App.Graphs {
		var triggerID string
		for id, a := range g.Activities {
			if a.Type == manifest.Trigger {
				triggerID = id
				break
			}
		}
		if triggerID == "" {
			continue
		}
		ca := plan.Activities[triggerID]
		if ca.Job == nil {
			ca.Job = make(map[string]interface{})
		}
		if g.Input != nil {
			ca.Job["__input_schema"] = g.Input
		}
		if g.Output != nil {
			ca.Job["__output_schema"] = g.Output
		}
	}
}

// --- step 5 ---

// bindBackRefs sets each activity's trigger/subscribes/publishes/
// expire/persistent to its owning graph's values, per spec §4.7 step 5.
func bindBackRefs(m *manifest.Manifest, plan *Plan) {
	for _, g := range m.App.Graphs {
		var triggerID string
		for id, a := range g.Activities {
			if a.Type == manifest.Trigger {
				triggerID = id
				break
			}
		}
		for id := range g.Activities {
			ca := plan.Activities[id]
			ca.Trigger = triggerID
			ca.Subscribes = g.Subscribes
			ca.Publishes = g.Publishes
			ca.Expire = g.Expire
			ca.Persistent = g.Persistent
		}
	}
}

// --- step 6 ---

// bindParents records each activity's unique DAG parent from the
// graph's transitions map, per spec §4.7 step 6.
func bindParents(m *manifest.Manifest, plan *Plan) {
	for _, g := range m.App.Graphs {
		for from, edges := range g.Transitions {
			for _, e := range edges {
				if ca, ok := plan.Activities[e.To]; ok && ca.Parent == "" {
					ca.Parent = from
				}
			}
		}
	}
}

// --- step 7 ---

// bindCycleTarget marks the ancestor of every cycle activity as a
// cycle target, per spec §4.7 step 7.
func bindCycleTarget(m *manifest.Manifest, plan *Plan) {
	for _, ca := range plan.Activities {
		if ca.Type == manifest.Cycle && ca.Ancestor != "" {
			if target, ok := plan.Activities[ca.Ancestor]; ok {
				target.Cycle = true
			}
		}
	}
}

// --- step 8 ---

// resolveMappingDependencies walks every string value in each
// activity's Job map; strings matching "^{[^@].*}$" and not a system/
// context var are mapping rules. Each is attributed to the producing
// activity's Produces and the consuming activity's Consumes, per spec
// §4.7 step 8.
func resolveMappingDependencies(m *manifest.Manifest, plan *Plan) error {
	for id, ca := range plan.Activities {
		paths, err := collectMappingRefs(ca.Job)
		if err != nil {
			return err
		}
		for _, ref := range paths {
			head := strings.SplitN(ref, ".", 2)[0]
			if systemVars[head] || contextVars[head] {
				continue
			}
			if src, ok := plan.Activities[head]; ok {
				rest := ""
				if parts := strings.SplitN(ref, ".", 2); len(parts) == 2 {
					rest = parts[1]
				}
				canon := canonicalizePath(src.Type, rest)
				src.Produces = appendUnique(src.Produces, canon)
				ca.Consumes = appendUnique(ca.Consumes, head+"."+canon)
			}
		}
	}
	return nil
}

// canonicalizePath normalizes a raw mapping sub-path into the relative
// form spec §4.7 step 8 names: "hook/data/...", "input/data/...",
// "output/{data,metadata}/...", or a bare $job path.
func canonicalizePath(t manifest.ActivityType, rest string) string {
	if rest == "" {
		return "output/data"
	}
	if strings.HasPrefix(rest, "output.") || strings.HasPrefix(rest, "input.") || strings.HasPrefix(rest, "hook.") {
		return strings.ReplaceAll(rest, ".", "/")
	}
	if strings.HasPrefix(rest, "data.") || strings.HasPrefix(rest, "metadata.") {
		return "output/" + strings.ReplaceAll(rest, ".", "/")
	}
	if t == manifest.Hook {
		return "hook/data/" + strings.ReplaceAll(rest, ".", "/")
	}
	return "output/data/" + strings.ReplaceAll(rest, ".", "/")
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

func collectMappingRefs(v interface{}) ([]string, error) {
	var out []string
	var walk func(interface{}) error
	walk = func(v interface{}) error {
		switch t := v.(type) {
		case string:
			if strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") && !strings.HasPrefix(t, "{@") {
				out = append(out, t[1:len(t)-1])
			}
		case map[string]interface{}:
			for _, vv := range t {
				if err := walk(vv); err != nil {
					return err
				}
			}
		case []interface{}:
			for _, vv := range t {
				if err := walk(vv); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return out, nil
}

// --- step 9 ---

// resolveJobMapsPaths computes the trigger's PRODUCES by recursively
// flattening every activity's job.maps paths, expanding a numeric
// "name[N]" into "name/0".."name/N-1"; non-numeric brackets ("[-]",
// "[_]") contribute nothing, per spec §4.7 step 9 and §8's boundary
// test ("friends[25]" expands to 25 entries).
func resolveJobMapsPaths(m *manifest.Manifest, plan *Plan) {
	var produces []string
	for _, ca := range plan.Activities {
		flattenJobMaps("", ca.Job, &produces)
	}
	plan.Produces = produces
}

func flattenJobMaps(prefix string, v interface{}, out *[]string) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	for k, val := range m {
		path := k
		if prefix != "" {
			path = prefix + "/" + k
		}
		name, n, isArray := parseBracketKey(k)
		if isArray {
			base := name
			if prefix != "" {
				base = prefix + "/" + name
			}
			for i := 0; i < n; i++ {
				*out = append(*out, fmt.Sprintf("%s/%d", base, i))
			}
			continue
		}
		if sub, ok := val.(map[string]interface{}); ok {
			flattenJobMaps(path, sub, out)
		} else {
			*out = append(*out, path)
		}
	}
}

// parseBracketKey parses a job.maps key like "friends[25]" into
// ("friends", 25, true); "friends[-]"/"friends[_]" return (_, 0,
// false) since they contribute nothing.
func parseBracketKey(k string) (string, int, bool) {
	open := strings.Index(k, "[")
	if open < 0 || !strings.HasSuffix(k, "]") {
		return k, 0, false
	}
	name := k[:open]
	inner := k[open+1 : len(k)-1]
	n, err := strconv.Atoi(inner)
	if err != nil {
		return name, 0, false
	}
	return name, n, true
}

// --- step 10 ---

// generateSymKeys reserves a JOB symbol range (keyed by "$<triggerTopic>")
// per graph and an ACTIVITY range per activity, binding symbols for
// PRODUCES / each activity's own Produces (plus its "$self" mappings),
// per spec §4.7 step 10 and §3 "286 slots (26 metadata + 260 data)".
func (c *Compiler) generateSymKeys(ctx context.Context, m *manifest.Manifest, plan *Plan) error {
	const metadataSlots = 26
	const dataSlots = 260
	const totalSlots = metadataSlots + dataSlots

	for _, g := range m.App.Graphs {
		scope := "$" + g.Subscribes
		lo, hi, _, err := c.store.ReserveSymbolRange(ctx, scope, totalSlots, "JOB")
		if err != nil {
			return err
		}
		kt := serializer.NewKeyTable(scope, lo, hi)
		c.ser.BindScope(scope, kt)
		for _, p := range plan.Produces {
			if _, err := kt.Token(p); err != nil {
				return &merrs.SymbolRangeExhaustedError{Scope: scope, Start: lo, Max: hi}
			}
		}
	}

	for id, ca := range plan.Activities {
		lo, hi, _, err := c.store.ReserveSymbolRange(ctx, id, totalSlots, "ACTIVITY")
		if err != nil {
			return err
		}
		kt := serializer.NewKeyTable(id, lo, hi)
		c.ser.BindScope(id, kt)
		for _, p := range ca.Produces {
			if _, err := kt.Token(p); err != nil {
				return &merrs.SymbolRangeExhaustedError{Scope: id, Start: lo, Max: hi}
			}
		}
	}
	return nil
}

// --- step 11 ---

// generateSymVals mines string literals >=6 chars from enum/examples/
// default fields across every activity's input/output schema and
// allocates new value-symbols for them via filterSymVals, per spec
// §4.7 step 11 and §3 "value-symbols ... capacity = 52^2".
func (c *Compiler) generateSymVals(ctx context.Context, m *manifest.Manifest, plan *Plan) error {
	var literals []string
	for _, g := range m.App.Graphs {
		for _, a := range g.Activities {
			mineSchemaLiterals(a.Input, &literals)
			mineSchemaLiterals(a.Output, &literals)
		}
	}
	if len(literals) == 0 {
		return nil
	}
	added, err := c.ser.Values.FilterSymVals(serializer.ValueCapacity, literals)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		return c.store.AddSymbolValues(ctx, plan.AppID, added, nil)
	}
	return nil
}

func mineSchemaLiterals(s *manifest.Schema, out *[]string) {
	if s == nil {
		return
	}
	for _, v := range s.Properties {
		props, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		for _, field := range []string{"enum", "examples", "default"} {
			mineLiteralValue(props[field], out)
		}
	}
}

func mineLiteralValue(v interface{}, out *[]string) {
	switch t := v.(type) {
	case string:
		if len(t) >= 6 {
			*out = append(*out, t)
		}
	case []interface{}:
		for _, e := range t {
			mineLiteralValue(e, out)
		}
	}
}

// --- steps 12-16: persist ---

func (c *Compiler) persistPlan(ctx context.Context, m *manifest.Manifest, plan *Plan) error {
	tx := c.store.NewTransaction(ctx)
	defer tx.Discard()

	if err := c.deployHookPatterns(ctx, m, plan, tx); err != nil {
		return err
	}
	if err := c.deployActivitySchemas(ctx, plan, tx); err != nil {
		return err
	}
	if err := c.deploySubscriptions(ctx, m, plan, tx); err != nil {
		return err
	}
	if err := c.deployTransitions(ctx, m, plan, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return c.deployConsumerGroups(ctx, plan)
}

// --- step 12 ---

// deployHookPatterns persists hook rules and back-links each target
// activity to its hook topic, per spec §4.7 step 12.
func (c *Compiler) deployHookPatterns(ctx context.Context, m *manifest.Manifest, plan *Plan, tx store.Transaction) error {
	rules := make(map[string]string)
	for _, g := range m.App.Graphs {
		for topic, bindings := range g.Hooks {
			b, err := json.Marshal(bindings)
			if err != nil {
				return fmt.Errorf("compiler: marshal hook bindings for %q: %w", topic, err)
			}
			rules[topic] = string(b)
			for _, binding := range bindings {
				if ca, ok := plan.Activities[binding.To]; ok {
					ca.Topic = topic
				}
			}
		}
	}
	plan.HookRules = rules
	if len(rules) == 0 {
		return nil
	}
	return c.store.SetHookRules(ctx, plan.AppID, rules, tx)
}

// --- step 13 ---

// deployActivitySchemas removes the transient Job field's internal
// schema markers and persists the remaining per-activity schema JSON,
// per spec §4.7 step 13.
func (c *Compiler) deployActivitySchemas(ctx context.Context, plan *Plan, tx store.Transaction) error {
	schemas := make(map[string]string, len(plan.Activities))
	for id, ca := range plan.Activities {
		clean := *ca
		b, err := json.Marshal(&clean)
		if err != nil {
			return fmt.Errorf("compiler: marshal schema for %q: %w", id, err)
		}
		schemas[id] = string(b)
	}
	plan.Schemas = schemas
	return c.store.SetSchemas(ctx, plan.AppID, schemas, tx)
}

// --- step 14 ---

// deploySubscriptions publishes the publish-topic -> trigger-activity
// map, per spec §4.7 step 14.
func (c *Compiler) deploySubscriptions(ctx context.Context, m *manifest.Manifest, plan *Plan, tx store.Transaction) error {
	subs := make(map[string]string)
	for _, g := range m.App.Graphs {
		for id, a := range g.Activities {
			if a.Type == manifest.Trigger {
				subs[g.Subscribes] = id
			}
		}
	}
	plan.Subscriptions = subs
	if len(subs) == 0 {
		return nil
	}
	return c.store.SetSubscriptions(ctx, plan.AppID, subs, tx)
}

// --- step 15 ---

// deployTransitions stores each graph's transitions as private
// subscriptions keyed by ".<fromActivityId>" (and ".<privateTopic>"
// when a graph's subscribes starts with "."), per spec §4.7 step 15.
func (c *Compiler) deployTransitions(ctx context.Context, m *manifest.Manifest, plan *Plan, tx store.Transaction) error {
	transitions := make(map[string]string)
	for _, g := range m.App.Graphs {
		for from, edges := range g.Transitions {
			entry := make(map[string]interface{}, len(edges))
			for _, e := range edges {
				if e.Conditions != nil {
					entry[e.To] = e.Conditions
				} else {
					entry[e.To] = true
				}
			}
			b, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("compiler: marshal transitions from %q: %w", from, err)
			}
			transitions["."+from] = string(b)
		}
		if strings.HasPrefix(g.Subscribes, ".") {
			transitions[g.Subscribes] = "true"
		}
	}
	plan.Transitions = transitions
	if len(transitions) == 0 {
		return nil
	}
	return c.store.SetTransitions(ctx, plan.AppID, transitions, tx)
}

// --- step 16 ---

// deployConsumerGroups creates the ENGINE group on the app's main
// stream and a WORKER group per unique, fully-resolved worker subtype
// stream, skipping templated subtypes that still contain a mapping
// placeholder (those resolve only at runtime, once an upstream
// activity's output is known), per spec §4.7 step 16.
func (c *Compiler) deployConsumerGroups(ctx context.Context, plan *Plan) error {
	seen := make(map[string]bool)
	for _, ca := range plan.Activities {
		if ca.Type != manifest.Worker || ca.Subtype == "" {
			continue
		}
		if strings.Contains(ca.Subtype, "{") {
			continue // templated subtype, resolved only at runtime
		}
		if seen[ca.Subtype] {
			continue
		}
		seen[ca.Subtype] = true
		plan.WorkerGroups = append(plan.WorkerGroups, ca.Subtype)
	}

	if c.streams == nil {
		return nil
	}
	appStream := c.minter.StreamsKey(plan.AppID, "")
	if err := c.streams.EnsureGroup(ctx, appStream, engineGroup); err != nil {
		return err
	}
	for _, subtype := range plan.WorkerGroups {
		streamKey := c.minter.StreamsKey(plan.AppID, subtype)
		if err := c.streams.EnsureGroup(ctx, streamKey, workerGroupPrefix+subtype); err != nil {
			return err
		}
	}
	return nil
}
