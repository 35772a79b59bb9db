package activity

import (
	"context"
	"fmt"

	"github.com/lyzr/meshflow/internal/store"
)

// DefaultExpireSeconds is a default job expiry, in seconds. No code in
// this module reads it.
const DefaultExpireSeconds = 120

// processTrigger implements leg-1 for a trigger activity: it sets jid
// (minted when absent), app, tpc and ts (when absent) on the job
// metadata, creates the job with setStateNX, writes the resolved
// initial state and emits transitions to children. It does not stamp
// the app version (vrs) and writes no jc collation counter.
func (a *Activity) processTrigger(ctx context.Context) error {
	if a.Meta.JobID == "" {
		a.Meta.JobID = a.Host.NewGUID()
	}
	a.Meta.App = a.Host.AppID()
	a.Meta.Topic = a.Schema.Subscribes
	if a.Meta.TS == "" {
		a.Meta.TS = fmt.Sprintf("%d", a.Host.NowMillis())
	}

	transitions, hasChildren := a.Host.Transitions(a.Schema.ID)
	initialStatus := float64(1)
	if hasChildren && len(transitions) > 0 {
		initialStatus = float64(len(transitions))
	}

	created, err := a.Host.Store().SetStateNX(ctx, a.Meta.JobID, a.Host.AppID(), &initialStatus, "")
	if err != nil {
		return err
	}
	if !created {
		return nil // duplicate trigger delivery for an existing job: no-op
	}

	resolved, err := a.resolveMapping(ctx)
	if err != nil {
		return err
	}
	if err := a.writeState(ctx, resolved, "data"); err != nil {
		return err
	}

	for to, cond := range transitions {
		hold := true
		if cond != true {
			state, err := a.loadFullState(ctx)
			if err != nil {
				return err
			}
			if hold, err = a.Host.ConditionHolds(cond, state); err != nil {
				return err
			}
		}
		if !hold {
			continue
		}
		if err := a.Host.Publish(ctx, to, Envelope{
			Type:     "TRANSITION",
			Metadata: a.Meta,
			Data:     resolved,
		}); err != nil {
			return err
		}
	}
	return nil
}

// processAwaitLeg1 publishes an AWAIT message that instantiates the
// subordinate graph's trigger with parent linkage bound, per spec
// §4.8 "await: invokes a subordinate job ... bound by parent via
// pj/pa, or detached when await=false" and §4.10's AWAIT dispatch row.
func (a *Activity) processAwaitLeg1(ctx context.Context) error {
	resolved, err := a.resolveMapping(ctx)
	if err != nil {
		return err
	}

	detached := false
	if v, ok := a.Schema.Job["await"].(bool); ok && !v {
		detached = true
	}
	childMeta := Metadata{
		App:   a.Host.AppID(),
		Topic: a.Schema.Subtype,
	}
	if !detached {
		childMeta.PJ = a.Meta.JobID
		childMeta.PA = a.Schema.ID
		childMeta.PG = a.Meta.GID
		childMeta.PD = a.Meta.Dad
		childMeta.Trc = a.Meta.Trc
		childMeta.Spn = a.Meta.Spn
	}

	trigger, ok := a.Host.TriggerByTopic(a.Schema.Subtype)
	if !ok {
		return fmt.Errorf("activity %q: no trigger bound for await subtype %q", a.Schema.ID, a.Schema.Subtype)
	}
	return a.Host.Publish(ctx, trigger.ID, Envelope{
		Type:     "AWAIT",
		Metadata: childMeta,
		Data:     resolved,
	})
}

// processWorkerLeg implements leg-2 for a worker activity: resolve its
// mapping and publish to the worker-subtype stream, per spec §4.8
// "worker: emits a message to streams(appId, topic=subtype)".
func (a *Activity) processWorkerLeg(ctx context.Context) error {
	resolved, err := a.resolveMapping(ctx)
	if err != nil {
		return err
	}
	return a.Host.PublishWork(ctx, a.Schema.Subtype, Envelope{
		Metadata: Metadata{JobID: a.Meta.JobID, AID: a.Schema.ID, GID: a.Meta.GID, Dad: a.Meta.Dad},
		Data:     resolved,
	})
}

// processHookEntry is the deploy-time no-op leg for a hook activity:
// hooks are re-entrant and only act on processWebHookEvent/
// processTimeHookEvent, per spec §4.8.
func (a *Activity) processHookEntry(ctx context.Context) error {
	return nil
}

// ProcessWebHookEvent re-enters a hook on an inbound webhook delivery,
// per spec §4.8 "processWebHookEvent/processTimeHookEvent: for hooks."
func (a *Activity) ProcessWebHookEvent(ctx context.Context, status string, code int) error {
	return a.ProcessEvent(ctx, status, code, "hook")
}

// ProcessTimeHookEvent re-enters a hook on a scheduled time-hook firing.
func (a *Activity) ProcessTimeHookEvent(ctx context.Context, jobID string) error {
	a.Meta.JobID = jobID
	return a.ProcessEvent(ctx, "success", CodeSuccess, "hook")
}

// processSignal resolves the signal's topic+key mapping and registers
// it with the Store, per spec §4.8 "signal: emits a signal message
// identified by a resolved topic+key."
func (a *Activity) processSignal(ctx context.Context) error {
	resolved, err := a.resolveMapping(ctx)
	if err != nil {
		return err
	}
	key, _ := resolved["key"].(string)
	if key == "" {
		return fmt.Errorf("activity %q: signal requires a resolved job.key", a.Schema.ID)
	}
	if err := a.Host.Store().SetHookSignal(ctx, key, a.Meta.JobID); err != nil {
		return err
	}
	return a.collateAndAdvance(ctx)
}

// processCycle resolves new input and re-enters its ancestor
// activity, per spec §4.8 "cycle: re-enters an ancestor with updated
// input; the ancestor was marked cycle=true at deploy."
func (a *Activity) processCycle(ctx context.Context) error {
	resolved, err := a.resolveMapping(ctx)
	if err != nil {
		return err
	}
	if a.Schema.Ancestor == "" {
		return fmt.Errorf("activity %q: cycle has no ancestor bound", a.Schema.ID)
	}
	if err := a.Host.Publish(ctx, a.Schema.Ancestor, Envelope{
		Type:     "TRANSITION",
		Metadata: a.Meta,
		Data:     resolved,
	}); err != nil {
		return err
	}
	return a.collateAndAdvance(ctx)
}

// processInterrupt resolves its target job id and calls Store.Interrupt,
// per spec §4.8 "interrupt: terminates a target job."
func (a *Activity) processInterrupt(ctx context.Context) error {
	resolved, err := a.resolveMapping(ctx)
	if err != nil {
		return err
	}
	targetJobID, _ := resolved["jobId"].(string)
	if targetJobID == "" {
		targetJobID = a.Meta.JobID
	}
	opts := store.InterruptOptions{Throw: true, Descend: false, Expire: 1}
	if suppress, ok := a.Schema.Job["suppress"].(bool); ok {
		opts.Suppress = suppress
	}
	if descend, ok := a.Schema.Job["descend"].(bool); ok {
		opts.Descend = descend
	}
	if err := a.Host.Store().Interrupt(ctx, a.Schema.Topic, targetJobID, opts); err != nil {
		return err
	}
	return a.collateAndAdvance(ctx)
}
