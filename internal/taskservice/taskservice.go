// Package taskservice implements the web-hook and time-hook scouts
// described in spec §4.12: processWebHooks drains the active web-hook
// queue into the engine's hook handler, processTimeHooks ticks on a
// fidelity cadence and drains due time-tasks (sleep/interrupt/expire/
// delist/child), and registerJobForCleanup schedules a job's eventual
// expiry.
//
// Grounded on the teacher's cmd/workflow-runner/worker/http_worker.go
// poll loop (XReadGroup-block, dispatch, ack) generalized from stream
// consumption to the Store's task-queue/time-hook primitives, and on
// robfig/cron for the fidelity-tick scheduling spec §4.12 calls for
// ("on every fidelity tick (configurable seconds)").
package taskservice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/store"
)

// Engine is the subset of internal/engine.Engine this service drives.
// Declared locally, rather than importing internal/engine's concrete
// type, purely to avoid a needless compile-time dependency: taskservice
// only ever calls these three methods.
type Engine interface {
	HookTime(ctx context.Context, jobID, gID, aid string) error
	WebHook(ctx context.Context, topic string, data map[string]interface{}, status string, code int) error
	Interrupt(ctx context.Context, topic, jobID string, opts store.InterruptOptions) error
}

// WebHookItem is one queued inbound web-hook delivery.
type WebHookItem struct {
	Topic  string                 `json:"topic"`
	Data   map[string]interface{} `json:"data"`
	Status string                 `json:"status"`
	Code   int                    `json:"code"`
}

// TaskService drains an app's web-hook queue and time-hook schedule.
type TaskService struct {
	appID  string
	st     store.Store
	minter *keyminter.Minter
	eng    Engine
	log    *logger.Logger

	fidelitySeconds int
	scoutTTLSec     int

	cronRunner *cron.Cron
}

// New constructs a TaskService for one app.
func New(appID string, st store.Store, minter *keyminter.Minter, eng Engine, log *logger.Logger, fidelitySeconds, scoutTTLSec int) *TaskService {
	return &TaskService{
		appID:           appID,
		st:              st,
		minter:          minter,
		eng:             eng,
		log:             log,
		fidelitySeconds: fidelitySeconds,
		scoutTTLSec:     scoutTTLSec,
	}
}

// ProcessWebHooks drains items from the active web-hook queue until
// none remain, per spec §4.12 "processWebHooks(handler): pop items
// from active web-hook queue; invoke engine hook(topic, data, status,
// code)".
func (t *TaskService) ProcessWebHooks(ctx context.Context) error {
	srcKey, ok, err := t.st.GetActiveTaskQueue(ctx, t.appID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	dstKey := srcKey + ":processing"

	for {
		raw, popped, err := t.st.ProcessTaskQueue(ctx, srcKey, dstKey)
		if err != nil {
			return err
		}
		if !popped {
			return nil
		}

		var item WebHookItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			t.logError("webhook item malformed", err)
			_ = t.st.DeleteProcessedTaskQueue(ctx, raw, dstKey, "", true)
			continue
		}
		if err := t.eng.WebHook(ctx, item.Topic, item.Data, item.Status, item.Code); err != nil {
			t.logError("webhook handler failed", err)
		}
		if err := t.st.DeleteProcessedTaskQueue(ctx, raw, dstKey, "", false); err != nil {
			t.logError("webhook queue cleanup failed", err)
		}
	}
}

// RunWebHookScout ticks every fidelitySeconds and drains the active
// web-hook queue until ctx is cancelled, mirroring RunTimeHookScout's
// cadence but with no scout-role arbitration: every engine instance
// drains its own app's web-hook queue independently.
func (t *TaskService) RunWebHookScout(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(t.fidelitySeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.ProcessWebHooks(ctx); err != nil {
				t.logError("webhook scout tick failed", err)
			}
		}
	}
}

// timeHookNotifier is implemented by store backends that can push
// newly-due bucket keys instead of making the scout poll for them
// (currently sqlstore, via Postgres LISTEN/NOTIFY). Checked with a type
// assertion rather than added to store.Store so backends without a
// push mechanism (nativestore, memstore) aren't forced to stub it.
type timeHookNotifier interface {
	ListenTimeHooks(ctx context.Context, appID string, onNotify func(key string)) error
}

// RunTimeHookScout starts a cron job that ticks every fidelitySeconds
// and drains due time-hook tasks until ctx is cancelled, per spec
// §4.12 "processTimeHooks(handler): scout role time; on every fidelity
// tick ... call getNextTask repeatedly while work exists." When the
// Store backend supports push notification (the SQL-emulated store's
// LISTEN/NOTIFY, spec §4.3 "react without polling"), also drains the
// specific bucket a notification names as soon as it arrives, instead
// of waiting for the next fidelity tick; the cron tick keeps running
// regardless, as a backend-agnostic fallback and safety net.
func (t *TaskService) RunTimeHookScout(ctx context.Context) error {
	spec := fmt.Sprintf("@every %ds", t.fidelitySeconds)
	t.cronRunner = cron.New()
	if _, err := t.cronRunner.AddFunc(spec, func() {
		if err := t.tick(ctx); err != nil {
			t.logError("time hook tick failed", err)
		}
	}); err != nil {
		return fmt.Errorf("taskservice: schedule fidelity tick: %w", err)
	}
	t.cronRunner.Start()

	if notifier, ok := t.st.(timeHookNotifier); ok {
		go func() {
			onNotify := func(key string) {
				if err := t.tickBucket(ctx, key); err != nil {
					t.logError("time hook notify drain failed", err)
				}
			}
			if err := notifier.ListenTimeHooks(ctx, t.appID, onNotify); err != nil && ctx.Err() == nil {
				t.logError("time hook listen failed", err)
			}
		}()
	}

	<-ctx.Done()
	stopped := t.cronRunner.Stop()
	<-stopped.Done()
	return ctx.Err()
}

func (t *TaskService) tick(ctx context.Context) error {
	// An empty listKey tells the backend to scan its own WorkItemsKey
	// index for the next due bucket itself, rather than naming one.
	return t.drain(ctx, "")
}

// tickBucket drains one specific bucket named by a LISTEN/NOTIFY
// payload, bypassing the due-bucket index scan entirely.
func (t *TaskService) tickBucket(ctx context.Context, key string) error {
	return t.drain(ctx, key)
}

func (t *TaskService) drain(ctx context.Context, listKey string) error {
	won, err := t.st.ReserveScoutRole(ctx, "time", t.scoutTTLSec)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	for {
		_, jobID, gID, aid, taskType, drained, err := t.st.GetNextTask(ctx, t.appID, listKey)
		if err != nil {
			return err
		}
		if !drained {
			return nil // no due bucket: no work left
		}
		if jobID == "" {
			// The bucket was empty and has been removed from the index.
			if listKey != "" {
				return nil
			}
			continue
		}
		if err := t.dispatch(ctx, jobID, gID, aid, taskType); err != nil {
			t.logError("time task dispatch failed", err)
		}
	}
}

// dispatch routes one due time-task by type, per spec §4.12's table:
// "sleep -> hookTime; interrupt/expire -> interrupt(suppress,expire=1);
// delist -> delete signal key; child -> skip (handled by ancestor)".
func (t *TaskService) dispatch(ctx context.Context, jobID, gID, aid, taskType string) error {
	switch taskType {
	case "sleep":
		return t.eng.HookTime(ctx, jobID, gID, aid)
	case "interrupt", "expire":
		return t.eng.Interrupt(ctx, aid, jobID, store.InterruptOptions{Suppress: true, Expire: 1})
	case "delist":
		return t.st.DeleteHookSignal(ctx, jobID)
	case "child":
		return nil // owned by the ancestor's own time task
	default:
		return fmt.Errorf("taskservice: unknown time task type %q", taskType)
	}
}

// RegisterJobForCleanup enqueues a delayed expire task for jobId, per
// spec §4.12 "registerJobForCleanup(jobId, expireSec, opts): either
// direct expireJob or enqueue a delayed expire task."
func (t *TaskService) RegisterJobForCleanup(ctx context.Context, jobID, gID, aid string, nowMillis int64, expireSec int) error {
	if expireSec <= 0 {
		return t.st.Scrub(ctx, jobID)
	}
	tAt := nowMillis + int64(expireSec)*1000
	return t.st.RegisterTimeHook(ctx, t.appID, jobID, gID, aid, "expire", tAt, false, nil)
}

func (t *TaskService) logError(msg string, err error) {
	if t.log != nil {
		t.log.Error(msg, "err", err)
	}
}
