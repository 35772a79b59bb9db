package taskservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/store"
	"github.com/lyzr/meshflow/internal/store/memstore"
)

type fakeEngine struct {
	hookTimeCalls  int
	webHookCalls   int
	interruptCalls int
	lastInterrupt  store.InterruptOptions
	err            error
}

func (f *fakeEngine) HookTime(context.Context, string, string, string) error {
	f.hookTimeCalls++
	return f.err
}

func (f *fakeEngine) WebHook(context.Context, string, map[string]interface{}, string, int) error {
	f.webHookCalls++
	return f.err
}

func (f *fakeEngine) Interrupt(_ context.Context, _, _ string, opts store.InterruptOptions) error {
	f.interruptCalls++
	f.lastInterrupt = opts
	return f.err
}

func newTestService(t *testing.T) (*TaskService, *fakeEngine, store.Store) {
	t.Helper()
	st := memstore.New()
	minter := keyminter.New("test")
	eng := &fakeEngine{}
	return New("app1", st, minter, eng, nil, 1, 30), eng, st
}

func TestProcessWebHooksNoopsWithoutActiveQueue(t *testing.T) {
	ts, eng, _ := newTestService(t)
	require.NoError(t, ts.ProcessWebHooks(context.Background()))
	assert.Zero(t, eng.webHookCalls)
}

func TestDispatchRoutesSleepToHookTime(t *testing.T) {
	ts, eng, _ := newTestService(t)
	require.NoError(t, ts.dispatch(context.Background(), "job1", "g1", "a1", "sleep"))
	assert.Equal(t, 1, eng.hookTimeCalls)
}

func TestDispatchRoutesInterruptAndExpireToInterrupt(t *testing.T) {
	ts, eng, _ := newTestService(t)
	require.NoError(t, ts.dispatch(context.Background(), "job1", "g1", "a1", "interrupt"))
	require.NoError(t, ts.dispatch(context.Background(), "job1", "g1", "a1", "expire"))
	assert.Equal(t, 2, eng.interruptCalls)
	assert.True(t, eng.lastInterrupt.Suppress)
	assert.Equal(t, 1, eng.lastInterrupt.Expire)
}

func TestDispatchSkipsChildTask(t *testing.T) {
	ts, eng, _ := newTestService(t)
	require.NoError(t, ts.dispatch(context.Background(), "job1", "g1", "a1", "child"))
	assert.Zero(t, eng.hookTimeCalls)
	assert.Zero(t, eng.interruptCalls)
}

func TestDispatchRejectsUnknownTaskType(t *testing.T) {
	ts, _, _ := newTestService(t)
	err := ts.dispatch(context.Background(), "job1", "g1", "a1", "bogus")
	assert.Error(t, err)
}

func TestDispatchDeletesHookSignalOnDelist(t *testing.T) {
	ts, _, st := newTestService(t)
	require.NoError(t, st.RegisterTimeHook(context.Background(), "app1", "job1", "g1", "a1", "sleep", 1000, false, nil))
	require.NoError(t, ts.dispatch(context.Background(), "job1", "g1", "a1", "delist"))
}

func TestRegisterJobForCleanupScrubsWhenExpireSecNonPositive(t *testing.T) {
	ts, _, st := newTestService(t)
	status := 1.0
	require.NoError(t, st.SetState(context.Background(), "job1", map[string]string{"foo": "bar"}, &status, nil))
	require.NoError(t, ts.RegisterJobForCleanup(context.Background(), "job1", "g1", "a1", 0, 0))
	_, err := st.GetState(context.Background(), "job1", []string{"foo"})
	assert.Error(t, err, "Scrub should have removed job1's state")
}

func TestRegisterJobForCleanupSchedulesExpireTaskWhenPositive(t *testing.T) {
	ts, _, st := newTestService(t)
	require.NoError(t, ts.RegisterJobForCleanup(context.Background(), "job1", "g1", "a1", 1_000, 60))

	_, jobID, _, _, taskType, drained, err := st.GetNextTask(context.Background(), "app1", "")
	require.NoError(t, err)
	require.True(t, drained)
	assert.Equal(t, "job1", jobID)
	assert.Equal(t, "expire", taskType)
}
