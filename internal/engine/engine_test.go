package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshflow/internal/activity"
	"github.com/lyzr/meshflow/internal/compiler"
	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/manifest"
	"github.com/lyzr/meshflow/internal/serializer"
	"github.com/lyzr/meshflow/internal/store/memstore"
)

func newTestEngine(t *testing.T) (*Engine, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	minter := keyminter.New("test")
	ser := serializer.New()
	e := New("app1", "test", "guid1", st, minter, ser, nil, nil, nil, nil, 120)
	return e, st
}

func TestLoadPlanHydratesRoutingTables(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	t1 := &compiler.CompiledActivity{ID: "t1", Type: manifest.Trigger, Subscribes: "order.created"}
	w1 := &compiler.CompiledActivity{ID: "w1", Type: manifest.Worker, Subtype: "charge-card"}
	b1, err := json.Marshal(t1)
	require.NoError(t, err)
	b2, err := json.Marshal(w1)
	require.NoError(t, err)
	require.NoError(t, st.SetSchemas(ctx, "app1", map[string]string{"t1": string(b1), "w1": string(b2)}, nil))
	require.NoError(t, st.SetSubscriptions(ctx, "app1", map[string]string{"order.created": "t1"}, nil))
	require.NoError(t, st.SetTransitions(ctx, "app1", map[string]string{".t1": `{"w1":true}`}, nil))

	require.NoError(t, e.LoadPlan(ctx))

	ca, ok := e.ActivityByID("w1")
	require.True(t, ok)
	assert.Equal(t, "charge-card", ca.Subtype)

	trigger, ok := e.TriggerByTopic("order.created")
	require.True(t, ok)
	assert.Equal(t, "t1", trigger.ID)

	edges, ok := e.Transitions("t1")
	require.True(t, ok)
	assert.Equal(t, true, edges["w1"])
}

func TestConditionHoldsTrueLiteral(t *testing.T) {
	e, _ := newTestEngine(t)
	hold, err := e.ConditionHolds(true, nil)
	require.NoError(t, err)
	assert.True(t, hold)
}

func TestCompleteJobEmitSkipsCleanupAndResolvesWaiter(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ch := make(chan activity.Envelope, 1)
	e.waitersMu.Lock()
	e.waiters["job1"] = ch
	e.waitersMu.Unlock()

	err := e.CompleteJob(ctx, activity.Metadata{JobID: "job1"}, activity.CompletionOpts{Emit: true})
	require.NoError(t, err)

	select {
	case env := <-ch:
		assert.Equal(t, "job1", env.Metadata.JobID)
	default:
		t.Fatal("expected waiter to be resolved")
	}
}

func TestEnvelopeFieldsRoundTrip(t *testing.T) {
	env := activity.Envelope{
		Type:     "RESULT",
		Status:   "success",
		Code:     200,
		Metadata: activity.Metadata{JobID: "job1", AID: "w1"},
		Data:     map[string]interface{}{"amount": float64(12)},
	}
	fields, err := envelopeToFields(env)
	require.NoError(t, err)

	back, err := fieldsToEnvelope(fields)
	require.NoError(t, err)
	assert.Equal(t, env.Type, back.Type)
	assert.Equal(t, env.Status, back.Status)
	assert.Equal(t, env.Code, back.Code)
	assert.Equal(t, env.Metadata.JobID, back.Metadata.JobID)
	assert.Equal(t, env.Metadata.AID, back.Metadata.AID)
	assert.Equal(t, float64(12), back.Data["amount"])
}
