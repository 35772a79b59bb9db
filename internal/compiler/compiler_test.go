package compiler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/manifest"
	"github.com/lyzr/meshflow/internal/serializer"
	"github.com/lyzr/meshflow/internal/store/memstore"
)

func sampleManifest() *manifest.Manifest {
	m := &manifest.Manifest{App: manifest.App{ID: "app1", Version: "1", Graphs: []*manifest.Graph{
		{
			Subscribes: "order.created",
			Publishes:  "order.completed",
			Activities: map[string]*manifest.Activity{
				"t1": {Type: manifest.Trigger},
				"w1": {Type: manifest.Worker, Subtype: "charge-card", Job: map[string]interface{}{
					"amount": "{t1.output.data.amount}",
				}},
			},
			Transitions: map[string][]manifest.Transition{
				"t1": {{To: "w1"}},
			},
		},
	}}}
	for _, g := range m.App.Graphs {
		for id, a := range g.Activities {
			a.ID = id
		}
	}
	return m
}

func TestValidateAcceptsKnownRefs(t *testing.T) {
	m := sampleManifest()
	require.NoError(t, Validate(m))
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	m := sampleManifest()
	m.App.Graphs = append(m.App.Graphs, m.App.Graphs[0])
	assert.Error(t, Validate(m))
}

func TestValidateRejectsUnknownRef(t *testing.T) {
	m := sampleManifest()
	m.App.Graphs[0].Activities["w1"].Job["amount"] = "{bogus.output.data.amount}"
	assert.Error(t, Validate(m))
}

func TestResolveMappingDependencies(t *testing.T) {
	m := sampleManifest()
	plan := &Plan{Activities: map[string]*CompiledActivity{
		"t1": {ID: "t1", Type: manifest.Trigger},
		"w1": {ID: "w1", Type: manifest.Worker, Job: m.App.Graphs[0].Activities["w1"].Job},
	}}
	require.NoError(t, resolveMappingDependencies(m, plan))
	assert.Contains(t, plan.Activities["t1"].Produces, "output/data/amount")
	assert.Contains(t, plan.Activities["w1"].Consumes, "t1.output/data/amount")
}

func TestResolveJobMapsPathsExpandsArrayIndex(t *testing.T) {
	plan := &Plan{Activities: map[string]*CompiledActivity{
		"w1": {ID: "w1", Job: map[string]interface{}{
			"friends[3]": map[string]interface{}{},
		}},
	}}
	resolveJobMapsPaths(nil, plan)
	assert.Len(t, plan.Produces, 3)
	assert.Contains(t, plan.Produces, "friends/0")
	assert.Contains(t, plan.Produces, "friends/2")
}

func TestParseBracketKey(t *testing.T) {
	name, n, ok := parseBracketKey("friends[25]")
	assert.True(t, ok)
	assert.Equal(t, "friends", name)
	assert.Equal(t, 25, n)

	_, _, ok2 := parseBracketKey("friends[-]")
	assert.False(t, ok2)
}

func TestConvertTopicsToTypes(t *testing.T) {
	plan := &Plan{Activities: map[string]*CompiledActivity{
		"w1": {Type: manifest.Worker, Topic: "charge-card"},
	}}
	convertTopicsToTypes(plan)
	assert.Equal(t, "charge-card", plan.Activities["w1"].Subtype)
}

func TestConvertActivitiesToHooks(t *testing.T) {
	plan := &Plan{Activities: map[string]*CompiledActivity{
		"h1": {Type: manifest.LegacyHook},
	}}
	convertActivitiesToHooks(plan)
	assert.Equal(t, manifest.Hook, plan.Activities["h1"].Type)
}

func TestRedeployAppliesPatchAndRedeploys(t *testing.T) {
	st := memstore.New()
	minter := keyminter.New("test")
	c := New(st, minter, serializer.New(), nil, nil)

	prev := sampleManifest()
	patch := []byte(`[{"op":"replace","path":"/app/version","value":"2"}]`)

	plan, err := c.Redeploy(context.Background(), prev, patch)
	require.NoError(t, err)
	assert.Equal(t, "app1", plan.AppID)
	assert.Equal(t, "2", plan.Version)
	assert.Contains(t, plan.Activities, "w1")
}

func TestDeployConsumerGroupsSkipsTemplatedSubtype(t *testing.T) {
	c := &Compiler{}
	plan := &Plan{AppID: "app1", Activities: map[string]*CompiledActivity{
		"w1": {Type: manifest.Worker, Subtype: "{t1.output.data.kind}"},
		"w2": {Type: manifest.Worker, Subtype: "charge-card"},
	}}
	require.NoError(t, c.deployConsumerGroups(nil, plan))
	assert.Equal(t, []string{"charge-card"}, plan.WorkerGroups)
}
