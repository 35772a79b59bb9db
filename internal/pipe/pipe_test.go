package pipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalNodeReference(t *testing.T) {
	ctx := &Context{Root: map[string]interface{}{
		"t1": map[string]interface{}{
			"output": map[string]interface{}{"data": map[string]interface{}{"x": 42.0}},
		},
	}}
	v, err := Eval(Pipe{"{t1.output.data.x}"}, ctx)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestEvalFunctionCallWithArgs(t *testing.T) {
	ctx := &Context{Root: map[string]interface{}{}}
	v, err := Eval(Pipe{[]interface{}{"@string.concat", "hello ", "world"}}, ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello world", v)
}

func TestEvalReduce(t *testing.T) {
	ctx := &Context{Root: map[string]interface{}{
		"t1": map[string]interface{}{"output": map[string]interface{}{"data": map[string]interface{}{
			"items": []interface{}{1.0, 2.0, 3.0},
		}}},
	}}
	v, err := Eval(Pipe{
		[]interface{}{"@reduce", "{t1.output.data.items}", []interface{}{[]interface{}{"@math.add", "{$item}", 1.0}}},
	}, ctx)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{2.0, 3.0, 4.0}, v)
}

func TestIsMappingRule(t *testing.T) {
	assert.True(t, IsMappingRule("{t1.output.data.x}"))
	assert.False(t, IsMappingRule("{@string.concat}"))
	assert.False(t, IsMappingRule("plain"))
}

func TestConditionEvaluator(t *testing.T) {
	ev := NewConditionEvaluator()
	ok, err := ev.Evaluate(`state.approved == true`, map[string]interface{}{"approved": true}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok2, err := ev.Evaluate(`state.approved == true`, map[string]interface{}{"approved": false}, nil)
	require.NoError(t, err)
	assert.False(t, ok2)
}
