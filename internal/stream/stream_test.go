package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringifyDropsNonStringValues(t *testing.T) {
	in := map[string]interface{}{
		"topic": "wf.tasks.http",
		"count": 3,
		"body":  "payload",
	}
	out := stringify(in)
	assert.Equal(t, "wf.tasks.http", out["topic"])
	assert.Equal(t, "payload", out["body"])
	_, ok := out["count"]
	assert.False(t, ok)
}
