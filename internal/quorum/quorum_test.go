package quorum

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/router"
)

func newTestQuorum(t *testing.T, rtr *router.Router) *Quorum {
	t.Helper()
	return New("app1", "engine1", nil, nil, keyminter.New("test"), nil, rtr, nil, nil, 5)
}

func TestHandlePongAccumulatesWhileCollecting(t *testing.T) {
	q := newTestQuorum(t, nil)
	q.collecting = true

	msg := Message{Type: "pong", Profile: &QuorumProfile{EngineID: "e2", Stream: "s1"}}
	b, err := json.Marshal(msg)
	require.NoError(t, err)

	q.handle("ignored", string(b))
	q.handle("ignored", string(b))

	assert.Equal(t, 2, q.pongs)
	assert.Contains(t, q.profiles, "e2")
}

func TestHandlePongIgnoredWhenNotCollecting(t *testing.T) {
	q := newTestQuorum(t, nil)
	msg := Message{Type: "pong", Profile: &QuorumProfile{EngineID: "e2"}}
	b, _ := json.Marshal(msg)
	q.handle("ignored", string(b))
	assert.Equal(t, 0, q.pongs)
}

func TestHandleActivateRecordsObservedVersion(t *testing.T) {
	q := newTestQuorum(t, nil)
	msg := Message{Type: "activate", CacheMode: "nocache", UntilVersion: "2"}
	b, _ := json.Marshal(msg)
	q.handle("ignored", string(b))
	assert.Equal(t, "2", q.observedUntil.Load().(string))
}

func TestHandleThrottleUpdatesRouter(t *testing.T) {
	rtr := router.New(nil, nil, router.Options{StreamKey: "s"}, nil)
	q := newTestQuorum(t, rtr)

	msg := Message{Type: "throttle", Topic: "order.created", ThrottleMs: 200}
	b, _ := json.Marshal(msg)
	q.handle("ignored", string(b))

	assert.InDelta(t, 200, rtr.ThrottleMs("order.created"), 1)
}
