package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetThrottleGlobalAndPerTopic(t *testing.T) {
	r := New(nil, nil, Options{StreamKey: "s"}, nil)
	r.SetThrottle("", 100)
	r.SetThrottle("order.created", 50)

	assert.NotNil(t, r.globalLimit)
	assert.NotNil(t, r.limiters["order.created"])
}

func TestSetThrottleZeroClearsLimiter(t *testing.T) {
	r := New(nil, nil, Options{StreamKey: "s"}, nil)
	r.SetThrottle("", 0)
	assert.Nil(t, r.globalLimit)
}

func TestCountsSnapshotIsIndependentCopy(t *testing.T) {
	r := New(nil, nil, Options{StreamKey: "s"}, nil)
	r.bump("topic-a")
	r.bump("topic-a")
	r.bump("topic-b")

	snap := r.Counts()
	assert.Equal(t, int64(2), snap["topic-a"])
	assert.Equal(t, int64(1), snap["topic-b"])

	snap["topic-a"] = 99
	assert.Equal(t, int64(2), r.Counts()["topic-a"])
}

func TestReclaimDelayDefaultsWhenUnset(t *testing.T) {
	r := New(nil, nil, Options{StreamKey: "s"}, nil)
	assert.Equal(t, r.reclaimDelay().Seconds(), float64(60))
}
