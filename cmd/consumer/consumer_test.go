package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-pool/internal/ingest"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failInt    int // number of times to fail HIncrBy before succeeding
	failFloat  int // number of times to fail HIncrByFloat before succeeding
	intCalls   int
	floatCalls int
	ints       map[string]int64
	floats     map[string]float64
}

func newFakeUpdater() *fakeUpdater {
	return &fakeUpdater{ints: map[string]int64{}, floats: map[string]float64{}}
}

func (f *fakeUpdater) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	f.intCalls++
	if f.intCalls <= f.failInt {
		return errors.New("hincrby fail")
	}
	f.ints[key+"/"+field] += incr
	return nil
}

func (f *fakeUpdater) HIncrByFloat(ctx context.Context, key, field string, incr float64) error {
	f.floatCalls++
	if f.floatCalls <= f.failFloat {
		return errors.New("hincrbyfloat fail")
	}
	f.floats[key+"/"+field] += incr
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := newFakeUpdater()
	f.failInt, f.failFloat = 1, 1
	ev := ingest.Event{Type: ingest.RequestAccepted, RequestID: "r1", CarbonSaved: 2.5}
	start := time.Now()
	require.NoError(t, updateRedisWithRetry(context.Background(), f, "ride:stats", ev, 3, 10*time.Millisecond))

	assert.GreaterOrEqual(t, f.intCalls, 2)
	assert.GreaterOrEqual(t, f.floatCalls, 2)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "expected at least one backoff")
	// a retry after the counter succeeded must not count the event twice
	assert.Equal(t, int64(1), f.ints["ride:stats/events:"+ingest.RequestAccepted])
	assert.Equal(t, 2.5, f.floats["ride:stats/carbon_saved"])
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := newFakeUpdater()
	f.failInt = 5
	ev := ingest.Event{Type: ingest.RequestCreated, RequestID: "r1"}
	assert.Error(t, updateRedisWithRetry(context.Background(), f, "ride:stats", ev, 3, 5*time.Millisecond))
	assert.Equal(t, 3, f.intCalls)
}

func TestUpdateRedisWithRetry_OnlyAcceptedRidesSaveCarbon(t *testing.T) {
	f := newFakeUpdater()
	for _, typ := range []string{ingest.RequestCreated, ingest.RequestRejected, ingest.RatingSubmitted} {
		require.NoError(t, updateRedisWithRetry(context.Background(), f, "s", ingest.Event{Type: typ}, 3, time.Millisecond))
	}
	assert.Zero(t, f.floatCalls)
	assert.Equal(t, int64(1), f.ints["s/events:"+ingest.RatingSubmitted])
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type":"ride_request.accepted","request_id":"r1","carbon_saved":2.5,"at":"2026-10-18T08:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, ingest.RequestAccepted, ev.Type)
	assert.Equal(t, 2.5, ev.CarbonSaved)

	_, err = decodeEvent([]byte(`{"request_id":"r1"}`))
	assert.Error(t, err)
	_, err = decodeEvent([]byte(`not json`))
	assert.Error(t, err)
}
