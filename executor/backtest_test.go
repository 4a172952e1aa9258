package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBacktester_CompletesDeterministically tests that two runs with
// the same payload produce byte-identical results.
func TestBacktester_CompletesDeterministically(t *testing.T) {
	payload := json.RawMessage(`{"symbol":"EURUSD","strategy":"ma_cross","bars":3000,"seed":11}`)

	first, err := NewBacktester().Run(context.Background(), &stubSession{policy: Policy{UnitInterval: 500}}, payload, nil)
	require.NoError(t, err)
	second, err := NewBacktester().Run(context.Background(), &stubSession{policy: Policy{UnitInterval: 500}}, payload, nil)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))

	result := decodeResult(t, first)
	assert.Equal(t, float64(3000), result["bars_processed"])
	assert.Greater(t, result["total_trades"].(float64), 0.0)
	assert.Greater(t, result["final_equity"].(float64), 0.0)
}

// TestBacktester_CancelAtPolicyTick tests that cancellation is
// observed at a checkpoint-policy tick and the snapshot records the
// portfolio at that exact bar.
func TestBacktester_CancelAtPolicyTick(t *testing.T) {
	session := &stubSession{policy: Policy{UnitInterval: 500}, cancelAtUnit: 2000}
	payload := json.RawMessage(`{"bars":6000,"seed":21}`)

	_, err := NewBacktester().Run(context.Background(), session, payload, nil)
	assert.ErrorIs(t, err, ErrCancelled)

	state, artifacts, buildErr := session.build()
	require.NoError(t, buildErr)
	snap := state.(*BacktestState)
	assert.Equal(t, 2000, snap.BarIndex)
	assert.Zero(t, snap.BarIndex%500)
	assert.NotEmpty(t, snap.CurrentDate)
	assert.Nil(t, artifacts)
}

// TestBacktester_ResumeReproducesUninterruptedResult tests the core
// resume guarantee: cancel mid-run, resume from the snapshot, and land
// on the same trades and final equity as a run that never stopped.
func TestBacktester_ResumeReproducesUninterruptedResult(t *testing.T) {
	payload := json.RawMessage(`{"symbol":"GBPUSD","strategy":"ma_cross","bars":6000,"seed":5,"fast_period":10,"slow_period":30}`)

	baseline := &stubSession{policy: Policy{UnitInterval: 500}}
	baseRaw, err := NewBacktester().Run(context.Background(), baseline, payload, nil)
	require.NoError(t, err)
	baseResult := decodeResult(t, baseRaw)

	interrupted := &stubSession{policy: Policy{UnitInterval: 500}, cancelAtUnit: 2500}
	_, err = NewBacktester().Run(context.Background(), interrupted, payload, nil)
	require.ErrorIs(t, err, ErrCancelled)

	state, _, buildErr := interrupted.build()
	require.NoError(t, buildErr)
	stateRaw, err := json.Marshal(state)
	require.NoError(t, err)

	resumed := &stubSession{policy: Policy{UnitInterval: 500}}
	resumedRaw, err := NewBacktester().Run(context.Background(), resumed, nil, &ResumeContext{
		State:          stateRaw,
		RequestPayload: payload,
	})
	require.NoError(t, err)
	resumedResult := decodeResult(t, resumedRaw)

	assert.Equal(t, baseResult["total_trades"], resumedResult["total_trades"])
	assert.Equal(t, baseResult["bars_processed"], resumedResult["bars_processed"])
	assert.Equal(t, baseResult["open_positions"], resumedResult["open_positions"])
	assert.InDelta(t, baseResult["final_equity"].(float64), resumedResult["final_equity"].(float64), 1e-6)
	assert.InDelta(t, baseResult["final_cash"].(float64), resumedResult["final_cash"].(float64), 1e-6)

	// The resumed run picks up at the checkpointed bar, not bar zero.
	require.NotEmpty(t, resumed.progress)
	assert.Equal(t, 2600, resumed.progress[0].Unit)
}

// TestBacktester_ProgressContext tests the progress sample shape the
// dashboards rely on.
func TestBacktester_ProgressContext(t *testing.T) {
	session := &stubSession{policy: Policy{UnitInterval: 1000}}
	payload := json.RawMessage(`{"bars":300,"seed":2}`)

	_, err := NewBacktester().Run(context.Background(), session, payload, nil)
	require.NoError(t, err)

	require.NotEmpty(t, session.progress)
	last := session.progress[len(session.progress)-1]
	assert.Equal(t, 300, last.Unit)
	assert.Contains(t, last.Context, "bar_index")
	assert.Contains(t, last.Context, "equity")
	assert.Contains(t, last.Context, "total_trades")
}

// TestBacktester_RejectsBadInput tests payload and checkpoint
// validation.
func TestBacktester_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		resume  *ResumeContext
	}{
		{name: "GarbagePayload", payload: `{"bars":`},
		{name: "NonPositiveBars", payload: `{"bars":0}`},
		{name: "FastNotBelowSlow", payload: `{"bars":100,"fast_period":30,"slow_period":30}`},
		{name: "UnreadableStartDate", payload: `{"bars":100,"start_date":"yesterday"}`},
		{name: "GarbageCheckpointState", payload: `{"bars":100}`, resume: &ResumeContext{State: json.RawMessage(`{"bar_index":`)}},
		{name: "CheckpointBeyondRange", payload: `{"bars":100}`, resume: &ResumeContext{State: json.RawMessage(`{"bar_index":5000,"cash":1}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBacktester().Run(context.Background(), &stubSession{}, json.RawMessage(tt.payload), tt.resume)
			assert.Error(t, err)
		})
	}
}
