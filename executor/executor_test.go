package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

// stubSession emulates the worker harness closely enough to drive an
// executor: unit-interval checkpoint cadence, progress recording, and
// a cancel flag that trips once progress reaches a chosen unit.
type stubSession struct {
	policy       Policy
	cancelNow    bool
	cancelAtUnit int
	lastUnit     int
	lastTaken    int
	build        BuildFunc
	progress     []progressSample
	checkpoints  []checkpointSnapshot
}

type progressSample struct {
	Unit    int
	Total   int
	Message string
	Context map[string]interface{}
}

type checkpointSnapshot struct {
	Unit      int
	State     json.RawMessage
	Artifacts map[string][]byte
}

func (s *stubSession) IsCancelRequested() bool {
	return s.cancelNow || (s.cancelAtUnit > 0 && s.lastUnit >= s.cancelAtUnit)
}

func (s *stubSession) UpdateProgress(unit, total int, message string, context map[string]interface{}) {
	s.lastUnit = unit
	s.progress = append(s.progress, progressSample{Unit: unit, Total: total, Message: message, Context: context})
}

func (s *stubSession) MaybeCheckpoint(ctx context.Context, unit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.policy.UnitInterval <= 0 || unit-s.lastTaken < s.policy.UnitInterval {
		return nil
	}
	s.lastTaken = unit
	return s.takeCheckpoint(unit)
}

func (s *stubSession) OnBuildCheckpoint(build BuildFunc) { s.build = build }

func (s *stubSession) Policy() Policy { return s.policy }

// takeCheckpoint invokes the registered builder the way the harness
// does for both periodic and terminal checkpoints.
func (s *stubSession) takeCheckpoint(unit int) error {
	state, artifacts, err := s.build()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.checkpoints = append(s.checkpoints, checkpointSnapshot{Unit: unit, State: raw, Artifacts: artifacts})
	return nil
}

func decodeResult(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("result does not decode: %v", err)
	}
	return out
}

// TestForType tests executor lookup by operation type tag.
func TestForType(t *testing.T) {
	assert.IsType(t, &Trainer{}, ForType("training"))
	assert.IsType(t, &Backtester{}, ForType("backtesting"))
	assert.Nil(t, ForType("arbitrage"))
}
