package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core.ktrdr.dev/db"
	"core.ktrdr.dev/executor"
	"core.ktrdr.dev/registry"
)

// fakeCoordinator scripts the coordinator side of the monitor protocol.
type fakeCoordinator struct {
	mu            sync.Mutex
	registrations []registry.RegistrationPacket
	heartbeats    []registry.HeartbeatRequest
	registerErr   error
	heartbeatErr  error
	regAck        registry.RegistrationAck
	hbAck         registry.HeartbeatAck
	deregistered  []string
}

func (f *fakeCoordinator) Register(_ context.Context, packet registry.RegistrationPacket) (*registry.RegistrationAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.registrations = append(f.registrations, packet)
	ack := f.regAck
	if ack.Directive == "" {
		ack.Directive = registry.DirectiveIdle
	}
	return &ack, nil
}

func (f *fakeCoordinator) Heartbeat(_ context.Context, _ string, req registry.HeartbeatRequest) (*registry.HeartbeatAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heartbeatErr != nil {
		return nil, f.heartbeatErr
	}
	f.heartbeats = append(f.heartbeats, req)
	ack := f.hbAck
	return &ack, nil
}

func (f *fakeCoordinator) Deregister(_ context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, workerID)
	return nil
}

func (f *fakeCoordinator) counts() (registrations, heartbeats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registrations), len(f.heartbeats)
}

func testIdentity() Identity {
	return Identity{
		WorkerID:    "worker-1",
		WorkerType:  db.TypeTraining,
		EndpointURL: "http://worker-1:5002",
		Capabilities: map[string]interface{}{
			"gpu": true,
		},
		Version: "test",
	}
}

// TestMonitor_RegistersThenHeartbeats tests the basic cadence: first
// contact is a registration, later ticks are heartbeats.
func TestMonitor_RegistersThenHeartbeats(t *testing.T) {
	h := newRuntimeHarness(t, &stubExecutor{typ: db.TypeTraining, run: nil})
	coord := &fakeCoordinator{}
	m := NewMonitor(coord, h.runtime, testIdentity(), time.Minute)

	ctx := context.Background()
	m.Tick(ctx)
	require.True(t, m.Registered())

	m.Tick(ctx)
	m.Tick(ctx)

	registrations, heartbeats := coord.counts()
	assert.Equal(t, 1, registrations)
	assert.Equal(t, 2, heartbeats)

	packet := coord.registrations[0]
	assert.Equal(t, "worker-1", packet.WorkerID)
	assert.Equal(t, db.TypeTraining, packet.WorkerType)
	assert.Equal(t, "http://worker-1:5002", packet.EndpointURL)
	assert.Nil(t, packet.CurrentOperationID)
	assert.Empty(t, packet.CompletedOperations)
}

// TestMonitor_RegistrationCarriesReconciliationState tests that a
// re-registration replays retained outcomes and the current operation.
func TestMonitor_RegistrationCarriesReconciliationState(t *testing.T) {
	started := make(chan struct{})
	h := newRuntimeHarness(t, &stubExecutor{typ: db.TypeTraining, run: runUntilCancelled(started)})
	coord := &fakeCoordinator{}
	m := NewMonitor(coord, h.runtime, testIdentity(), time.Minute)

	require.NoError(t, h.retention.Record(registry.CompletedOperation{
		OperationID: "op_done",
		Status:      db.StatusCompleted,
		Result:      json.RawMessage(`{"final_loss":0.1}`),
		CompletedAt: time.Now().UTC(),
	}))
	require.NoError(t, h.runtime.StartOperation(context.Background(), "op_live", json.RawMessage(`{}`)))
	<-started

	m.Tick(context.Background())

	require.Len(t, coord.registrations, 1)
	packet := coord.registrations[0]
	require.NotNil(t, packet.CurrentOperationID)
	assert.Equal(t, "op_live", *packet.CurrentOperationID)
	require.Len(t, packet.CompletedOperations, 1)
	assert.Equal(t, "op_done", packet.CompletedOperations[0].OperationID)

	require.True(t, h.runtime.CancelOperation("op_live"))
	waitIdle(t, h.runtime)
}

// TestMonitor_DisconnectsAfterConsecutiveFailures tests blackout
// handling: two failed heartbeats flip to disconnected mode and the
// next successful contact is a full re-registration.
func TestMonitor_DisconnectsAfterConsecutiveFailures(t *testing.T) {
	h := newRuntimeHarness(t, &stubExecutor{typ: db.TypeTraining, run: nil})
	coord := &fakeCoordinator{}
	m := NewMonitor(coord, h.runtime, testIdentity(), time.Minute)

	ctx := context.Background()
	m.Tick(ctx)
	require.True(t, m.Registered())

	coord.mu.Lock()
	coord.heartbeatErr = errors.New("connection refused")
	coord.mu.Unlock()

	m.Tick(ctx)
	assert.True(t, m.Registered(), "one failure is not a blackout")

	m.Tick(ctx)
	assert.False(t, m.Registered(), "two consecutive failures are")

	coord.mu.Lock()
	coord.heartbeatErr = nil
	coord.mu.Unlock()

	m.Tick(ctx)
	registrations, _ := coord.counts()
	assert.Equal(t, 2, registrations, "recovery re-registers instead of heartbeating")
	assert.True(t, m.Registered())
}

// TestMonitor_ReregistersWhenForgotten tests that a heartbeat 404
// triggers an immediate re-registration in the same tick.
func TestMonitor_ReregistersWhenForgotten(t *testing.T) {
	h := newRuntimeHarness(t, &stubExecutor{typ: db.TypeTraining, run: nil})
	coord := &fakeCoordinator{}
	m := NewMonitor(coord, h.runtime, testIdentity(), time.Minute)

	ctx := context.Background()
	m.Tick(ctx)

	coord.mu.Lock()
	coord.heartbeatErr = ErrNotRegistered
	coord.mu.Unlock()

	m.Tick(ctx)

	coord.mu.Lock()
	coord.heartbeatErr = nil
	coord.mu.Unlock()

	registrations, _ := coord.counts()
	assert.Equal(t, 2, registrations)
	assert.True(t, m.Registered())
}

// TestMonitor_HeartbeatRelaysCancel tests that a cancel flag on the
// heartbeat ack reaches the running operation.
func TestMonitor_HeartbeatRelaysCancel(t *testing.T) {
	started := make(chan struct{})
	h := newRuntimeHarness(t, &stubExecutor{typ: db.TypeTraining, run: runUntilCancelled(started)})
	coord := &fakeCoordinator{hbAck: registry.HeartbeatAck{CancelRequested: true}}
	m := NewMonitor(coord, h.runtime, testIdentity(), time.Minute)

	ctx := context.Background()
	m.Tick(ctx)

	require.NoError(t, h.runtime.StartOperation(ctx, "op_1", json.RawMessage(`{}`)))
	<-started

	m.Tick(ctx)
	waitIdle(t, h.runtime)

	h.ops.mu.Lock()
	defer h.ops.mu.Unlock()
	assert.Contains(t, h.ops.cancelled, "op_1")
}

// TestMonitor_StopDirective tests that a STOP answer at registration
// unwinds the current operation without terminal writes.
func TestMonitor_StopDirective(t *testing.T) {
	started := make(chan struct{})
	h := newRuntimeHarness(t, &stubExecutor{typ: db.TypeTraining, run: runUntilCancelled(started)})
	opID := "op_1"
	coord := &fakeCoordinator{regAck: registry.RegistrationAck{
		Directive:                    registry.DirectiveStop,
		ReconciledCurrentOperationID: &opID,
	}}
	m := NewMonitor(coord, h.runtime, testIdentity(), time.Minute)

	ctx := context.Background()
	require.NoError(t, h.runtime.StartOperation(ctx, "op_1", json.RawMessage(`{}`)))
	<-started

	m.Tick(ctx)
	waitIdle(t, h.runtime)

	h.ops.mu.Lock()
	defer h.ops.mu.Unlock()
	assert.Empty(t, h.ops.cancelled, "stop is not a cancel")
	assert.Empty(t, h.ops.completed)
	assert.Empty(t, h.ops.failed)
}

// TestMonitor_HeartbeatCarriesProgress tests the debounced progress
// ride-along.
func TestMonitor_HeartbeatCarriesProgress(t *testing.T) {
	started := make(chan struct{})
	progressed := make(chan struct{})
	h := newRuntimeHarness(t, &stubExecutor{
		typ: db.TypeTraining,
		run: func(_ context.Context, s executor.Session, _ json.RawMessage, _ *executor.ResumeContext) (json.RawMessage, error) {
			close(started)
			s.UpdateProgress(3, 10, "epoch 3/10", nil)
			close(progressed)
			for !s.IsCancelRequested() {
				time.Sleep(time.Millisecond)
			}
			return nil, executor.ErrCancelled
		},
	})
	coord := &fakeCoordinator{}
	m := NewMonitor(coord, h.runtime, testIdentity(), time.Minute)

	ctx := context.Background()
	m.Tick(ctx)

	require.NoError(t, h.runtime.StartOperation(ctx, "op_1", json.RawMessage(`{}`)))
	<-started
	<-progressed
	h.runtime.deb.Flush(ctx)

	m.Tick(ctx)

	coord.mu.Lock()
	require.Len(t, coord.heartbeats, 1)
	hb := coord.heartbeats[0]
	coord.mu.Unlock()

	require.NotNil(t, hb.CurrentOperationID)
	assert.Equal(t, "op_1", *hb.CurrentOperationID)
	require.NotNil(t, hb.Progress)
	assert.InDelta(t, 30.0, hb.Progress.Percent, 1e-9)
	assert.Equal(t, "epoch 3/10", hb.Progress.Message)

	require.True(t, h.runtime.CancelOperation("op_1"))
	waitIdle(t, h.runtime)
}

// TestCoordinatorClient tests the HTTP client against a scripted
// coordinator.
func TestCoordinatorClient(t *testing.T) {
	var (
		mu            sync.Mutex
		gotPacket     registry.RegistrationPacket
		heartbeat404  bool
		deregistered  bool
		cancelOnHeart bool
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workers/register", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&gotPacket)
		_ = json.NewEncoder(w).Encode(registry.RegistrationAck{Directive: registry.DirectiveIdle})
	})
	mux.HandleFunc("/api/v1/workers/worker-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if heartbeat404 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(registry.HeartbeatAck{CancelRequested: cancelOnHeart})
	})
	mux.HandleFunc("/api/v1/workers/worker-1/deregister", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		deregistered = true
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewCoordinatorClient(srv.URL)
	ctx := context.Background()

	ack, err := client.Register(ctx, registry.RegistrationPacket{
		WorkerID:    "worker-1",
		WorkerType:  db.TypeTraining,
		EndpointURL: "http://worker-1:5002",
	})
	require.NoError(t, err)
	assert.Equal(t, registry.DirectiveIdle, ack.Directive)
	mu.Lock()
	assert.Equal(t, "worker-1", gotPacket.WorkerID)
	mu.Unlock()

	mu.Lock()
	cancelOnHeart = true
	mu.Unlock()
	hbAck, err := client.Heartbeat(ctx, "worker-1", registry.HeartbeatRequest{})
	require.NoError(t, err)
	assert.True(t, hbAck.CancelRequested)

	mu.Lock()
	heartbeat404 = true
	mu.Unlock()
	_, err = client.Heartbeat(ctx, "worker-1", registry.HeartbeatRequest{})
	assert.ErrorIs(t, err, ErrNotRegistered)

	require.NoError(t, client.Deregister(ctx, "worker-1"))
	mu.Lock()
	assert.True(t, deregistered)
	mu.Unlock()
}

// TestMonitor_Deregister tests the orderly departure call.
func TestMonitor_Deregister(t *testing.T) {
	h := newRuntimeHarness(t, &stubExecutor{typ: db.TypeTraining, run: nil})
	coord := &fakeCoordinator{}
	m := NewMonitor(coord, h.runtime, testIdentity(), time.Minute)

	ctx := context.Background()
	m.Tick(ctx)
	m.Deregister(ctx)

	coord.mu.Lock()
	defer coord.mu.Unlock()
	assert.Equal(t, []string{"worker-1"}, coord.deregistered)
	assert.False(t, m.Registered())
}
