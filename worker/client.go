package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"core.ktrdr.dev/common"
	khttp "core.ktrdr.dev/http"
	"core.ktrdr.dev/registry"
)

// ErrNotRegistered is the coordinator's 404 on a heartbeat: the record
// of this worker is gone and only a full re-registration restores it.
var ErrNotRegistered = errors.New("worker is not registered with the coordinator")

// heartbeatFailureLimit is how many consecutive heartbeat failures flip
// the monitor into disconnected mode.
const heartbeatFailureLimit = 2

// CoordinatorClient calls the coordinator's worker-facing API. All
// calls retry with capped exponential backoff; the computation never
// waits on them.
type CoordinatorClient struct {
	http *khttp.Client
}

// NewCoordinatorClient builds a client for the coordinator base URL.
func NewCoordinatorClient(baseURL string) *CoordinatorClient {
	c := khttp.NewClient(baseURL)
	c.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	return &CoordinatorClient{http: c}
}

// Register announces the worker, its retained terminal outcomes and its
// current operation. The ack carries the reconciliation directive.
func (c *CoordinatorClient) Register(ctx context.Context, packet registry.RegistrationPacket) (*registry.RegistrationAck, error) {
	var ack registry.RegistrationAck
	if err := c.http.PostJSON(ctx, "/api/v1/workers/register", packet, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Heartbeat reports liveness and debounced progress. A 404 becomes
// ErrNotRegistered so the caller re-registers instead of retrying.
func (c *CoordinatorClient) Heartbeat(ctx context.Context, workerID string, req registry.HeartbeatRequest) (*registry.HeartbeatAck, error) {
	var ack registry.HeartbeatAck
	if err := c.http.PostJSON(ctx, "/api/v1/workers/"+workerID+"/heartbeat", req, &ack); err != nil {
		var statusErr *khttp.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	return &ack, nil
}

// Deregister announces an orderly departure.
func (c *CoordinatorClient) Deregister(ctx context.Context, workerID string) error {
	return c.http.PostJSON(ctx, "/api/v1/workers/"+workerID+"/deregister", nil, nil)
}

// Coordinator is the slice of the coordinator API the monitor drives.
// Satisfied by CoordinatorClient.
type Coordinator interface {
	Register(ctx context.Context, packet registry.RegistrationPacket) (*registry.RegistrationAck, error)
	Heartbeat(ctx context.Context, workerID string, req registry.HeartbeatRequest) (*registry.HeartbeatAck, error)
	Deregister(ctx context.Context, workerID string) error
}

// Identity is what a worker advertises at registration.
type Identity struct {
	WorkerID     string
	WorkerType   string
	EndpointURL  string
	Capabilities map[string]interface{}
	Version      string
}

// Monitor keeps one worker registered and heartbeating. A coordinator
// blackout flips it to disconnected mode: the computation continues and
// the first successful contact is a full re-registration carrying the
// retained outcomes, never a bare heartbeat.
type Monitor struct {
	coordinator Coordinator
	runtime     *Runtime
	identity    Identity
	interval    time.Duration
	log         *logrus.Entry

	registered bool
	failures   int
}

// NewMonitor builds a monitor. A zero interval selects 15 seconds.
func NewMonitor(coordinator Coordinator, runtime *Runtime, identity Identity, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		coordinator: coordinator,
		runtime:     runtime,
		identity:    identity,
		interval:    interval,
		log: common.Logger.WithFields(logrus.Fields{
			"component": "worker",
			"worker_id": identity.WorkerID,
		}),
	}
}

// Run registers and then heartbeats until the context is cancelled. It
// never returns an error: the coordinator being away is an operating
// condition, not a failure.
func (m *Monitor) Run(ctx context.Context) {
	m.Tick(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one monitor step: a registration when the coordinator
// does not know this worker, a heartbeat otherwise.
func (m *Monitor) Tick(ctx context.Context) {
	if !m.registered {
		m.register(ctx)
		return
	}
	m.heartbeat(ctx)
}

// Registered reports whether the last contact left the worker known to
// the coordinator.
func (m *Monitor) Registered() bool { return m.registered }

// Deregister announces departure. Failure only costs the coordinator a
// liveness timeout, so it is logged and dropped.
func (m *Monitor) Deregister(ctx context.Context) {
	if err := m.coordinator.Deregister(ctx, m.identity.WorkerID); err != nil {
		m.log.WithError(err).Warn("deregistration failed")
	}
	m.registered = false
}

func (m *Monitor) register(ctx context.Context) {
	packet := registry.RegistrationPacket{
		WorkerID:            m.identity.WorkerID,
		WorkerType:          m.identity.WorkerType,
		EndpointURL:         m.identity.EndpointURL,
		Capabilities:        m.identity.Capabilities,
		Version:             m.identity.Version,
		CurrentOperationID:  m.runtime.CurrentOperationID(),
		CompletedOperations: m.runtime.RetainedOperations(),
	}

	ack, err := m.coordinator.Register(ctx, packet)
	if err != nil {
		m.log.WithError(err).Warn("registration failed, will retry")
		return
	}

	m.registered = true
	m.failures = 0
	m.applyDirective(ack)
	m.log.WithField("directive", ack.Directive).Info("registered with coordinator")
}

func (m *Monitor) heartbeat(ctx context.Context) {
	current, report := m.runtime.HeartbeatPayload()

	ack, err := m.coordinator.Heartbeat(ctx, m.identity.WorkerID, registry.HeartbeatRequest{
		CurrentOperationID: current,
		Progress:           report,
	})
	if errors.Is(err, ErrNotRegistered) {
		m.log.Warn("coordinator lost this worker, re-registering")
		m.registered = false
		m.register(ctx)
		return
	}
	if err != nil {
		m.failures++
		if m.failures >= heartbeatFailureLimit {
			m.registered = false
			m.log.WithError(err).Warnf("disconnected after %d heartbeat failures, computation continues", m.failures)
		} else {
			m.log.WithError(err).Warn("heartbeat failed")
		}
		return
	}

	m.failures = 0
	if ack.CancelRequested && current != nil {
		m.log.WithField("operation_id", *current).Info("cancel requested via heartbeat")
		m.runtime.CancelOperation(*current)
	}
}

// applyDirective enacts the reconciliation outcome on the runtime. Only
// STOP acts: CONTINUE and IDLE already match what the runtime is doing.
func (m *Monitor) applyDirective(ack *registry.RegistrationAck) {
	if ack.Directive != registry.DirectiveStop {
		return
	}
	id := ack.ReconciledCurrentOperationID
	if id == nil {
		id = m.runtime.CurrentOperationID()
	}
	if id != nil {
		m.log.WithField("operation_id", *id).Info("coordinator directed stop")
		m.runtime.StopOperation(*id)
	}
}
