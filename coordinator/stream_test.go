package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core.ktrdr.dev/db"
)

// TestStream_OperationEvents tests the websocket feed end to end: the
// immediate first frame, a terminal frame once the operation settles,
// and the normal close after it.
func TestStream_OperationEvents(t *testing.T) {
	h := newAPIHarness(t, seedOp("op_1", db.StatusRunning, "worker-1", func(op *db.Operation) {
		op.Progress = db.Progress{Percent: 25, Message: "epoch 10/40"}
	}))
	srv := httptest.NewServer(h.e)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/operations/op_1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame streamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "op_1", frame.OperationID)
	assert.Equal(t, db.StatusRunning, frame.Status)
	assert.Equal(t, 25.0, frame.Percent)
	assert.Equal(t, "epoch 10/40", frame.Message)
	assert.Nil(t, frame.Result)

	h.ops.mu.Lock()
	op := h.ops.ops["op_1"]
	op.Status = db.StatusCompleted
	op.Progress.Percent = 100
	op.Result = json.RawMessage(`{"accuracy":0.93}`)
	h.ops.mu.Unlock()

	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, db.StatusCompleted, frame.Status)
	assert.Equal(t, 100.0, frame.Percent)
	assert.Equal(t, map[string]interface{}{"accuracy": 0.93}, frame.Result)

	err = conn.ReadJSON(&frame)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

// TestStream_UnknownOperation tests that the stream route refuses
// before upgrading when the operation does not exist.
func TestStream_UnknownOperation(t *testing.T) {
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.e)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/operations/op_ghost/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestStream_TerminalOperationClosesImmediately tests that subscribing
// to an already-settled operation yields exactly its final frame.
func TestStream_TerminalOperationClosesImmediately(t *testing.T) {
	h := newAPIHarness(t, seedOp("op_1", db.StatusFailed, "worker-1", func(op *db.Operation) {
		op.Error = &db.OperationError{Kind: "DOMAIN_EXCEPTION", Message: "loss diverged"}
	}))
	srv := httptest.NewServer(h.e)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/operations/op_1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame streamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, db.StatusFailed, frame.Status)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "loss diverged", frame.Error.Message)

	err = conn.ReadJSON(&frame)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
