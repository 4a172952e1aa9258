package coordinator

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"core.ktrdr.dev/db"
)

const (
	// streamInterval paces the poll behind each websocket. The progress
	// cache absorbs the reads, so this can be much tighter than the
	// heartbeats feeding it.
	streamInterval = 1 * time.Second

	streamWriteWait = 5 * time.Second
	streamPingWait  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamFrame is one progress update on the wire. Result and Error are
// only present on the final frame of a terminal operation.
type streamFrame struct {
	OperationID string             `json:"operation_id"`
	Status      string             `json:"status"`
	Percent     float64            `json:"percent"`
	Message     string             `json:"message,omitempty"`
	Context     interface{}        `json:"context,omitempty"`
	Result      interface{}        `json:"result,omitempty"`
	Error       *db.OperationError `json:"error,omitempty"`
	At          time.Time          `json:"at"`
}

// handleOperationEvents streams progress frames for one operation over
// a websocket until the operation reaches a terminal status or the
// client hangs up. Frames repeat only when something changed.
func (a *API) handleOperationEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	op, err := a.ops.Get(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return echo.NewHTTPError(http.StatusNotFound, "operation not found")
	}
	a.overlayProgress(ctx, op)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Drain the client side so pongs and close frames are processed;
	// the first read error means the client went away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()
	pings := time.NewTicker(streamPingWait)
	defer pings.Stop()

	var lastStatus, lastMessage string
	var lastPercent float64

	send := func(op *db.Operation) error {
		frame := streamFrame{
			OperationID: op.OperationID,
			Status:      op.Status,
			Percent:     op.Progress.Percent,
			Message:     op.Progress.Message,
			At:          time.Now().UTC(),
		}
		if len(op.Progress.Context) > 0 {
			frame.Context = op.Progress.Context
		}
		if db.IsTerminal(op.Status) {
			if len(op.Result) > 0 {
				frame.Result = op.Result
			}
			frame.Error = op.Error
		}
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(frame)
	}

	if err := send(op); err != nil {
		return nil
	}
	lastStatus, lastPercent, lastMessage = op.Status, op.Progress.Percent, op.Progress.Message
	if db.IsTerminal(op.Status) {
		return a.closeStream(conn)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return nil
		case <-pings.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return nil
			}
		case <-ticker.C:
			op, err := a.ops.Get(ctx, id)
			if err != nil || op == nil {
				return nil
			}
			a.overlayProgress(ctx, op)

			changed := op.Status != lastStatus ||
				op.Progress.Percent != lastPercent ||
				op.Progress.Message != lastMessage
			if !changed {
				continue
			}

			if err := send(op); err != nil {
				return nil
			}
			lastStatus, lastPercent, lastMessage = op.Status, op.Progress.Percent, op.Progress.Message

			if db.IsTerminal(op.Status) {
				return a.closeStream(conn)
			}
		}
	}
}

func (a *API) closeStream(conn *websocket.Conn) error {
	deadline := time.Now().Add(streamWriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "operation finished")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		a.log.Debugf("stream close write failed: %v", err)
	}
	return nil
}
