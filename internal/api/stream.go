package api

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"hitl-pipeline/backend/internal/broadcast"
)

// clientFrame is a message sent by a stream client.
type clientFrame struct {
	Type string `json:"type"`
}

// StreamEvents upgrades to a WebSocket and forwards the run's events
// (GET /api/v1/runs/{runId}/events)
func (s *Server) StreamEvents(c echo.Context, runId openapi_types.UUID) error {
	ctx := c.Request().Context()
	runID := runId.String()

	// subscribe before reading the run so a concurrent completion is not missed
	sub := s.hub.Subscribe(runID)
	run, err := s.svc.GetRun(ctx, runID)
	if err != nil {
		s.hub.MarkTerminal(runID)
		s.hub.Unsubscribe(sub)
		return httpError(err)
	}
	if run.Status.IsTerminal() {
		s.hub.MarkTerminal(runID)
	}
	defer s.hub.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		s.logger.Debug("websocket upgrade failed", "run_id", runID, "error", err)
		return nil
	}
	defer conn.Close()

	log := s.logger.With("run_id", runID, "subscriber", sub.ID())
	log.Debug("event stream opened")

	readDone := make(chan struct{})
	go s.readFrames(conn, sub, readDone)

	ticker := time.NewTicker(s.stream.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				log.Info("event stream closed by hub")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber dropped"),
					time.Now().Add(s.stream.WriteTimeout))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.stream.WriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				log.Debug("event write failed", "error", err)
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.stream.WriteTimeout)); err != nil {
				return nil
			}
		case <-readDone:
			log.Debug("event stream closed by client")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// readFrames consumes client frames so pongs and keepalives reach the hub.
func (s *Server) readFrames(conn *websocket.Conn, sub *broadcast.Subscriber, done chan<- struct{}) {
	defer close(done)
	// the hijacked conn still carries the server's read deadline
	_ = conn.SetReadDeadline(time.Time{})
	conn.SetPongHandler(func(string) error {
		sub.Touch()
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if json.Unmarshal(data, &frame) == nil && frame.Type == "keepalive" {
			sub.Touch()
		}
	}
}
