package api

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/audiolab/stimrun/internal/session"
)

const writeTimeout = 5 * time.Second

// StreamEvents handles GET /api/v1/runs/:run_id/events/stream. It upgrades to
// a websocket, sends the stored events, then polls for new ones until the run
// finishes or the client goes away.
func (h *Handler) StreamEvents(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already answered the client.
		log.Printf("upgrade event stream: %v", err)
		return nil
	}
	defer conn.Close()

	// The client sends nothing; reading detects a close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.StreamInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSeq := int64(0)
	for {
		events, err := h.EventRepo.ListByRun(ctx, h.DB, runID, lastSeq)
		if err != nil {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "list events failed"))
			return nil
		}
		for _, ev := range events {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
			lastSeq = ev.SeqNo
			if ev.EventType == session.EventRunFinished {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-gone:
			return nil
		case <-ticker.C:
		}
	}
}
