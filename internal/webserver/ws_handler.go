package webserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agusx1211/courier/pkg/protocol"
)

const wsWriteTimeout = 15 * time.Second

// handleEventsWebSocket streams the live session feed: one snapshot
// envelope on connect, then an event envelope per tracker event until
// the client goes away.
func (srv *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if srv.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "status tracking is disabled")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()

	// Subscribe before snapshotting so nothing falls between the two.
	events, cancel := srv.tracker.Subscribe()
	defer cancel()

	if err := writeEnvelope(ctx, ws, protocol.TypeSnapshot, srv.tracker.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := writeEnvelope(ctx, ws, protocol.TypeEvent, ev); err != nil {
				return
			}
		}
	}
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, envType string, payload any) error {
	data, err := protocol.Encode(envType, payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
