package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"github.com/botfleet/orchestrator/identity"
)

// Close codes carried on the websocket close frame, mirroring the HTTP
// statuses of the REST surface.
const (
	wsCloseUnauthenticated  = 4401
	wsClosePermissionDenied = 4403
	wsCloseNotFound         = 4404
)

// wsWriteWait bounds every websocket write, control frames included.
const wsWriteWait = 10 * time.Second

// streamRunLogs upgrades the connection, authenticates the token query
// parameter, replays the run's recent persisted logs and then forwards live
// frames until either side goes away. Auth happens after the upgrade so the
// denial reaches the client as a close frame with a meaningful code instead
// of a failed handshake.
func (a *API) streamRunLogs(w http.ResponseWriter, r *http.Request) {
	upgrader := &websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	p, err := a.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		wsClose(conn, wsCloseUnauthenticated, "invalid or missing token")
		return
	}
	runID := chi.URLParam(r, "runID")
	if _, err := a.registry.GetRun(r.Context(), runID); err != nil {
		wsClose(conn, wsCloseNotFound, "run not found")
		return
	}
	if !p.Can(identity.PermRunRead) {
		wsClose(conn, wsClosePermissionDenied, "missing run:read permission")
		return
	}

	ctx := log.With(r.Context(), log.KV{K: "run_id", V: runID}, log.KV{K: "principal", V: p.Name()})
	frames, errs, cancel, err := a.streamer.Subscribe(ctx, runID)
	if err != nil {
		log.Errorf(ctx, err, "subscribe to run logs")
		wsClose(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer cancel()

	// The read pump exists to notice the peer going away; clients are not
	// expected to send anything.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for frame := range frames {
		body, err := json.Marshal(frame)
		if err != nil {
			log.Errorf(ctx, err, "encode log frame")
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}
	}
	if err := <-errs; err != nil {
		log.Errorf(ctx, err, "log stream ended")
	}
	wsClose(conn, websocket.CloseNormalClosure, "")
}

// wsClose sends a close frame with the given code and lets the deferred
// conn.Close tear the socket down.
func wsClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
