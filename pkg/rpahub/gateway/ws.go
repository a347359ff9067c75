package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleRunLogStream implements GET /ws/runs/{runID}/logs. The client
// authenticates with ?token= because browsers cannot set headers on
// WebSocket dials. History is replayed first, then the live stream, in
// sequence order without gaps or duplicates.
func (g *Gateway) handleRunLogStream(w http.ResponseWriter, r *http.Request) {
	if g.cfg.APIAuthToken != "" && !compareTokens(r.URL.Query().Get("token"), g.cfg.APIAuthToken) {
		g.writeError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	runID := r.PathValue("runID")
	if _, err := g.st.GetRun(runID); err != nil {
		g.writeStoreError(w, err)
		return
	}

	sub, err := g.bus.Subscribe(r.Context(), runID)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	defer sub.Close()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		g.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()
	g.logger.Info("log stream opened", "run_id", runID, "remote", r.RemoteAddr)

	// Drain reads so close frames and ping replies are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case line, ok := <-sub.Lines:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(line); err != nil {
				g.logger.Info("log stream closed", "run_id", runID, "error", err)
				return
			}
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
