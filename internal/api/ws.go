package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/chaz8081/dabradio/internal/bluetooth"
)

const wsWriteTimeout = 5 * time.Second

// handleStatusStream pushes the status object to a websocket client on
// connect and whenever it changes, until the client goes away.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // the web UI is served from the radio itself
	})
	if err != nil {
		slog.Warn("[API] ws accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Clients never send anything; CloseRead cancels ctx once they hang up.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("[API] status stream opened", "remote", r.RemoteAddr)

	ticker := time.NewTicker(s.opts.StatusPoll)
	defer ticker.Stop()

	var last bluetooth.Status
	sent := false
	for {
		st := s.bt.Status()
		if !sent || st != last {
			if err := writeStatus(ctx, conn, st); err != nil {
				slog.Debug("[API] status stream closed", "error", err)
				return
			}
			last, sent = st, true
		}

		select {
		case <-ctx.Done():
			slog.Debug("[API] status stream closed", "remote", r.RemoteAddr)
			return
		case <-ticker.C:
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, st bluetooth.Status) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, st)
}
