package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamState upgrades to a websocket and writes the current state followed
// by one JSON message per published change. Slow clients skip intermediate
// states and always converge on the latest.
func (s *Server) streamState(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("api: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Inbound messages are not part of the protocol; CloseRead discards
	// them and cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())

	updates, cancel := s.ctrl.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "controller stopped")
				return
			}
			if err := s.write(ctx, conn, st); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Debug("api: state stream write failed", "err", err)
				}
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
