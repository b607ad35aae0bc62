package api

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/financeanalyst/cmdgate/internal/types"
)

// handleStream upgrades to a WebSocket and pushes security events as
// they are recorded. The connection is write-only from the server
// side; slow clients miss events rather than stalling the gate.
//
// Browsers cannot set headers on WebSocket upgrades, so the token
// rides in ?token= like the rest of the query string.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.sessions.DevMode() {
		s.logger.Warn("event stream auth disabled (dev mode)")
	} else {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			s.respondError(w, http.StatusUnauthorized, "missing token")
			return
		}
		claims, err := s.sessions.Validate(tokenStr)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		role := types.Role(strings.ToLower(claims.Role))
		if role != types.RoleAdmin && role != types.RoleAnalyst {
			s.respondError(w, http.StatusForbidden, "insufficient role")
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	s.logger.Info("event stream connected", "remote", r.RemoteAddr)

	events, cancel := s.gate.Events().Subscribe()
	defer cancel()

	// CloseRead discards client frames and cancels the context when
	// the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream closed")
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
