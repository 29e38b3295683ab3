package server

import (
	"net/http"

	"github.com/opencode-ai/missionlink/internal/auth"
	"github.com/opencode-ai/missionlink/internal/supervisor"
)

// serveWS handles GET /ws. The bearer token may come from the Authorization
// header or the token query parameter; client_id correlates reconnects.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Supervisor == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "websocket endpoint not configured")
		return
	}

	query := r.URL.Query()
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = query.Get("token")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	s.deps.Supervisor.Serve(s.baseCtx, conn, supervisor.ConnectParams{
		ClientID:   query.Get("client_id"),
		Token:      token,
		RemoteAddr: r.RemoteAddr,
	})
}
