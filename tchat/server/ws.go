package server

import (
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin admits the configured origins, or the request's own host
// when none are configured. Clients that send no Origin are not browsers
// and are admitted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if allowed := s.deps.Config.AllowedOrigins; len(allowed) > 0 {
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// handleWebsocket runs a chat over one connection: each {"text"} frame is
// one turn, answered with the same shape as the messages endpoint.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sess, app, err := s.lookup(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("session_id", sess.ID()).Logger()
	logger.Info().Msg("Websocket chat connected")

	for {
		var req messageRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("Websocket read failed")
			}
			return
		}

		resp, _, err := s.reply(r, sess, app, req.Text)
		if err != nil {
			resp = messageResponse{Citations: []string{}, Error: &errorBody{Code: faultCode(err), Message: err.Error()}}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(resp); err != nil {
			logger.Warn().Err(err).Msg("Websocket write failed")
			return
		}
	}
}
