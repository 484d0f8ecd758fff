package api

import (
	"net/http"

	"github.com/xraph/recur/api/response"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		response.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
