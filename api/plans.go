package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/recur/api/response"
)

func (s *Server) listPlans(w http.ResponseWriter, _ *http.Request) {
	response.WriteJSON(w, http.StatusOK, s.engine.ListPlans())
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPlan(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, p)
}
