package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/recur"
	mw "github.com/xraph/recur/api/middleware"
	"github.com/xraph/recur/api/request"
	"github.com/xraph/recur/api/response"
	"github.com/xraph/recur/id"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/subscription"
)

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req request.CreateSubscription
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := s.engine.CreateSubscription(r.Context(),
		mw.TenantFrom(r.Context()), req.PlanID, plan.BillingCycle(req.BillingCycle))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, sub)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.engine.ListSubscriptions(r.Context(), mw.TenantFrom(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	if subs == nil {
		subs = []*subscription.Subscription{}
	}
	response.WriteJSON(w, http.StatusOK, subs)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.ownedSubscription(w, r)
	if !ok {
		return
	}
	response.WriteJSON(w, http.StatusOK, sub)
}

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	var req request.UpdateSubscription
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, ok := s.ownedSubscription(w, r)
	if !ok {
		return
	}

	var err error
	if req.Version != nil {
		sub, err = s.engine.UpdateSubscriptionAt(r.Context(), sub.ID, req.PlanID, *req.Version)
	} else {
		sub, err = s.engine.UpdateSubscription(r.Context(), sub.ID, req.PlanID)
	}
	if err != nil {
		response.Error(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, sub)
}

func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.ownedSubscription(w, r)
	if !ok {
		return
	}

	sub, err := s.engine.CancelSubscription(r.Context(), sub.ID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, sub)
}

// ownedSubscription loads the {id} subscription for the calling tenant
// and writes the error response itself when it cannot.
func (s *Server) ownedSubscription(w http.ResponseWriter, r *http.Request) (*subscription.Subscription, bool) {
	raw, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	subID, err := id.ParseSubscriptionID(raw)
	if err != nil {
		response.Error(w, fmt.Errorf("%w: %w", recur.ErrInvalidInput, err))
		return nil, false
	}

	sub, err := s.engine.GetSubscriptionForTenant(r.Context(), mw.TenantFrom(r.Context()), subID)
	if err != nil {
		response.Error(w, err)
		return nil, false
	}
	return sub, true
}
