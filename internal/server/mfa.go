package server

import (
	"net/http"
	"time"

	"github.com/curtismu7/oauthplayground/internal/mfa"
)

type mfaStateResponse struct {
	mfa.StateData
	Resumed bool        `json:"resumed,omitempty"`
	Allowed []mfa.Event `json:"allowedEvents"`
}

func (s *Server) handleMFAStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnvID string `json:"envId"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.EnvID == "" {
		req.EnvID = s.globalEnvironmentID(r)
	}
	d, resumed, err := s.opts.MFA.Start(r.Context(), req.EnvID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mfaStateResponse{StateData: redactMFA(d), Resumed: resumed, Allowed: mfa.Allowed(d.State)})
}

type mfaEventRequest struct {
	Event                mfa.Event      `json:"event"`
	Reason               string         `json:"reason"`
	TransactionID        string         `json:"transactionId"`
	WorkerToken          string         `json:"workerToken"`
	WorkerTokenExpiresAt time.Time      `json:"workerTokenExpiresAt"`
	SelectedFactor       string         `json:"selectedFactor"`
	ChallengeData        map[string]any `json:"challengeData"`
	Error                string         `json:"error"`
}

// handleMFAEvent applies one event. Events the current state does not
// accept are answered with 409 and the unchanged state.
func (s *Server) handleMFAEvent(w http.ResponseWriter, r *http.Request) {
	var req mfaEventRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.opts.MFA.ProcessEvent(r.Context(), req.Event, mfa.Payload{
		Reason:               req.Reason,
		TransactionID:        req.TransactionID,
		WorkerToken:          req.WorkerToken,
		WorkerTokenExpiresAt: req.WorkerTokenExpiresAt,
		SelectedFactor:       req.SelectedFactor,
		ChallengeData:        req.ChallengeData,
		Error:                req.Error,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mfaStateResponse{StateData: redactMFA(d), Allowed: mfa.Allowed(d.State)})
}

func (s *Server) handleMFAState(w http.ResponseWriter, r *http.Request) {
	d := s.opts.MFA.Current()
	writeJSON(w, http.StatusOK, mfaStateResponse{StateData: redactMFA(d), Allowed: mfa.Allowed(d.State)})
}

func redactMFA(d mfa.StateData) mfa.StateData {
	if d.WorkerToken != "" {
		d.WorkerToken = "REDACTED"
	}
	return d
}
