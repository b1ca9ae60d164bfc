package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/curtismu7/oauthplayground/internal/protocol"
)

// handleLogsByRun returns the journaled records of one run.
func (s *Server) handleLogsByRun(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Description: "runId is required"})
		return
	}
	records, err := s.opts.EventDB.ByRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "records": records})
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Events.Stats())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.opts.Events.ResetBreaker()
	writeJSON(w, http.StatusOK, s.opts.Events.Stats())
}

// handleEvents streams bus notifications as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("Could not clear write deadline", "error", err)
	}

	ch, unsubscribe := s.opts.Bus.Subscribe(16)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Debug("Streaming not supported", "error", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// handleLastExchange returns the last captured request/response pair with
// the response rendered as raw HTTP.
func (s *Server) handleLastExchange(w http.ResponseWriter, r *http.Request) {
	ex := s.opts.Capture.LastCapture()
	if ex == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	raw := ""
	if ex.StatusCode > 0 {
		raw = protocol.FormatResponseHead(ex.StatusCode, ex.Headers)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exchange": ex,
		"response": raw,
	})
}
