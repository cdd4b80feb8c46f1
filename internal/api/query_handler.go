package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nicodishanthj/sqlsage/internal/agent"
	"github.com/nicodishanthj/sqlsage/internal/common"
)

type queryRequest struct {
	Question string `json:"question"`
	ThreadID string `json:"thread_id"`
}

// handleQuery streams one turn over SSE: status events while the engine
// works, then exactly one of clarification, result or error.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, errors.New("question is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	terminal := false
	emit := func(event agent.Event) {
		switch event.Type {
		case agent.EventClarification, agent.EventResult, agent.EventError:
			terminal = true
		}
		writeSSE(w, flusher, event)
	}

	_, err := s.engine.Run(r.Context(), req.ThreadID, req.Question, emit)
	if err != nil && !terminal {
		if r.Context().Err() != nil {
			// Client went away; nothing left to write.
			common.Logger().Info("api: query stream cancelled by client")
			return
		}
		writeSSE(w, flusher, agent.Event{Type: agent.EventError, Message: "the question could not be processed"})
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event agent.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	flusher.Flush()
}
