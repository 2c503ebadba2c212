package realtime

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"qchat-relay/internal/protocol"
	"qchat-relay/internal/topic"
)

type startSessionRequest struct {
	WorkingDir string `json:"workingDir"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ConnectedClients(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientId"]

	result := make([]protocol.SessionInfo, 0)
	if s.sessions != nil {
		for _, sess := range s.sessions.List() {
			if clientID != "" && sess.Key.ClientID != clientID {
				continue
			}
			result = append(result, sess.Info())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// The session endpoints below publish the same control and input messages a
// connected client would, so they go through the normal relay path.

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req startSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
	}

	ctl := protocol.Control{Action: protocol.ActionStartSession, SessionID: vars["sessionId"], WorkingDir: req.WorkingDir}
	s.publishREST(w, topic.ForServer(s.ns, vars["clientId"], vars["sessionId"], topic.Control), ctl, http.StatusAccepted)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctl := protocol.Control{Action: protocol.ActionStopSession, SessionID: vars["sessionId"]}
	s.publishREST(w, topic.ForServer(s.ns, vars["clientId"], vars["sessionId"], topic.Control), ctl, http.StatusAccepted)
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var in protocol.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if in.Data == "" && !in.Raw {
		http.Error(w, `{"error":"data is required"}`, http.StatusBadRequest)
		return
	}

	s.publishREST(w, topic.ForServer(s.ns, vars["clientId"], vars["sessionId"], topic.Input), in, http.StatusAccepted)
}

func (s *Server) publishREST(w http.ResponseWriter, addr topic.Address, v any, status int) {
	if err := addr.Validate(); err != nil {
		http.Error(w, `{"error":"invalid client or session id"}`, http.StatusBadRequest)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode message"}`, http.StatusInternalServerError)
		return
	}
	if err := s.broker.Publish(context.Background(), addr.String(), data); err != nil {
		http.Error(w, `{"error":"relay unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"status":"sent"}`))
}
