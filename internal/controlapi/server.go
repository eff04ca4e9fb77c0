// Package controlapi is voicebridge's internal control plane: a plain JSON
// HTTP API that cmd/voicebridgectl talks to. Grounded on the teacher's
// services/signaling/api/server.go mux-of-handlers shape and writeJSON
// helper; reimplemented here as plain JSON REST instead of the teacher's
// gRPC control plane, since the generated stub package the teacher's gRPC
// server depends on (pkg/rtpmanager/v1) was not present in the retrieved
// tree to ground a faithful regeneration.
package controlapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sebas/voicebridge/internal/callmanager"
	"github.com/sebas/voicebridge/internal/runtime"
)

// Server is the control-plane HTTP API (distinct from C7's carrier-facing
// webhook/stream server; this one is loopback-only, for voicebridgectl).
type Server struct {
	mux       *http.ServeMux
	rt        *runtime.Runtime
	startedAt time.Time
}

// New constructs the control API bound to rt.
func New(rt *runtime.Runtime) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		rt:        rt,
		startedAt: time.Now(),
	}

	s.mux.HandleFunc("/api/v1/status", s.handleStatus)
	s.mux.HandleFunc("/api/v1/calls", s.handleCalls)
	s.mux.HandleFunc("/api/v1/calls/", s.handleCallByID)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{
		"uptimeSeconds":   int64(time.Since(s.startedAt).Seconds()),
		"publicUrl":       s.rt.PublicURL(),
		"publicUrlSource": s.rt.PublicURLSource(),
		"tunnelProvider":  s.rt.TunnelProvider(),
		"activeCalls":     len(s.rt.Manager().ActiveCallIDs()),
	})
}

type initiateCallRequest struct {
	To         string `json:"to"`
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
	Objective  string `json:"objective,omitempty"`
	Language   string `json:"language,omitempty"`
}

// handleCalls serves:
//
//	GET  /api/v1/calls       - call history (most recent first)
//	POST /api/v1/calls       - initiate an outbound call
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.rt.Manager().GetCallHistory(0))
	case http.MethodPost:
		var req initiateCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		result := s.rt.Manager().InitiateCall(r.Context(), req.To, req.SessionKey, callmanager.Metadata{
			Prompt:    req.Message,
			Objective: req.Objective,
			Language:  req.Language,
		})
		if !result.Success {
			writeJSONStatus(w, http.StatusConflict, map[string]any{"error": result.Error.Error()})
			return
		}
		writeJSONStatus(w, http.StatusCreated, map[string]any{"callId": result.CallID})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type callActionRequest struct {
	Message string `json:"message,omitempty"`
}

// handleCallByID serves:
//
//	GET                         /api/v1/calls/{id}
//	POST .../continue           speak and append to transcript
//	POST .../speak               speak without advancing the conversation
//	POST .../end                 hang up
func (s *Server) handleCallByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/calls/")
	callID, action, _ := strings.Cut(rest, "/")
	if callID == "" {
		http.Error(w, "callId required", http.StatusBadRequest)
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		record, ok := s.rt.Manager().GetCall(callID)
		if !ok {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		writeJSON(w, record)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req callActionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
	}

	switch action {
	case "continue":
		result := s.rt.Manager().ContinueCall(r.Context(), callID, req.Message)
		if !result.Success {
			writeJSONStatus(w, http.StatusConflict, map[string]any{"error": result.Error.Error()})
			return
		}
		writeJSON(w, map[string]any{"transcript": result.Transcript})
	case "speak":
		result := s.rt.Manager().Speak(r.Context(), callID, req.Message)
		if !result.Success {
			writeJSONStatus(w, http.StatusConflict, map[string]any{"error": result.Error.Error()})
			return
		}
		writeJSON(w, map[string]any{"success": true})
	case "end":
		result, err := s.rt.Manager().EndCall(r.Context(), callID, "hangup-bot")
		if err != nil {
			writeJSONStatus(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, map[string]any{"success": result.Success})
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
