package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loomci/loom/pkg/protocol"
)

// Server exposes the agent's command surface: start a command and stream its
// status updates back as server-sent events, or interrupt a running one.
type Server struct {
	name     string
	deps     Deps
	registry *Registry

	mu      sync.Mutex
	running map[string]Command
}

func NewServer(name string, deps Deps, registry *Registry) *Server {
	return &Server{
		name:     name,
		deps:     deps,
		registry: registry,
		running:  make(map[string]Command),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/info", s.handleInfo)
	r.Post("/commands", s.handleRunCommand)
	r.Post("/commands/{commandID}/interrupt", s.handleInterrupt)
	return r
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"name":    s.name,
		"basedir": s.deps.Basedir,
	})
}

// handleRunCommand starts the invoked command and streams its coalesced
// updates as SSE, finishing with exactly one completion event. A dropped
// connection interrupts the command so no orphan process keeps running.
func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var inv protocol.Invocation
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		respondError(w, http.StatusBadRequest, "invalid invocation payload")
		return
	}
	if inv.ID == "" || inv.Name == "" {
		respondError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	cmd, err := s.registry.Create(s.deps, inv)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s.mu.Lock()
	if _, exists := s.running[inv.ID]; exists {
		s.mu.Unlock()
		respondError(w, http.StatusConflict, "command id already running")
		return
	}
	s.running[inv.ID] = cmd
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, inv.ID)
		s.mu.Unlock()
	}()

	s.deps.Logger.Info("command started", "id", inv.ID, "name", inv.Name)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates := make(chan protocol.Update, 64)
	buffer := NewUpdateBuffer(func(u protocol.Update) { updates <- u })
	done := make(chan error, 1)
	go func() {
		err := cmd.Run(r.Context(), buffer.Add)
		buffer.Flush()
		done <- err
	}()

	writeEvent := func(ev protocol.StreamEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.deps.Logger.Error("marshal stream event", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	disconnected := r.Context().Done()
	for {
		select {
		case u := <-updates:
			writeEvent(protocol.StreamEvent{Update: &u})
		case <-disconnected:
			// nil disables this case; a closed Done channel would
			// otherwise win every select until the command dies.
			disconnected = nil
			s.deps.Logger.Warn("connection lost, interrupting command", "id", inv.ID)
			cmd.Interrupt()
		case err := <-done:
			for {
				select {
				case u := <-updates:
					writeEvent(protocol.StreamEvent{Update: &u})
					continue
				default:
				}
				break
			}
			completion := protocol.Completion{ID: inv.ID}
			if err != nil {
				completion.Error = err.Error()
			}
			writeEvent(protocol.StreamEvent{Complete: &completion})
			s.deps.Logger.Info("command finished", "id", inv.ID, "error", err)
			return
		}
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commandID")
	s.mu.Lock()
	cmd, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "no such running command")
		return
	}
	s.deps.Logger.Info("interrupting command", "id", id)
	cmd.Interrupt()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "interrupting"})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
