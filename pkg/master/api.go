package master

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/loomci/loom/pkg/auth"
	"github.com/loomci/loom/pkg/provision"
	"github.com/loomci/loom/pkg/scheduler"
	"github.com/loomci/loom/pkg/store"
)

// API serves the coordinator's REST surface. Provisioning routes are
// mounted only when a host store is configured.
type API struct {
	master      *Master
	hosts       provision.Repository
	provisioner *provision.Provisioner

	// Token, when set, is required as a Bearer token on every /api route.
	Token string
}

func NewAPI(m *Master, hosts provision.Repository, provisioner *provision.Provisioner) *API {
	return &API{master: m, hosts: hosts, provisioner: provisioner}
}

// Router builds the chi router with the coordinator's middleware stack.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(a.Token))
		r.Get("/health", a.handleHealth)
		r.Post("/changes", a.handleAddChange)
		r.Get("/changes", a.handleListChanges)

		r.Get("/builders", a.handleListBuilders)
		r.Route("/builders/{builder}", func(r chi.Router) {
			r.Post("/force", a.handleForceBuild)
			r.Get("/requests", a.handleListRequests)
			r.Get("/builds", a.handleListBuilds)
			r.Route("/builds/{number}", func(r chi.Router) {
				r.Get("/", a.handleGetBuild)
				r.Get("/logs", a.handleGetLogs)
			})
		})
		r.Post("/requests/{id}/cancel", a.handleCancelRequest)
		r.Post("/reconfig", a.handleReconfig)

		if a.hosts != nil {
			r.Route("/hosts", func(r chi.Router) {
				r.Get("/", a.handleListHosts)
				r.Post("/", a.handleCreateHost)
				r.Route("/{hostID}", func(r chi.Router) {
					r.Get("/", a.handleGetHost)
					r.Delete("/", a.handleDeleteHost)
					r.Post("/provision", a.handleProvisionHost)
					r.Get("/events", a.handleHostEvents)
				})
			})
		}
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok", "project": a.master.ProjectName()}, http.StatusOK)
}

func (a *API) handleAddChange(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Author   string   `json:"author"`
		Branch   string   `json:"branch"`
		Revision string   `json:"revision"`
		Comments string   `json:"comments"`
		Category string   `json:"category"`
		Files    []string `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	recorded := a.master.AddChange(scheduler.Change{
		Author:   payload.Author,
		Branch:   payload.Branch,
		Revision: payload.Revision,
		Comments: payload.Comments,
		Category: payload.Category,
		Files:    payload.Files,
	})
	respondJSON(w, map[string]any{"change": recorded}, http.StatusAccepted)
}

func (a *API) handleListChanges(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"changes": a.master.Changes()}, http.StatusOK)
}

func (a *API) handleListBuilders(w http.ResponseWriter, r *http.Request) {
	type builderView struct {
		Name    string `json:"name"`
		State   string `json:"state"`
		Pending int    `json:"pending"`
	}
	var out []builderView
	for _, b := range a.master.Builders() {
		out = append(out, builderView{Name: b.Name(), State: b.State(), Pending: len(b.Pending())})
	}
	respondJSON(w, map[string]any{"builders": out}, http.StatusOK)
}

func (a *API) handleForceBuild(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "builder")
	var payload struct {
		Reason   string  `json:"reason"`
		Branch   string  `json:"branch"`
		Revision *string `json:"revision"`
	}
	if r.Body != nil {
		// An empty body forces a default-branch build.
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	req, err := a.master.ForceBuild(name, payload.Reason, payload.Branch, payload.Revision)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, map[string]any{"request": req}, http.StatusAccepted)
}

func (a *API) handleListRequests(w http.ResponseWriter, r *http.Request) {
	b, ok := a.master.Builder(chi.URLParam(r, "builder"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown builder")
		return
	}
	respondJSON(w, map[string]any{"requests": b.Pending()}, http.StatusOK)
}

func (a *API) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.master.CancelRequest(id) {
		respondError(w, http.StatusNotFound, "request not pending")
		return
	}
	respondJSON(w, map[string]string{"cancelled": id}, http.StatusOK)
}

func (a *API) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "builder")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	builds, err := a.master.Store().Builds(name, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"builds": builds}, http.StatusOK)
}

func (a *API) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	name, number, ok := a.buildKey(w, r)
	if !ok {
		return
	}
	build, err := a.master.Store().Build(name, number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "build not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"build": build}, http.StatusOK)
}

func (a *API) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	name, number, ok := a.buildKey(w, r)
	if !ok {
		return
	}
	logs, err := a.master.Store().Logs(name, number)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"logs": logs}, http.StatusOK)
}

func (a *API) buildKey(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	name := chi.URLParam(r, "builder")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "build number must be an integer")
		return "", 0, false
	}
	return name, number, true
}

func (a *API) handleReconfig(w http.ResponseWriter, r *http.Request) {
	if err := a.master.Reconfigure(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "reconfigured", "project": a.master.ProjectName()}, http.StatusOK)
}

func (a *API) handleListHosts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"hosts": a.hosts.ListHosts()}, http.StatusOK)
}

func (a *API) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name          string `json:"name"`
		Address       string `json:"address"`
		SSHPort       int    `json:"ssh_port"`
		SSHUsername   string `json:"ssh_username"`
		SSHPassword   string `json:"ssh_password"`
		SSHPrivateKey string `json:"ssh_private_key"`
		AgentName     string `json:"agent_name"`
		AgentPort     int    `json:"agent_port"`
		Basedir       string `json:"basedir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.Name == "" || payload.Address == "" || payload.SSHUsername == "" {
		respondError(w, http.StatusBadRequest, "name, address, and ssh_username are required")
		return
	}
	created, err := a.hosts.CreateHost(&provision.Host{
		Name:          payload.Name,
		Address:       payload.Address,
		SSHPort:       payload.SSHPort,
		SSHUsername:   payload.SSHUsername,
		SSHPassword:   payload.SSHPassword,
		SSHPrivateKey: payload.SSHPrivateKey,
		AgentName:     payload.AgentName,
		AgentPort:     payload.AgentPort,
		Basedir:       payload.Basedir,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"host": created.Sanitized()}, http.StatusCreated)
}

func (a *API) handleGetHost(w http.ResponseWriter, r *http.Request) {
	host, ok := a.hosts.GetHost(chi.URLParam(r, "hostID"))
	if !ok {
		respondError(w, http.StatusNotFound, "host not found")
		return
	}
	respondJSON(w, map[string]any{"host": host.Sanitized()}, http.StatusOK)
}

func (a *API) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	if err := a.hosts.DeleteHost(chi.URLParam(r, "hostID")); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleProvisionHost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "hostID")
	if _, ok := a.hosts.GetHost(id); !ok {
		respondError(w, http.StatusNotFound, "host not found")
		return
	}
	if a.provisioner == nil {
		respondError(w, http.StatusServiceUnavailable, "provisioner not configured")
		return
	}
	a.provisioner.Provision(r.Context(), id)
	respondJSON(w, map[string]string{"status": "provisioning"}, http.StatusAccepted)
}

func (a *API) handleHostEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.hosts.GetHost(chi.URLParam(r, "hostID")); !ok {
		respondError(w, http.StatusNotFound, "host not found")
		return
	}
	respondJSON(w, map[string]any{"events": a.hosts.GetEvents(chi.URLParam(r, "hostID"))}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
