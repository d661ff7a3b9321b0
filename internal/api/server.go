// Package api exposes the trigger surface this control plane's external
// caller (the out-of-scope AI pipeline / chat UI) uses: deploy, promote,
// status, healthz. Grounded on the teacher's chi.Router + Server{cfg, ...,
// log} shape (internal/api/server.go), generalized from webhook-driven
// handlers to request/response trigger endpoints.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/overskill/deployctl/internal/apiauth"
	"github.com/overskill/deployctl/internal/auditlog"
	"github.com/overskill/deployctl/internal/config"
	"github.com/overskill/deployctl/internal/ctlerr"
	"github.com/overskill/deployctl/internal/deploystate"
	"github.com/overskill/deployctl/internal/dispatch"
	"github.com/overskill/deployctl/internal/model"
	"github.com/overskill/deployctl/internal/monitor"
	"github.com/overskill/deployctl/internal/orchestrator"
	"github.com/overskill/deployctl/internal/promotion"
)

type Server struct {
	cfg      config.Config
	orch     *orchestrator.Orchestrator
	dispatch *dispatch.Publisher
	monitor  *monitor.Monitor
	promoter *promotion.Promoter
	state    *deploystate.Store
	auth     *apiauth.Verifier
	audit    *auditlog.Logger
	log      *log.Logger
}

func New(cfg config.Config, orch *orchestrator.Orchestrator, d *dispatch.Publisher, mon *monitor.Monitor, promoter *promotion.Promoter, state *deploystate.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "overskill-deployd ", log.LstdFlags|log.LUTC)
	}
	return &Server{
		cfg:      cfg,
		orch:     orch,
		dispatch: d,
		monitor:  mon,
		promoter: promoter,
		state:    state,
		auth:     apiauth.New(cfg.InboundSigningSecret),
		audit:    auditlog.New(logger),
		log:      logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/apps/{id}", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/deploy", s.handleDeploy)
		r.Post("/promote", s.handlePromote)
		r.Get("/status", s.handleStatus)
	})

	return r
}

// deployRequest carries everything internal/deploystate has no durable copy
// of (spec.md §6: App data is supplied by the out-of-scope caller on every
// request, not looked up from a local store).
type deployRequest struct {
	TeamID             string            `json:"team_id"`
	SubdomainSlug      string            `json:"subdomain_slug"`
	RepositoryFullName string            `json:"repository_full_name"`
	RepositoryID       int64             `json:"repository_id"`
	BootstrapMode      string            `json:"bootstrap_mode"`
	Environment        string            `json:"environment"`
	Files              map[string]string `json:"files"`
	Secrets            map[string]string `json:"secrets"`
}

type deployResponse struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	env := model.Environment(req.Environment)
	if err := env.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	app := &model.App{
		ID:                 appID,
		TeamID:             req.TeamID,
		SubdomainSlug:      req.SubdomainSlug,
		RepositoryFullName: req.RepositoryFullName,
		RepositoryID:       req.RepositoryID,
	}

	ctx := r.Context()
	if app.RepositoryFullName == "" {
		mode := orchestrator.ModeNewRepo
		if req.BootstrapMode == string(orchestrator.ModeFork) {
			mode = orchestrator.ModeFork
		}
		if err := s.orch.Bootstrap(ctx, app, mode, req.Secrets); err != nil {
			s.log.Printf("bootstrap error app=%s: %v", appID, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	nonce := uuid.NewString()
	result, err := s.orch.Publish(ctx, app, req.Files, nonce, false)
	if err != nil {
		s.log.Printf("publish error app=%s: %v", appID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	scriptName := s.dispatch.ScriptName(app, env)
	handle, err := s.state.Begin(context.Background(), appID, env, scriptName, map[string]any{"commit_sha": result.CommitSHA})
	if err != nil {
		s.log.Printf("begin state error app=%s: %v", appID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.audit.Emit(auditlog.EventDeployBegan, appID, map[string]any{"environment": string(env), "commit_sha": result.CommitSHA})

	pushedAt := time.Now()
	go func() {
		bgCtx := context.Background()
		s.monitor.Run(bgCtx, app, env, handle, result.CommitSHA, pushedAt, nil)
	}()

	writeJSON(w, http.StatusAccepted, deployResponse{DeploymentID: scriptName, Status: string(model.DeployStatusDeploying)})
}

type promoteRequest struct {
	From string `json:"from"`
	To   string `json:"to"`

	TeamID        string `json:"team_id"`
	SubdomainSlug string `json:"subdomain_slug"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	from := model.Environment(req.From)
	to := model.Environment(req.To)
	if err := from.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := to.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	app := &model.App{ID: appID, TeamID: req.TeamID, SubdomainSlug: req.SubdomainSlug}
	deployment, err := s.promoter.Promote(r.Context(), app, from, to)
	if err != nil {
		s.log.Printf("promote error app=%s: %v", appID, err)
		if _, ok := err.(*ctlerr.InvalidPromotion); ok {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.audit.Emit(auditlog.EventPromoted, appID, map[string]any{"from": string(from), "to": string(to)})
	writeJSON(w, http.StatusOK, deployment)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")
	app := &model.App{ID: appID}
	status, err := s.promoter.Status(r.Context(), app)
	if err != nil {
		s.log.Printf("status error app=%s: %v", appID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
