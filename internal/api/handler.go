// internal/api/handler.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"

	"github-pr-dashboard/internal/model"
	"github-pr-dashboard/internal/store"
	"github-pr-dashboard/internal/syncer"
)

// Handler is the container for API dependencies.
type Handler struct {
	db           store.Store
	syncer       *syncer.Syncer
	fetcher      syncer.Fetcher
	defaultToken string
	logger       *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db store.Store, s *syncer.Syncer, fetcher syncer.Fetcher, defaultToken string, logger *slog.Logger) http.Handler {
	h := &Handler{
		db:           db,
		syncer:       s,
		fetcher:      fetcher,
		defaultToken: defaultToken,
		logger:       logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/repos", h.listRepositories)
		r.Post("/repos", h.linkRepository)
		r.Get("/repos/{owner}/{name}/pulls", h.listPullRequests)
		r.Get("/repos/{owner}/{name}/contributors", h.listContributors)
		r.Get("/repos/{owner}/{name}/analyses", h.listAnalyses)
		r.Post("/repos/{owner}/{name}/sync", h.requestSync)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listRepositories returns all tracked repositories.
// GET /v1/repos
func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.db.ListRepositories(r.Context())
	if err != nil {
		h.logger.Error("Failed to list repositories", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, repos)
}

type linkRepositoryRequest struct {
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

// linkRepository starts tracking a repository. This is the only code
// path that creates a repository row; sync cycles never do.
// POST /v1/repos
func (h *Handler) linkRepository(w http.ResponseWriter, r *http.Request) {
	var req linkRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Owner == "" || req.Name == "" {
		respondWithError(w, http.StatusBadRequest, "'owner' and 'name' are required")
		return
	}

	token := req.AccessToken
	if token == "" {
		token = h.defaultToken
	}
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "No access token provided and no global token configured")
		return
	}

	snapshot, err := h.fetcher.Snapshot(r.Context(), req.Owner, req.Name, token)
	if err != nil {
		h.logger.Error("Failed to fetch repository for linking", "owner", req.Owner, "name", req.Name, "error", err)
		respondWithError(w, http.StatusBadGateway, "Could not fetch repository from GitHub")
		return
	}

	repo, err := h.db.CreateRepository(r.Context(), store.CreateRepositoryParams{
		GithubRepoID:  snapshot.Repository.GithubRepoID,
		Owner:         snapshot.Repository.Owner,
		Name:          snapshot.Repository.Name,
		DefaultBranch: snapshot.Repository.DefaultBranch,
		Description:   snapshot.Repository.Description,
		URL:           snapshot.Repository.URL,
		AccessToken:   req.AccessToken,
	})
	if err != nil {
		h.logger.Error("Failed to create repository", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// First cycle in the background so the linked repository's data
	// shows up without waiting for the next tick.
	h.syncer.SyncRepositoryAsync(repo)

	respondWithJSON(w, http.StatusCreated, repo)
}

// listPullRequests returns the mirrored pull requests for a repository.
// GET /v1/repos/{owner}/{name}/pulls
func (h *Handler) listPullRequests(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.lookupRepository(w, r)
	if !ok {
		return
	}

	pulls, err := h.db.ListPullRequestsByRepo(r.Context(), repo.ID)
	if err != nil {
		h.logger.Error("Failed to list pull requests", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, pulls)
}

// listContributors returns contributor identities with their derived
// aggregates for a repository.
// GET /v1/repos/{owner}/{name}/contributors
func (h *Handler) listContributors(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.lookupRepository(w, r)
	if !ok {
		return
	}

	stats, err := h.db.ListContributorStats(r.Context(), repo.ID)
	if err != nil {
		h.logger.Error("Failed to list contributor stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// listAnalyses returns the analysis sessions for a repository, newest
// first.
// GET /v1/repos/{owner}/{name}/analyses
func (h *Handler) listAnalyses(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.lookupRepository(w, r)
	if !ok {
		return
	}

	sessions, err := h.db.ListAnalysisSessions(r.Context(), repo.ID)
	if err != nil {
		h.logger.Error("Failed to list analysis sessions", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, sessions)
}

// requestSync kicks off a sync cycle for the repository outside the
// scheduled interval. The in-flight guard coalesces repeated requests.
// POST /v1/repos/{owner}/{name}/sync
func (h *Handler) requestSync(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.lookupRepository(w, r)
	if !ok {
		return
	}

	h.syncer.SyncRepositoryAsync(repo)
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "sync scheduled"})
}

func (h *Handler) lookupRepository(w http.ResponseWriter, r *http.Request) (model.Repository, bool) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	repo, err := h.db.GetRepositoryByOwnerAndName(r.Context(), owner, name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return model.Repository{}, false
		}
		h.logger.Error("Failed to get repository", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return model.Repository{}, false
	}
	return repo, true
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
