package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	corewebhook "github.com/artpar/dockship/internal/core/webhook"
	"github.com/artpar/dockship/internal/shell/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultMaxBodyBytes caps the size of a push payload.
const DefaultMaxBodyBytes = 1 << 20

// Target is one deployment target and the branches that deploy it.
type Target struct {
	Name     string
	Branches []string // Glob patterns, e.g. "main" or "release/*"
	// Repository, when set, must equal the pushed repository's full name.
	Repository string
}

// Config configures a Server.
type Config struct {
	Secret       []byte
	Targets      []Target
	Queue        *Queue
	History      store.Store // Optional; backs GET /runs
	MaxBodyBytes int64       // Default: DefaultMaxBodyBytes
	Logger       *slog.Logger
}

// =============================================================================
// Server
// =============================================================================

// Server handles webhook HTTP requests.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// NewServer creates a Server. An empty secret is rejected, since it would
// let anyone trigger deployments.
func NewServer(cfg Config) (*Server, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("webhook secret is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("webhook queue is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "webhook"),
	}, nil
}

// Routes returns the router with all routes configured.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/hooks/push", s.handlePush)
	r.Get("/runs", s.handleListRuns)

	return r
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// targetDecision reports what a push did for one target.
type targetDecision struct {
	Target string `json:"target"`
	Status string `json:"status"` // started, queued, coalesced or skipped
	Reason string `json:"reason,omitempty"`
}

type pushResponse struct {
	Status   string           `json:"status"` // accepted or ignored
	Branch   string           `json:"branch,omitempty"`
	Revision string           `json:"revision,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Targets  []targetDecision `json:"targets,omitempty"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	provider, event := detectProvider(r)
	if err := s.verify(provider, r, body); err != nil {
		s.logger.Warn("rejected webhook", "provider", provider, "error", err, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if provider == corewebhook.ProviderGitHub && event == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	push, err := corewebhook.ParsePush(provider, event, body)
	if err != nil {
		if errors.Is(err, corewebhook.ErrNotPush) {
			writeJSON(w, http.StatusOK, pushResponse{Status: "ignored", Reason: err.Error()})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	delivery := r.Header.Get(corewebhook.HeaderGitHubDelivery)
	if delivery == "" {
		delivery = middleware.GetReqID(r.Context())
	}

	resp := pushResponse{Status: "ignored", Branch: push.Branch, Revision: push.After}
	for _, target := range s.cfg.Targets {
		decision := targetDecision{Target: target.Name, Status: "skipped"}

		if target.Repository != "" && target.Repository != push.Repository {
			decision.Reason = "repository " + push.Repository + " does not match"
			resp.Targets = append(resp.Targets, decision)
			continue
		}
		if ok, reason := corewebhook.ShouldDeploy(push, target.Branches); !ok {
			decision.Reason = reason
			resp.Targets = append(resp.Targets, decision)
			continue
		}

		result, err := s.cfg.Queue.Enqueue(Job{
			Target:   target.Name,
			Branch:   push.Branch,
			Revision: push.After,
			Delivery: delivery,
			Pusher:   push.Pusher,
		})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		decision.Status = string(result)
		resp.Status = "accepted"
		resp.Targets = append(resp.Targets, decision)
	}

	s.logger.Info("push received",
		"provider", provider,
		"repository", push.Repository,
		"branch", push.Branch,
		"revision", push.After,
		"delivery", delivery,
		"status", resp.Status,
	)

	if resp.Status == "accepted" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	if len(resp.Targets) > 0 {
		resp.Reason = resp.Targets[0].Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) verify(provider corewebhook.Provider, r *http.Request, body []byte) error {
	if provider == corewebhook.ProviderGitLab {
		return corewebhook.VerifyGitLab(s.cfg.Secret, r.Header.Get(corewebhook.HeaderGitLabToken))
	}
	return corewebhook.VerifyGitHub(s.cfg.Secret, body, r.Header.Get(corewebhook.HeaderGitHubSignature))
}

// detectProvider picks GitLab when its headers are present, else GitHub.
func detectProvider(r *http.Request) (corewebhook.Provider, string) {
	if event := r.Header.Get(corewebhook.HeaderGitLabEvent); event != "" || r.Header.Get(corewebhook.HeaderGitLabToken) != "" {
		return corewebhook.ProviderGitLab, event
	}
	return corewebhook.ProviderGitHub, r.Header.Get(corewebhook.HeaderGitHubEvent)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}

	opts := store.ListOptions{Limit: 20, Target: r.URL.Query().Get("target")}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		opts.Limit = limit
	}
	opts.FailedOnly = r.URL.Query().Get("failed") == "true"

	runs, err := s.cfg.History.ListRuns(r.Context(), opts)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"status": strconv.Itoa(status),
			"title":  http.StatusText(status),
			"detail": message,
		},
	})
}
