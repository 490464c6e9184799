package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"tenantstore/internal/apperr"
	"tenantstore/internal/auth"
	"tenantstore/internal/documents"
	"tenantstore/internal/logger"
	"tenantstore/internal/metrics"
	"tenantstore/internal/models"
	"tenantstore/internal/projects"
	"tenantstore/internal/tasks"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 10 << 20

type contextKey string

const principalContextKey contextKey = "principal"

// Runner executes task invocations.
type Runner interface {
	Run(ctx context.Context, inv models.Invocation) (*models.ExecutionResult, error)
}

type API struct {
	projects *projects.Service
	auth     *auth.Manager
	docs     *documents.Service
	tasks    *tasks.Registry
	runner   Runner
	log      *zap.SugaredLogger
}

func New(p *projects.Service, am *auth.Manager, docs *documents.Service, reg *tasks.Registry, runner Runner) *API {
	return &API{
		projects: p,
		auth:     am,
		docs:     docs,
		tasks:    reg,
		runner:   runner,
		log:      logger.For(logger.ComponentAPI),
	}
}

// principalFromContext returns the authenticated caller of the request.
func principalFromContext(r *http.Request) models.Principal {
	p, _ := r.Context().Value(principalContextKey).(*models.Principal)
	if p == nil {
		return models.Principal{}
	}
	return *p
}

// AuthMiddleware requires a valid bearer token.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		principal, err := a.auth.Validate(r.Context(), token)
		if err != nil {
			a.respondError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger writes one log line and one metrics sample per request.
func (a *API) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.ObserveRequest(r.Method, route, status, elapsed)
			a.log.Infow("Request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", elapsed,
				"requestId", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

const documentsPrefix = "/databases/(default)/documents"

func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.RequestLogger)
	r.Use(middleware.Recoverer)

	// Public endpoints
	r.Post("/projects", a.createProject)
	r.Post("/projects/{project}/auth/token", a.issueToken)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)

		r.Delete("/auth/token", a.revokeToken)

		r.Route("/projects/{project}", func(r chi.Router) {
			r.Get("/", a.getProject)
			r.Post("/apikey:regenerate", a.regenerateAPIKey)

			r.Post(documentsPrefix+":runQuery", a.runQuery)
			r.Route(documentsPrefix+"/{collection}", func(r chi.Router) {
				r.Get("/", a.listDocuments)
				r.Post("/", a.createDocument)
				r.Get("/_security", a.getSecurity)
				r.Put("/_security", a.updateSecurity)
				r.Get("/{docId}", a.getDocument)
				r.Put("/{docId}", a.setDocument)
				r.Patch("/{docId}", a.updateDocument)
				r.Delete("/{docId}", a.deleteDocument)
			})

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", a.listTasks)
				r.Post("/", a.registerTask)
				r.Get("/{id}", a.getTask)
				r.Post("/{id}", a.postTask)
				r.Put("/{id}", a.updateTask)
				r.Delete("/{id}", a.deleteTask)
			})

			r.HandleFunc("/hooks/*", a.runHook)
		})
	})

	return r
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.New(apperr.InvalidArgument, "Invalid JSON").
			WithCode("InvalidJSON").
			WithSuggestion(err.Error())
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes {error, code?, suggestion?, details?} with the status
// of the error's kind. Unclassified errors are reported as internal.
func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Internalf(err, "Internal server error")
	}
	status := e.Status()
	if status >= http.StatusInternalServerError {
		a.log.Errorw("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	body := map[string]interface{}{"error": e.Message}
	if e.Code != "" {
		body["code"] = e.Code
	}
	if e.Suggestion != "" {
		body["suggestion"] = e.Suggestion
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	respondJSON(w, status, body)
}
