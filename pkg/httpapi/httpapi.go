// Package httpapi exposes the HTTP surface: job table management and
// hybrid search, routed with chi the way the rest of the pack wires
// its HTTP servers.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vectorize-core/vectorize/internal/errs"
	"github.com/vectorize-core/vectorize/internal/logging"
	"github.com/vectorize-core/vectorize/pkg/job"
	"github.com/vectorize-core/vectorize/pkg/search"
)

type Server struct {
	registry *job.Registry
	engine   *search.Engine
	jobs     *job.Store
	log      logging.Logger
}

func NewServer(registry *job.Registry, engine *search.Engine, jobs *job.Store, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{registry: registry, engine: engine, jobs: jobs, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1/table", func(r chi.Router) {
		r.Post("/", s.createTable)
		r.Get("/{name}", s.describeTable)
		r.Delete("/{name}", s.deleteTable)
	})
	r.Route("/api/v1/search", func(r chi.Router) {
		r.Get("/", s.searchTable)
		r.Post("/", s.searchTable)
	})
	return r
}

type createTableRequest struct {
	Name        string      `json:"name"`
	Source      job.Source  `json:"source"`
	Transformer string      `json:"transformer"`
	SearchAlg   job.Metric  `json:"search_alg"`
	TableMethod job.TableMethod `json:"table_method"`
	Schedule    string      `json:"schedule"`
}

func (s *Server) createTable(w http.ResponseWriter, r *http.Request) {
	var req createTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.InvalidRequest, "httpapi.create_table", err))
		return
	}
	j, err := s.registry.Create(r.Context(), job.Spec{
		Name:        req.Name,
		Source:      req.Source,
		Transformer: req.Transformer,
		SearchAlg:   req.SearchAlg,
		TableMethod: req.TableMethod,
		Schedule:    req.Schedule,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) describeTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	j, err := s.registry.Describe(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) deleteTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Delete(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Table         string    `json:"table"`
	Query         string    `json:"query"`
	QueryVector   []float32 `json:"query_vector"`
	TopK          int       `json:"top_k"`
	Window        int       `json:"window_size"`
	ReturnColumns []string  `json:"return_columns"`
	Filter        string    `json:"filter"`
	RRFK          float64   `json:"rrf_k"`
	SemanticWt    float64   `json:"semantic_weight"`
	LexicalWt     float64   `json:"lexical_weight"`
}

func (s *Server) searchTable(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.InvalidRequest, "httpapi.search", err))
		return
	}
	j, err := s.jobs.Get(r.Context(), req.Table)
	if err != nil {
		writeError(w, err)
		return
	}

	var filter *search.Expression
	if req.Filter != "" {
		filter, err = search.ParseString(req.Filter)
		if err != nil {
			writeError(w, errs.New(errs.FilterUnsafe, "httpapi.search", err))
			return
		}
	}

	results, err := s.engine.Search(r.Context(), j, search.Options{
		Query:         req.Query,
		QueryVector:   req.QueryVector,
		TopK:          req.TopK,
		Window:        req.Window,
		ReturnColumns: req.ReturnColumns,
		Filter:        filter,
		RRFK:          req.RRFK,
		SemanticWt:    req.SemanticWt,
		LexicalWt:     req.LexicalWt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var statusByKind = map[errs.Kind]int{
	errs.InvalidRequest:    http.StatusBadRequest,
	errs.NotFound:          http.StatusNotFound,
	errs.AlreadyExists:     http.StatusConflict,
	errs.FilterUnsafe:      http.StatusBadRequest,
	errs.ProviderTransient: http.StatusBadGateway,
	errs.ProviderPermanent: http.StatusBadGateway,
	errs.SchemaDrift:       http.StatusConflict,
	errs.Internal:          http.StatusInternalServerError,
}

// writeError is the sole place a Kind becomes an HTTP status, per the
// error taxonomy's propagation policy.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}
