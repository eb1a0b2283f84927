package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"agentflow/internal/contextstore"
	"agentflow/internal/domain"
	"agentflow/internal/ingress"
	"agentflow/internal/queue"
)

type Server struct {
	svc     *ingress.Service
	limiter *rate.Limiter
}

type Options struct {
	// SubmitRate limits task submissions per second; zero disables the limit.
	SubmitRate  float64
	SubmitBurst int
	EnableDebug bool
}

func NewServer(svc *ingress.Service, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{svc: svc, limiter: rate.NewLimiter(rate.Inf, 0)}
	if opts.SubmitRate > 0 {
		burst := opts.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRate), burst)
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.With(s.limitSubmissions).Post("/tasks", s.submitTasks)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/attempts", s.taskAttempts)
		r.Get("/tasks/{id}/output", s.taskOutput)
		r.Get("/slots", s.listSlots)
		r.Post("/kill/{id}", s.kill)
		r.Post("/cleanup", s.cleanup)
		r.Post("/broadcast", s.broadcast)
		r.Get("/documents/{key}", s.getDocument)
	})

	if opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) limitSubmissions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// submitReq accepts a single task or, with "tasks", a whole decomposition.
type submitReq struct {
	single domain.NewTask
	tasks  []domain.NewTask
}

func (r *submitReq) UnmarshalJSON(data []byte) error {
	var batch struct {
		Tasks []domain.NewTask `json:"tasks"`
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return err
	}
	if len(batch.Tasks) > 0 {
		r.tasks = batch.Tasks
		return nil
	}
	return json.Unmarshal(data, &r.single)
}

type submitResp struct {
	ID  string   `json:"id,omitempty"`
	IDs []string `json:"ids,omitempty"`
}

func (s *Server) submitTasks(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.tasks) > 0 {
		ids, err := s.svc.AddTasks(r.Context(), req.tasks)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, submitResp{IDs: ids})
		return
	}
	id, err := s.svc.AddTask(r.Context(), req.single)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := domain.ParseStatus(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			statuses = append(statuses, st)
		}
	}
	tasks, err := s.svc.ListTasks(r.Context(), statuses...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) taskAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.svc.TaskAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if attempts == nil {
		attempts = []domain.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) taskOutput(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.ReadArtifact(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("content-type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(doc.Body)
}

func (s *Server) listSlots(w http.ResponseWriter, r *http.Request) {
	slots := s.svc.ListActiveSlots()
	if slots == nil {
		slots = []domain.SlotSummary{}
	}
	writeJSON(w, http.StatusOK, slots)
}

func (s *Server) kill(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.Kill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("older_than")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "older_than is required")
		return
	}
	olderThan, err := time.ParseDuration(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid older_than: "+err.Error())
		return
	}
	res, err := s.svc.Cleanup(r.Context(), olderThan)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type broadcastReq struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	ref, err := s.svc.Broadcast(req.From, req.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

type documentResp struct {
	Key     string    `json:"key"`
	Version int       `json:"version"`
	Updated time.Time `json:"updated_at"`
	Body    string    `json:"body"`
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.ReadDocument(chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, documentResp{
		Key:     doc.Meta.Key,
		Version: doc.Meta.Version,
		Updated: doc.Meta.CreatedAt,
		Body:    string(doc.Body),
	})
}

type errorResp struct {
	Error string `json:"error"`
	// IDs lists tasks a failed decomposition had already enqueued.
	IDs []string `json:"ids,omitempty"`
}

func writeServiceError(w http.ResponseWriter, err error) {
	resp := errorResp{Error: err.Error()}
	var batchErr *ingress.BatchError
	if errors.As(err, &batchErr) {
		resp.IDs = batchErr.IDs
	}
	writeJSON(w, errorStatus(err), resp)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, ingress.ErrNotFound),
		errors.Is(err, contextstore.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingress.ErrNotRunning), errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, contextstore.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidDependency), errors.Is(err, contextstore.ErrInvalidKey),
		errors.Is(err, domain.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
