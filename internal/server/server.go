// Package server provides the REST+SSE facade over the fetch
// orchestration engine: target management, post queries, the JSONL
// export, health, and the live event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/nitterfetch/nitterfetch/internal/broker"
	"github.com/nitterfetch/nitterfetch/internal/config"
	"github.com/nitterfetch/nitterfetch/internal/gateway"
	"github.com/nitterfetch/nitterfetch/internal/model"
	"github.com/nitterfetch/nitterfetch/internal/pipeline"
	"github.com/nitterfetch/nitterfetch/internal/scheduler"
	"github.com/nitterfetch/nitterfetch/internal/store"
)

// heartbeatInterval is how long the SSE transport waits for a published
// event before synthesizing a heartbeat to keep the connection alive.
const heartbeatInterval = 15 * time.Second

// Server is the HTTP surface over the core engine.
type Server struct {
	store      *store.Store
	pool       *gateway.Pool
	pipeline   *pipeline.Pipeline
	scheduler  *scheduler.Scheduler
	broker     *broker.Broker // nil if SSE is disabled
	cfg        config.Config
	log        *zap.Logger
	router     chi.Router
	httpServer *http.Server
}

// Deps bundles the components New wires into routes.
type Deps struct {
	Store     *store.Store
	Pool      *gateway.Pool
	Pipeline  *pipeline.Pipeline
	Scheduler *scheduler.Scheduler
	Broker    *broker.Broker
	Config    config.Config
	Log       *zap.Logger
}

// New builds a Server and wires its routes.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		store:     d.Store,
		pool:      d.Pool,
		pipeline:  d.Pipeline,
		scheduler: d.Scheduler,
		broker:    d.Broker,
		cfg:       d.Config,
		log:       log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Default().Handler)

	r.Route("/api", func(r chi.Router) {
		// The event stream must not be buffered by gzip compression, so it
		// gets its own group without middleware.Compress.
		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5))
			r.Get("/config", s.handleGetConfig)
			r.Get("/targets", s.handleListTargets)
			r.Post("/targets", s.handleCreateTarget)
			r.Delete("/targets/{id}", s.handleDeleteTarget)
			r.Post("/fetch/once", s.handleFetchOnce)
			r.Get("/tweets", s.handleGetTweets)
			r.Get("/export.jsonl", s.handleExport)
			r.Get("/health", s.handleHealth)
		})
	})

	s.router = r
}

// Start starts the HTTP server (blocks until Stop or a fatal error).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	s.log.Info("server starting", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("http server shutdown error", zap.Error(err))
	}
}

// Router exposes the underlying router for tests.
func (s *Server) Router() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.GetTargets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type                string `json:"type"`
		Value               string `json:"value"`
		PollIntervalSeconds int    `json:"poll_interval_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind := model.TargetKind(req.Type)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "type must be user or hashtag")
		return
	}
	value := strings.TrimSpace(req.Value)
	if value == "" {
		writeError(w, http.StatusBadRequest, "value must not be empty")
		return
	}
	if req.PollIntervalSeconds < model.MinPollIntervalSeconds {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("poll_interval_seconds must be >= %d", model.MinPollIntervalSeconds))
		return
	}

	id, err := s.store.AddTarget(kind, value, req.PollIntervalSeconds)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.broker != nil {
		s.broker.Publish("tick", map[string]interface{}{
			"target":       value,
			"target_id":    id,
			"scheduled_at": time.Now().UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, model.Target{
		ID:                  id,
		Kind:                kind,
		Value:               value,
		PollIntervalSeconds: req.PollIntervalSeconds,
	})
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target id")
		return
	}

	existing, err := s.store.GetTarget(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}

	if err := s.store.DeleteTarget(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.broker != nil {
		s.broker.Publish("cooldown", map[string]interface{}{"target": id, "deleted": true})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted"})
}

func (s *Server) handleFetchOnce(w http.ResponseWriter, r *http.Request) {
	result, err := pipeline.RunAll(r.Context(), s.pipeline, s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTweets(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	filter := store.GetPostsFilter{
		Target: r.URL.Query().Get("target"),
		Query:  r.URL.Query().Get("q"),
		Limit:  limit,
	}
	posts, err := s.store.GetPosts(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]interface{}, 0, len(posts))
	for _, p := range posts {
		var raw interface{}
		if err := json.Unmarshal([]byte(p.Raw), &raw); err != nil {
			raw = map[string]interface{}{}
		}
		out = append(out, map[string]interface{}{
			"id":         p.ID,
			"target":     p.Target,
			"content":    p.Content,
			"created_at": p.CreatedAt,
			"raw":        raw,
			"fetched_at": p.FetchedAt,
			"instance":   p.Instance,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/jsonl")
	w.Header().Set("Content-Disposition", "attachment; filename=export.jsonl")

	flusher, _ := w.(http.Flusher)
	err := s.store.ExportPosts(func(line string) bool {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	})
	if err != nil {
		s.log.Error("export failed mid-stream", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"rttByInstance": s.pool.Snapshot(),
		"queueSize":     s.scheduler.QueueSize(),
		"lastRun":       s.scheduler.LastRun(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		http.Error(w, "SSE disabled", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.broker.Subscribe()
	defer sub.Close()

	fmt.Fprint(w, "event: hello\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", ev.JSON)
			flusher.Flush()
			ticker.Reset(heartbeatInterval)
		case <-ticker.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}
