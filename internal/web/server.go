package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pixpress-go/internal/codec"
	"pixpress-go/internal/config"
	"pixpress-go/internal/conflict"
	"pixpress-go/internal/planner"
	"pixpress-go/internal/worker"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server is the thin UI-facing orchestrator: it starts and cancels batch
// runs and relays the worker's events to connected browsers.
type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	codec      codec.Codec
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.RWMutex

	runMutex sync.RWMutex
	current  *worker.Worker
}

// APIResponse is the envelope for every JSON endpoint.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ProcessRequest starts a batch run. Fields left at their zero value fall
// back to the server's configuration.
type ProcessRequest struct {
	Files             []string          `json:"files"`
	OutputDir         string            `json:"output_dir,omitempty"`
	Quality           int               `json:"quality,omitempty"`
	TargetFormat      string            `json:"target_format,omitempty"`
	StripMetadata     bool              `json:"strip_metadata"`
	ConflictStrategy  string            `json:"conflict_strategy,omitempty"`
	StrategyOverrides map[string]string `json:"strategy_overrides,omitempty"`
}

// ConflictsRequest pre-scans the output paths a run would produce.
type ConflictsRequest struct {
	Files        []string `json:"files"`
	OutputDir    string   `json:"output_dir,omitempty"`
	TargetFormat string   `json:"target_format,omitempty"`
}

// NewServer returns a Server wired to the given codec.
func NewServer(cfg *config.Config, log *logrus.Logger, c codec.Codec) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		codec:     c,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/conflicts", s.handleConflicts).Methods("POST")
	api.HandleFunc("/process", s.handleProcess).Methods("POST")
	api.HandleFunc("/cancel", s.handleCancel).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.PathPrefix("/static/").Handler(
		http.StripPrefix("/static/", http.FileServer(http.Dir("web/static/"))),
	)
	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, "web/templates/index.html")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.runMutex.RLock()
	current := s.current
	s.runMutex.RUnlock()

	var counters interface{}
	running := false
	if current != nil {
		running = current.IsRunning()
		counters = current.Stats().Snapshot()
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":  running,
			"counters": counters,
		},
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	var req ConflictsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Files) == 0 {
		s.writeError(w, "Files are required", http.StatusBadRequest)
		return
	}

	settings := s.cfg.Settings()
	if req.OutputDir != "" {
		settings.OutputDir = req.OutputDir
	}
	if req.TargetFormat != "" {
		settings.TargetFormat = req.TargetFormat
	}

	candidates := make([]string, 0, len(req.Files))
	for _, input := range req.Files {
		candidates = append(candidates, planner.DerivePath(input, settings))
	}

	infos := conflict.NewChecker().Check(candidates)
	collisions := make([]conflict.Info, 0, len(candidates))
	for _, path := range candidates {
		if info := infos[path]; info.Exists {
			collisions = append(collisions, info)
		}
	}

	s.writeJSON(w, APIResponse{Success: true, Data: collisions})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Files) == 0 {
		s.writeError(w, "Files are required", http.StatusBadRequest)
		return
	}

	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	if s.current != nil && s.current.IsRunning() {
		s.writeError(w, "Batch already in progress", http.StatusConflict)
		return
	}

	opts, err := s.buildOptions(req)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	run := worker.New(opts, s.codec, s.log)
	if err := run.Start(); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.current = run

	go s.relayEvents(run)

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Batch started (%d files)", len(req.Files)),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.runMutex.RLock()
	current := s.current
	s.runMutex.RUnlock()

	if current == nil || !current.IsRunning() {
		s.writeError(w, "No batch in progress", http.StatusConflict)
		return
	}

	current.Cancel()
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Cancellation requested; the file in flight will finish first",
	})
}

// buildOptions merges a process request over the server configuration.
func (s *Server) buildOptions(req ProcessRequest) (worker.Options, error) {
	settings := s.cfg.Settings()
	if req.OutputDir != "" {
		settings.OutputDir = req.OutputDir
	}
	if req.Quality != 0 {
		settings.Quality = planner.ClampQuality(req.Quality)
	}
	if req.TargetFormat != "" {
		if !planner.IsValidTargetFormat(req.TargetFormat) {
			return worker.Options{}, fmt.Errorf("invalid target format: %s", req.TargetFormat)
		}
		settings.TargetFormat = req.TargetFormat
	}
	settings.StripMetadata = req.StripMetadata

	strategy := s.cfg.Strategy()
	if req.ConflictStrategy != "" {
		parsed, err := planner.ParseStrategy(req.ConflictStrategy)
		if err != nil {
			return worker.Options{}, err
		}
		strategy = parsed
	}

	overrides := make(map[string]planner.Strategy, len(req.StrategyOverrides))
	for path, name := range req.StrategyOverrides {
		parsed, err := planner.ParseStrategy(name)
		if err != nil {
			return worker.Options{}, fmt.Errorf("override for %s: %w", path, err)
		}
		overrides[path] = parsed
	}

	return worker.Options{
		Inputs:            req.Files,
		Settings:          settings,
		Strategy:          strategy,
		AllowedExtensions: s.cfg.SourceExtensions,
		StrategyOverrides: overrides,
	}, nil
}

// relayEvents forwards every worker event to the connected websocket
// clients until the run's channel closes.
func (s *Server) relayEvents(run *worker.Worker) {
	for ev := range run.Events() {
		s.broadcast(string(ev.Kind), ev)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (s *Server) broadcast(messageType string, data interface{}) {
	msgBytes, err := json.Marshal(wsMessage{Type: messageType, Data: data})
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.RLock()
	defer s.wsMutex.RUnlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			go func(c *websocket.Conn) {
				s.wsMutex.Lock()
				delete(s.wsClients, c)
				s.wsMutex.Unlock()
				c.Close()
			}(conn)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
