package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"smart-squeeze-go/internal/compressor"
	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/extractor"
	"smart-squeeze-go/internal/statistics"
)

// multipartOverhead is allowed on top of the file size limit for form
// fields and part headers.
const multipartOverhead = 1 << 20

// wsWriteWait bounds a single WebSocket write. Events are broadcast from
// inside runs, so a client that stops reading must not hold them up.
const wsWriteWait = 5 * time.Second

// Compressor is the part of the compression service the API needs.
type Compressor interface {
	CheckPreconditions(originalSize, targetSize int64) error
	StartRun(ctx context.Context, req compressor.RunRequest, progress compressor.ProgressFunc) (*compressor.CompressionResult, error)
	MaxFileSize() int64
}

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex
	wsWait     time.Duration

	service   Compressor
	inspector extractor.MetadataExtractor
	stats     *statistics.Statistics
	runs      *runStore
	done      chan struct{}
	stopOnce  sync.Once
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CompressAccepted is returned when a run has been queued.
type CompressAccepted struct {
	RunID        string `json:"run_id"`
	OriginalSize int64  `json:"original_size"`
	TargetSize   int64  `json:"target_size"`
	Aggressive   bool   `json:"aggressive"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewServer creates the HTTP API. stats may be shared with the service so
// /api/statistics reflects every run.
func NewServer(
	cfg *config.Config,
	log *logrus.Logger,
	service Compressor,
	inspector extractor.MetadataExtractor,
	stats *statistics.Statistics,
) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsWait:    wsWriteWait,
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
		service:   service,
		inspector: inspector,
		stats:     stats,
		runs:      newRunStore(cfg.Server.RunRetention),
		done:      make(chan struct{}),
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, e.g. for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/inspect", s.handleInspect).Methods("POST")
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handleDeleteRun).Methods("DELETE")
	api.HandleFunc("/runs/{id}/download", s.handleDownload).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	go s.sweepLoop()

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop cancels running runs and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	s.runs.cancelAll()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if n := s.runs.sweep(now); n > 0 {
				s.log.Debugf("Expired %d finished runs", n)
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":        s.runs.active() > 0,
			"active_runs":    s.runs.active(),
			"tracked_runs":   s.runs.count(),
			"max_file_size":  s.service.MaxFileSize(),
			"max_iterations": s.cfg.Convergence.MaxIterations,
			"tolerance":      s.cfg.Convergence.Tolerance,
			"oracle":         s.cfg.Oracle.Provider,
		},
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeJSON(w, APIResponse{
			Success: true,
			Data:    nil,
		})
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary": s.stats.GetSummary(),
			"totals":  s.stats.Snapshot(),
		},
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	data, name, size, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	target, err := compressor.ParseTargetSize(r.FormValue("target_size"))
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.service.CheckPreconditions(size, target); err != nil {
		s.writeError(w, err.Error(), statusFor(err))
		return
	}

	s.runs.sweep(time.Now())

	originalSize := int64(len(data))
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s.runs.add(RunView{
		ID:           runID,
		Name:         name,
		State:        compressor.Idle,
		OriginalSize: originalSize,
		TargetSize:   target,
		CreatedAt:    time.Now(),
	}, cancel)

	req := compressor.RunRequest{
		ID:         runID,
		Name:       name,
		Data:       data,
		MediaType:  r.FormValue("media_type"),
		TargetSize: target,
	}
	go s.runAsync(ctx, req)

	accepted := CompressAccepted{
		RunID:        runID,
		OriginalSize: originalSize,
		TargetSize:   target,
		Aggressive:   compressor.IsAggressiveTarget(originalSize, target),
	}
	message := "Compression started"
	if accepted.Aggressive {
		message = "Compression started; target is below 5% of the original size and may not be reachable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(APIResponse{
		Success: true,
		Message: message,
		Data:    accepted,
	})
}

func (s *Server) runAsync(ctx context.Context, req compressor.RunRequest) {
	s.broadcastWSMessage("run_started", map[string]interface{}{
		"run_id":      req.ID,
		"name":        req.Name,
		"size":        len(req.Data),
		"target_size": req.TargetSize,
	})

	progress := func(p compressor.Progress) {
		s.runs.progress(p)
		s.broadcastWSMessage("run_progress", p)
	}

	res, err := s.service.StartRun(ctx, req, progress)

	switch {
	case err == nil:
		view, _ := s.runs.finish(req.ID, res, res.Status, nil)
		s.broadcastWSMessage("run_completed", view)
	case errors.Is(err, compressor.ErrCancelled):
		view, _ := s.runs.finish(req.ID, nil, compressor.Cancelled, err)
		s.broadcastWSMessage("run_cancelled", view)
	default:
		view, _ := s.runs.finish(req.ID, nil, compressor.Failed, err)
		s.log.WithField("run_id", req.ID).WithError(err).Error("Run failed")
		s.broadcastWSMessage("run_failed", view)
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, ok := s.runs.get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, "Run not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    view,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	view, ok := s.runs.get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, "Run not found", http.StatusNotFound)
		return
	}
	if view.Result == nil {
		s.writeError(w, fmt.Sprintf("Run has no output (state: %s)", view.State), http.StatusConflict)
		return
	}

	res := view.Result
	contentType := res.MediaType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": res.DownloadName(),
	}))
	w.Header().Set("Content-Length", fmt.Sprint(len(res.Data)))
	if _, err := w.Write(res.Data); err != nil {
		s.log.WithError(err).WithField("run_id", view.ID).Warn("Download interrupted")
	}
}

// handleDeleteRun cancels a running run, or forgets a finished one.
func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	found, running := s.runs.cancel(id)
	switch {
	case !found:
		s.writeError(w, "Run not found", http.StatusNotFound)
	case running:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(APIResponse{
			Success: true,
			Message: "Cancellation requested",
		})
	default:
		s.runs.remove(id)
		s.writeJSON(w, APIResponse{
			Success: true,
			Message: "Run removed",
		})
	}
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	data, name, size, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	if err := s.service.CheckPreconditions(size, size-1); errors.Is(err, compressor.ErrFileTooLarge) {
		s.writeError(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	meta, err := s.inspector.Inspect(r.Context(), name, data)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Inspection failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    meta,
	})
}

// readUpload reads the "file" part of a multipart request. At most one byte
// over the size limit is read; size is the declared part size, so callers can
// reject oversized uploads with an accurate message. It writes the error
// response itself and reports false on failure.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, int64, bool) {
	limit := s.service.MaxFileSize()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, fmt.Sprintf("%v: upload exceeds the size limit", compressor.ErrFileTooLarge), http.StatusRequestEntityTooLarge)
			return nil, "", 0, false
		}
		s.writeError(w, "Invalid multipart request", http.StatusBadRequest)
		return nil, "", 0, false
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, "File is required", http.StatusBadRequest)
		return nil, "", 0, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read upload: %v", err), http.StatusBadRequest)
		return nil, "", 0, false
	}
	return data, header.Filename, max(header.Size, int64(len(data))), true
}

// statusFor maps precondition errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, compressor.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, compressor.ErrInvalidTarget):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
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
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) clientCount() int {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return len(s.wsClients)
}

// broadcastWSMessage sends an event to every client. Writes are serialized
// because a websocket connection allows one writer at a time. A client whose
// write misses the deadline is dropped.
func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.SetWriteDeadline(time.Now().Add(s.wsWait)); err != nil {
			s.log.Errorf("Failed to set WebSocket write deadline: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
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
