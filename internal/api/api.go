// Package api exposes the sync control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/antigravity-dev/asanasync/internal/config"
	"github.com/antigravity-dev/asanasync/internal/model"
	"github.com/antigravity-dev/asanasync/internal/store"
	"github.com/antigravity-dev/asanasync/internal/syncer"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500

	defaultProgressInterval = time.Second
	wsWriteTimeout          = 5 * time.Second
)

// Orchestrator is the run control the API drives.
type Orchestrator interface {
	Start(ctx context.Context, trigger model.Trigger) (*syncer.Handle, error)
	Cancel() bool
	Status(ctx context.Context) (syncer.Status, error)
}

// Store is the read side of the local mirror plus the config row.
type Store interface {
	ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error)
	GetRun(ctx context.Context, id int64) (*model.SyncRun, error)
	GetStats(ctx context.Context) (store.Stats, error)
	GetSyncConfig(ctx context.Context, def model.SyncConfig) (model.SyncConfig, error)
	SaveSyncConfig(ctx context.Context, cfg model.SyncConfig) (model.SyncConfig, error)
}

// Options configures a Server.
type Options struct {
	Bind         string
	Security     config.APISecurity
	Orchestrator Orchestrator
	Store        Store
	// Defaults supplies the config row used before one is saved.
	Defaults func() model.SyncConfig
	// OnConfigChange is called after a config update has been saved.
	OnConfigChange func(model.SyncConfig)
	// ProgressInterval is the push period of the progress stream.
	ProgressInterval time.Duration
	Logger           *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	bind             string
	orch             Orchestrator
	store            Store
	defaults         func() model.SyncConfig
	onConfigChange   func(model.SyncConfig)
	progressInterval time.Duration
	logger           *slog.Logger
	startTime        time.Time
	auth             *AuthMiddleware

	// runCtx bounds runs started over HTTP. It outlives any single request.
	runCtx     context.Context
	configMu   sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	s := &Server{
		bind:             opts.Bind,
		orch:             opts.Orchestrator,
		store:            opts.Store,
		defaults:         opts.Defaults,
		onConfigChange:   opts.OnConfigChange,
		progressInterval: opts.ProgressInterval,
		logger:           opts.Logger,
		startTime:        time.Now(),
		runCtx:           context.Background(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.defaults == nil {
		s.defaults = func() model.SyncConfig { return model.SyncConfig{} }
	}
	if s.progressInterval <= 0 {
		s.progressInterval = defaultProgressInterval
	}
	s.auth = NewAuthMiddleware(opts.Security, s.logger)
	return s
}

// Close releases the audit log.
func (s *Server) Close() error {
	return s.auth.Close()
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /sync/start", s.auth.RequireAuth(s.handleStart))
	mux.HandleFunc("POST /sync/cancel", s.auth.RequireAuth(s.handleCancel))
	mux.HandleFunc("GET /sync/status", s.handleStatus)
	mux.HandleFunc("GET /sync/runs", s.handleRuns)
	mux.HandleFunc("GET /sync/runs/{id}", s.handleRunDetail)
	mux.HandleFunc("GET /sync/stats", s.handleStats)
	mux.HandleFunc("GET /sync/progress/ws", s.handleProgressStream)

	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("PUT /config", s.auth.RequireAuth(s.handlePutConfig))

	return mux
}

// Start begins listening on the configured bind address. Blocks until context
// is cancelled. Runs started over HTTP are bound to ctx.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	s.httpServer = &http.Server{
		Addr:              s.bind,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.bind)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, map[string]string{"error": msg})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ok":       true,
		"uptime_s": time.Since(s.startTime).Seconds(),
	})
}

// POST /sync/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	h, err := s.orch.Start(s.runCtx, model.TriggerManual)
	if errors.Is(err, syncer.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("start sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start sync")
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"run_id": h.RunID})
}

// POST /sync/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"cancelled": s.orch.Cancel()})
}

// GET /sync/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Status(r.Context())
	if err != nil {
		s.logger.Error("load status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	writeJSON(w, st)
}

// runSummary is a run record without its error trace.
type runSummary struct {
	ID           int64           `json:"id"`
	Status       model.RunStatus `json:"status"`
	Trigger      model.Trigger   `json:"trigger"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationS    float64         `json:"duration_s"`
	Counts       model.Counts    `json:"counts"`
	APICalls     int64           `json:"api_calls"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

func summarize(run *model.SyncRun) runSummary {
	return runSummary{
		ID:           run.ID,
		Status:       run.Status,
		Trigger:      run.Trigger,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		DurationS:    run.Duration().Seconds(),
		Counts:       run.Counts,
		APICalls:     run.APICalls,
		ErrorMessage: run.ErrorMessage,
	}
}

// GET /sync/runs?limit=N
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runSummary, 0, len(runs))
	for i := range runs {
		out = append(out, summarize(&runs[i]))
	}
	writeJSON(w, out)
}

// GET /sync/runs/{id}
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %d not found", id))
		return
	}
	if err != nil {
		s.logger.Error("load run failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, run)
}

// GET /sync/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("load stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, stats)
}

// GET /config
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetSyncConfig(r.Context(), s.defaults())
	if err != nil {
		s.logger.Error("load config failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}
	writeJSON(w, cfg)
}

// configUpdate is a partial update of the config row. Absent fields keep
// their current value.
type configUpdate struct {
	CronExpression      *string `json:"cron_expression"`
	Enabled             *bool   `json:"enabled"`
	DownloadAttachments *bool   `json:"download_attachments"`
	GenerateThumbnails  *bool   `json:"generate_thumbnails"`
	ThumbnailMaxWidth   *int    `json:"thumbnail_max_width"`
	AttachmentBasePath  *string `json:"attachment_base_path"`
}

func (u configUpdate) apply(cfg *model.SyncConfig) error {
	if u.CronExpression != nil {
		expr := strings.TrimSpace(*u.CronExpression)
		if err := config.ValidateCron(expr); err != nil {
			return err
		}
		cfg.CronExpression = expr
	}
	if u.Enabled != nil {
		cfg.Enabled = *u.Enabled
	}
	if u.DownloadAttachments != nil {
		cfg.DownloadAttachments = *u.DownloadAttachments
	}
	if u.GenerateThumbnails != nil {
		cfg.GenerateThumbnails = *u.GenerateThumbnails
	}
	if u.ThumbnailMaxWidth != nil {
		if *u.ThumbnailMaxWidth < 1 {
			return fmt.Errorf("thumbnail_max_width must be positive, got %d", *u.ThumbnailMaxWidth)
		}
		cfg.ThumbnailMaxWidth = *u.ThumbnailMaxWidth
	}
	if u.AttachmentBasePath != nil {
		p := strings.TrimSpace(*u.AttachmentBasePath)
		if p == "" {
			return fmt.Errorf("attachment_base_path must not be empty")
		}
		cfg.AttachmentBasePath = p
	}
	return nil
}

// PUT /config
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var upd configUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// Partial updates are read-modify-write.
	s.configMu.Lock()
	defer s.configMu.Unlock()

	cfg, err := s.store.GetSyncConfig(r.Context(), s.defaults())
	if err != nil {
		s.logger.Error("load config failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}
	if err := upd.apply(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.store.SaveSyncConfig(r.Context(), cfg)
	if err != nil {
		s.logger.Error("save config failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}

	s.logger.Info("sync config updated", "cron", saved.CronExpression, "enabled", saved.Enabled,
		"download_attachments", saved.DownloadAttachments)
	if s.onConfigChange != nil {
		s.onConfigChange(saved)
	}
	writeJSON(w, saved)
}

// GET /sync/progress/ws pushes the status document every progress interval
// until the client goes away.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Incoming messages are ignored; CloseRead handles control frames and
	// cancels ctx when the client disconnects.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.progressInterval)
	defer ticker.Stop()

	for {
		if err := s.pushStatus(ctx, conn); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("progress stream closed", "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushStatus(ctx context.Context, conn *websocket.Conn) error {
	st, err := s.orch.Status(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
