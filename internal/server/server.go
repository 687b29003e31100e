// Package server provides the HTTP control API for SeqGet.
// It exposes run control, status, history and logs, and upgrades /ws for live events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seqget-project/seqget/internal/api"
	"github.com/seqget-project/seqget/internal/download"
	"github.com/seqget-project/seqget/internal/logger"
	"github.com/seqget-project/seqget/internal/monitor"
	"github.com/seqget-project/seqget/internal/storage"
	"github.com/seqget-project/seqget/internal/websocket"
)

// Config contains server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// POST /api/runs writes only below DownloadDir and reads request
	// sequence files only below SequenceDir
	DownloadDir  string
	SequenceDir  string
	SequenceFile string

	// Runs are refused while DownloadDir has less free space, 0 = no check
	MinFree uint64

	// Log files served under /api/logs/files
	LogDir string

	// CORS origins; empty allows same-origin requests only
	AllowedOrigins []string
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	config     *Config

	orch    *download.Orchestrator
	store   storage.Store
	monitor *monitor.Monitor
	wsMgr   *websocket.Manager

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new HTTP server. store and mon may be nil.
func NewServer(config *Config, orch *download.Orchestrator, store storage.Store, mon *monitor.Monitor) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:  config,
		orch:    orch,
		store:   store,
		monitor: mon,
		wsMgr:   websocket.NewManager(),
		ctx:     ctx,
		cancel:  cancel,
	}

	orch.AddListener(s.wsMgr.OnDownloadEvent)
	if mon != nil {
		mon.Watch(func(res monitor.Resources) {
			s.wsMgr.Broadcast(websocket.NewResourcesEvent(res))
		})
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(
		api.Recovery(),
		api.RequestID(),
		api.CORS(s.config.AllowedOrigins),
		api.Logger(),
	)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.engine.GET("/ws", s.wsMgr.HandleWebSocket)

	api := s.engine.Group("/api")
	{
		api.GET("/version", s.handleVersion)
		api.GET("/status", s.handleStatus)
		api.GET("/slots", s.handleSlots)
		api.GET("/wait", s.handleWait)

		api.POST("/pause", s.handlePause)
		api.POST("/resume", s.handleResume)
		api.POST("/cancel", s.handleCancel)

		seq := api.Group("/sequence")
		{
			seq.GET("", s.handleGetSequence)
			seq.PUT("/concurrency", s.handleSetConcurrency)
		}

		runs := api.Group("/runs")
		{
			runs.POST("", s.handleStartRun)
			runs.GET("", s.handleListRuns)
			runs.GET("/:id", s.handleGetRun)
			runs.DELETE("/:id", s.handleDeleteRun)
			runs.GET("/:id/items", s.handleListItems)
		}

		logs := api.Group("/logs")
		{
			logs.GET("", s.handleLogEntries)
			logs.GET("/files", s.handleListLogFiles)
			logs.GET("/files/:name", s.handleReadLogFile)
		}
	}
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.wsMgr.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsMgr.PipeLogs(s.ctx, logger.GetLogStream())
	}()

	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()

		logger.Infof("HTTP API listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server error")
		}
	}(s.httpServer)

	return nil
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests, waits for in-flight ones until ctx is done and
// closes websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv == nil {
		return fmt.Errorf("server not started")
	}

	s.cancel()

	var err error
	if err = srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down gracefully, closing")
		srv.Close()
	}

	s.wsMgr.Stop()
	s.wg.Wait()
	logger.Info("HTTP API stopped")
	return err
}

// GetEngine returns the Gin engine (for testing)
func (s *Server) GetEngine() *gin.Engine {
	return s.engine
}

// GetWebSocketManager returns the WebSocket manager
func (s *Server) GetWebSocketManager() *websocket.Manager {
	return s.wsMgr
}
