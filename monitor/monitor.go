// Package monitor serves the stats and health of named pools over HTTP.
package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-i2p/go-dbpool/pool"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

var log = logger.GetGoI2PLogger()

const shutdownTimeout = 5 * time.Second

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// PoolSummary is one entry of the pool listing.
type PoolSummary struct {
	Name     string            `json:"name"`
	Strategy string            `json:"strategy"`
	Status   pool.HealthStatus `json:"status"`
	Score    int               `json:"score"`
}

// Server exposes registered pools at
//
//	GET /healthz                 liveness
//	GET /pools                   name, strategy and health of every pool
//	GET /pools/:name/stats       pool.PoolStats
//	GET /pools/:name/health      pool.HealthReport, 503 when unhealthy
type Server struct {
	addr string

	mu    sync.RWMutex
	pools map[string]pool.Pool

	router *gin.Engine

	srvMu    sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a server that will listen on addr once started.
func NewServer(addr string) *Server {
	s := &Server{
		addr:  addr,
		pools: make(map[string]pool.Pool),
	}
	s.router = s.setupRouter()
	return s
}

// Register adds or replaces the pool served under name.
func (s *Server) Register(name string, p pool.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[name] = p
	log.WithFields(logrus.Fields{
		"name":     name,
		"strategy": p.Strategy().String(),
	}).Debug("Pool registered with monitor")
}

// Unregister stops serving the pool registered under name.
func (s *Server) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, name)
}

// Handler returns the HTTP handler, for embedding into another server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", s.handleLiveness)
	pools := router.Group("/pools")
	pools.GET("", s.handleList)
	pools.GET("/:name/stats", s.handleStats)
	pools.GET("/:name/health", s.handleHealth)

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("Monitor request")
	}
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleList(c *gin.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.pools))
	for name := range s.pools {
		names = append(names, name)
	}
	snapshot := make(map[string]pool.Pool, len(s.pools))
	for k, v := range s.pools {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(names)
	summaries := make([]PoolSummary, 0, len(names))
	for _, name := range names {
		p := snapshot[name]
		report := p.HealthCheck()
		summaries = append(summaries, PoolSummary{
			Name:     name,
			Strategy: p.Strategy().String(),
			Status:   report.Status,
			Score:    report.Score,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pools": summaries})
}

func (s *Server) handleStats(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, p.Stats())
}

func (s *Server) handleHealth(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	report := p.HealthCheck()
	status := http.StatusOK
	if report.Status == pool.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) lookup(c *gin.Context) (pool.Pool, bool) {
	name := c.Param("name")
	s.mu.RLock()
	p, ok := s.pools[name]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown pool " + name, Code: http.StatusNotFound})
		return nil, false
	}
	return p, true
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()

	if s.srv != nil {
		return oops.
			Code("MONITOR_ALREADY_STARTED").
			In("monitor").
			With("addr", s.listener.Addr().String()).
			Errorf("monitor server already started")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return oops.
			Code("MONITOR_LISTEN_FAILED").
			In("monitor").
			With("addr", s.addr).
			Wrapf(err, "failed to listen")
	}

	s.listener = listener
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.done = make(chan struct{})

	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Monitor server stopped")
		}
	}()

	log.WithField("addr", listener.Addr().String()).Info("Monitor server listening")
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Close gracefully stops the HTTP server. It does not close the pools.
func (s *Server) Close() error {
	s.srvMu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.listener, s.done = nil, nil, nil
	s.srvMu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	<-done
	if err != nil {
		return oops.
			Code("MONITOR_SHUTDOWN_FAILED").
			In("monitor").
			Wrapf(err, "failed to stop monitor server")
	}
	log.Info("Monitor server stopped")
	return nil
}
