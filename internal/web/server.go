// Package web serves the engine over HTTP with a JSON API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/zheng/codectx/internal/closure"
	"github.com/zheng/codectx/internal/engine"
	"github.com/zheng/codectx/internal/export"
	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/impact"
)

// Engine is what the API needs from *engine.Engine.
type Engine interface {
	Query(ctx context.Context, req engine.QueryRequest) (*engine.QueryResult, error)
	Trace(ctx context.Context, ref string, dir graph.Direction, maxDepth int) (*engine.TraceResult, error)
	Search(pattern string, limit int) []*graph.Entity
	Get(id string) (*graph.Entity, error)
	Stats() engine.Stats
	Hubs(limit int) []graph.Hub
	Cycles() [][]string
	ShortestPath(from, to string) (*graph.Path, error)
	Export() *export.Document
}

// Server is the HTTP API server
type Server struct {
	engine Engine
	addr   string
	logger *slog.Logger
	router *gin.Engine
}

// NewServer creates a new web server
func NewServer(eng Engine, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{engine: eng, addr: addr, logger: logger}
	s.router = s.routes()
	return s
}

// API request/response types

type QueryRequest struct {
	Query     string `json:"query" binding:"required"`
	TopK      int    `json:"top_k"`
	MaxChars  int    `json:"max_chars"`
	MaxDepth  int    `json:"max_depth"`
	Summarize bool   `json:"summarize"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Matches []string `json:"matches,omitempty"`
}

type SearchResponse struct {
	Pattern  string          `json:"pattern"`
	Entities []*graph.Entity `json:"entities"`
}

type CyclesResponse struct {
	Cycles [][]string `json:"cycles"`
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("codectx"), s.requestLogger())

	api := r.Group("/api")
	api.POST("/query", s.handleQuery)
	api.GET("/trace", s.handleTrace)
	api.GET("/search", s.handleSearch)
	api.GET("/entity", s.handleEntity)
	api.GET("/stats", s.handleStats)
	api.GET("/hubs", s.handleHubs)
	api.GET("/cycles", s.handleCycles)
	api.GET("/path", s.handlePath)
	api.GET("/export", s.handleExport)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}

// handleQuery answers a natural-language query with a closure
func (s *Server) handleQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	res, err := s.engine.Query(c.Request.Context(), engine.QueryRequest{
		Text:      req.Query,
		TopK:      req.TopK,
		Budget:    closure.Budget{MaxChars: req.MaxChars},
		MaxDepth:  req.MaxDepth,
		Summarize: req.Summarize,
	})
	if err != nil {
		s.fail(c, "QUERY_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleTrace returns the dependents and dependencies of one entity
func (s *Server) handleTrace(c *gin.Context) {
	ref := c.Query("entity")
	if ref == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "entity is required", Code: "INVALID_REQUEST"})
		return
	}
	dir, err := graph.ParseDirection(c.DefaultQuery("direction", "both"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_DIRECTION"})
		return
	}
	depth := intParam(c, "depth", 3)

	report, err := s.engine.Trace(c.Request.Context(), ref, dir, depth)
	if err != nil {
		s.fail(c, "TRACE_FAILED", err)
		return
	}
	if c.Query("format") == "markdown" {
		c.String(http.StatusOK, report.FormatMarkdown())
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleSearch searches entities by name pattern
func (s *Server) handleSearch(c *gin.Context) {
	pattern := c.Query("q")
	if pattern == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "q is required", Code: "INVALID_REQUEST"})
		return
	}
	matches := s.engine.Search(pattern, intParam(c, "limit", 20))
	if matches == nil {
		matches = []*graph.Entity{}
	}
	c.JSON(http.StatusOK, SearchResponse{Pattern: pattern, Entities: matches})
}

// handleEntity returns one entity by id
func (s *Server) handleEntity(c *gin.Context) {
	ent, err := s.engine.Get(c.Query("id"))
	if err != nil {
		s.fail(c, "ENTITY_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, ent)
}

// handleStats returns graph statistics
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

// handleHubs returns the entities with most dependents
func (s *Server) handleHubs(c *gin.Context) {
	hubs := s.engine.Hubs(intParam(c, "limit", 20))
	if hubs == nil {
		hubs = []graph.Hub{}
	}
	c.JSON(http.StatusOK, hubs)
}

func (s *Server) handleCycles(c *gin.Context) {
	cycles := s.engine.Cycles()
	if cycles == nil {
		cycles = [][]string{}
	}
	c.JSON(http.StatusOK, CyclesResponse{Cycles: cycles})
}

func (s *Server) handlePath(c *gin.Context) {
	path, err := s.engine.ShortestPath(c.Query("from"), c.Query("to"))
	if err != nil {
		s.fail(c, "PATH_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, path)
}

// handleExport returns the whole graph document
func (s *Server) handleExport(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Export())
}

// fail maps engine errors to status codes.
func (s *Server) fail(c *gin.Context, code string, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var amb *impact.AmbiguousError
	switch {
	case errors.As(err, &amb):
		status = http.StatusConflict
		resp.Code = "AMBIGUOUS"
		resp.Matches = amb.Matches
	case errors.Is(err, graph.ErrNotFound):
		status = http.StatusNotFound
		resp.Code = "NOT_FOUND"
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		resp.Code = "TIMEOUT"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", c.Request.URL.Path), slog.String("error", err.Error()))
	}
	c.JSON(status, resp)
}

func intParam(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
