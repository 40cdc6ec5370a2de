// Package api exposes the bot task manager over HTTP for chat front ends.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"linkdigest/internal/bot"
	"linkdigest/internal/linkclass"
	"linkdigest/internal/model"
)

// LinkResolver expands share short links before classification.
type LinkResolver interface {
	ResolveAll(ctx context.Context, links []string) []string
}

type Options struct {
	Manager  *bot.Manager
	Resolver LinkResolver
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

type Server struct {
	manager  *bot.Manager
	resolver LinkResolver
	metrics  http.Handler
	logger   *zap.Logger
	engine   *gin.Engine
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		manager:  opts.Manager,
		resolver: opts.Resolver,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthz", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/v1")
	v1.POST("/classify", s.classify)
	v1.POST("/sessions/:session/tasks", s.startTask)
	v1.GET("/sessions/:session", s.sessionStatus)
	v1.GET("/tasks", s.listTasks)
	v1.GET("/tasks/:task", s.getTask)
	v1.DELETE("/tasks/:task", s.stopTask)
	v1.GET("/tasks/:task/events", s.taskEvents)
	return r
}

// Run serves on addr until ctx ends, then drains in-flight requests and
// running tasks.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api shutdown", zap.Error(err))
	}
	return s.manager.Shutdown(shutdownCtx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

type linksRequest struct {
	Links []string `json:"links" binding:"omitempty,max=200,dive,required"`
	// Text is a raw chat message; links are extracted from it.
	Text string `json:"text" binding:"max=20000"`
}

func (r linksRequest) collect() []string {
	out := append([]string(nil), r.Links...)
	if strings.TrimSpace(r.Text) != "" {
		out = append(out, linkclass.ExtractLinks(r.Text)...)
	}
	return out
}

// bindLinks collects the request's links and classifies them, expanding
// short links first when a resolver is set.
func (s *Server) bindLinks(c *gin.Context) ([]linkclass.Result, bool) {
	var req linksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	links := req.collect()
	if len(links) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": bot.ErrNoLinks.Error()})
		return nil, false
	}
	resolved := links
	if s.resolver != nil {
		resolved = s.resolver.ResolveAll(c.Request.Context(), links)
	}
	return linkclass.ClassifyResolved(links, resolved), true
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tasks": len(s.manager.Tasks())})
}

type classifiedLink struct {
	model.Item
	Duplicate bool `json:"duplicate,omitempty"`
	Ambiguous bool `json:"ambiguous,omitempty"`
	Supported bool `json:"supported"`
}

func (s *Server) classify(c *gin.Context) {
	results, ok := s.bindLinks(c)
	if !ok {
		return
	}
	out := make([]classifiedLink, 0, len(results))
	for _, r := range results {
		out = append(out, classifiedLink{Item: r.Item, Duplicate: r.Duplicate, Ambiguous: r.Ambiguous, Supported: r.Item.Supported()})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) startTask(c *gin.Context) {
	session := c.Param("session")
	results, ok := s.bindLinks(c)
	if !ok {
		return
	}
	items := make([]model.Item, 0, len(results))
	for _, r := range results {
		items = append(items, r.Item)
	}
	h, err := s.manager.StartItems(c.Request.Context(), session, items)
	switch {
	case errors.Is(err, bot.ErrBusy):
		_, running := s.manager.SessionStatus(session)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "task_id": running})
		return
	case errors.Is(err, bot.ErrNoLinks):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("start task", zap.String("session", session), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	info, _ := s.manager.Info(h)
	c.JSON(http.StatusAccepted, info)
}

func (s *Server) sessionStatus(c *gin.Context) {
	status, h := s.manager.SessionStatus(c.Param("session"))
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("session"), "status": status, "task_id": h})
}

func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.manager.Tasks()})
}

func (s *Server) getTask(c *gin.Context) {
	h := bot.Handle(c.Param("task"))
	info, err := s.manager.Info(h)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "status": bot.StatusIdle})
		return
	}
	report, err := s.manager.Report(h)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": info, "report": report})
}

func (s *Server) stopTask(c *gin.Context) {
	h := bot.Handle(c.Param("task"))
	if err := s.manager.Stop(h); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": h, "stopping": true})
}

// taskEvents streams progress deltas as server-sent events and ends with a
// "done" event carrying the final report.
func (s *Server) taskEvents(c *gin.Context) {
	h := bot.Handle(c.Param("task"))
	ch, cancel, err := s.manager.Subscribe(h)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer cancel()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case p, ok := <-ch:
			if !ok {
				if report, err := s.manager.Report(h); err == nil {
					c.SSEvent("done", report)
				}
				return false
			}
			c.SSEvent("progress", p)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
