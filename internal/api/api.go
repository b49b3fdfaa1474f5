// Package api serves the admin HTTP surface: folder stats, per-folder
// status, and a manual poll trigger.
package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/cleverdata/hotfold/internal/engine"
)

type Server struct {
	engines map[string]*engine.Engine
	log     zerolog.Logger
}

func New(engines map[string]*engine.Engine, log zerolog.Logger) *Server {
	return &Server{engines: engines, log: log}
}

// Router builds the gin handler. gin runs in release mode; the access log
// goes through zerolog.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.GET("/folders", s.listFolders)
	v1.GET("/folders/:name", s.getFolder)
	v1.POST("/folders/:name/poll", s.pollFolder)
	return r
}

func (s *Server) listFolders(c *gin.Context) {
	names := make([]string, 0, len(s.engines))
	for name := range s.engines {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]engine.Stats, 0, len(names))
	for _, name := range names {
		out = append(out, s.engines[name].Stats())
	}
	c.JSON(http.StatusOK, gin.H{"folders": out})
}

func (s *Server) getFolder(c *gin.Context) {
	eng, ok := s.engines[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown folder"})
		return
	}
	c.JSON(http.StatusOK, eng.Stats())
}

// pollFolder triggers an immediate poll. A busy engine answers 409 rather
// than queueing the request.
func (s *Server) pollFolder(c *gin.Context) {
	eng, ok := s.engines[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown folder"})
		return
	}
	switch err := eng.PollNow(); {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "poll scheduled"})
	case errors.Is(err, engine.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}
