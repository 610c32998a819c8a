package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/redcoll/internal/auth"
	"github.com/danmuck/redcoll/internal/collection"
	"github.com/danmuck/redcoll/internal/observability"
	"github.com/danmuck/redcoll/internal/pending"
	"github.com/danmuck/redcoll/internal/remote"
	"github.com/danmuck/redcoll/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// PendingSource reports outstanding calls on one response channel.
type PendingSource interface {
	Channel() string
	Pending() int
}

// Invoker is the remote call surface exposed over HTTP.
type Invoker interface {
	PendingSource
	Invoke(ctx context.Context, method string, args any, out any) error
}

// ReadyFunc reports whether the backing store is reachable.
type ReadyFunc func(ctx context.Context) error

// Options configures New. A non-empty Token is required as a bearer token on
// POST routes.
type Options struct {
	ID          string
	Addr        string
	CORSOrigins []string
	Sets        store.SetStore
	Mutator     *collection.Mutator
	Invoker     Invoker
	Ready       ReadyFunc
	Token       string
}

// Server is the redcolld admin HTTP surface.
type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	sets    store.SetStore
	mutator *collection.Mutator
	invoker Invoker
	ready   ReadyFunc
	guard   gin.HandlersChain
	router  *gin.Engine

	mu      sync.RWMutex
	sources []PendingSource
}

func New(opts Options) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(opts.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       opts.ID,
		Addr:     opts.Addr,
		Appeared: time.Now(),
		sets:     opts.Sets,
		mutator:  opts.Mutator,
		invoker:  opts.Invoker,
		ready:    opts.Ready,
		router:   r,
	}
	if token := strings.TrimSpace(opts.Token); token != "" {
		s.guard = gin.HandlersChain{auth.RequireToken(auth.StaticToken{Token: token})}
	}
	if opts.Invoker != nil {
		s.sources = append(s.sources, opts.Invoker)
	}
	s.registerRoutes()
	return s
}

// Track adds another registry to the /pending report.
func (s *Server) Track(src PendingSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Str("node", s.ID).Msg("admin server listening")
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

type ChannelInfo struct {
	Channel string `json:"channel"`
	Pending int    `json:"pending"`
}

func (s *Server) PendingCalls() []ChannelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, ChannelInfo{Channel: src.Channel(), Pending: src.Pending()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Channel < out[j].Channel
	})
	return out
}

func (s *Server) registerRoutes() {
	routes := s.router
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": version,
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		ready := true
		body := gin.H{
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": version,
		}
		if s.ready != nil {
			if err := s.ready(c.Request.Context()); err != nil {
				ready = false
				body["error"] = err.Error()
			}
		}
		body["ready"] = ready
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, body)
	})

	routes.GET("/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"channels": s.PendingCalls()})
	})

	routes.GET("/sets/:name", s.handleMembers)
	mutating := routes.Group("/", s.guard...)
	mutating.POST("/sets/:name/retain", s.handleRetain)
	mutating.POST("/calls/:method", s.handleInvoke)
}

func (s *Server) handleMembers(c *gin.Context) {
	if s.sets == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sets not configured"})
		return
	}
	set, err := collection.NewStringSet(c.Param("name"), s.sets, s.mutator)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	members, err := set.Members(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	sort.Strings(members)
	c.JSON(http.StatusOK, gin.H{"set": set.Name(), "members": members})
}

type retainRequest struct {
	Keep []string `json:"keep"`
}

func (s *Server) handleRetain(c *gin.Context) {
	if s.sets == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sets not configured"})
		return
	}
	var req retainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	set, err := collection.NewStringSet(c.Param("name"), s.sets, s.mutator)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	changed, err := set.RetainAll(c.Request.Context(), req.Keep...)
	if err != nil {
		log.Error().Err(err).Str("set", set.Name()).Msg("retain failed")
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "changed": changed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"set": set.Name(), "changed": changed})
}

func (s *Server) handleInvoke(c *gin.Context) {
	if s.invoker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "remote client not configured"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, remote.MaxMessageSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var args any
	if len(strings.TrimSpace(string(body))) > 0 {
		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "args must be JSON"})
			return
		}
		args = json.RawMessage(body)
	}
	var result json.RawMessage
	if err := s.invoker.Invoke(c.Request.Context(), c.Param("method"), args, &result); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": result})
}

func statusFor(err error) int {
	var callErr *remote.CallError
	switch {
	case errors.As(err, &callErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, pending.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, store.ErrRemoteUnavailable), errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, collection.ErrCodec):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
