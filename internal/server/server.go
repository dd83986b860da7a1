/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/NexusGPU/slowmode/internal/ingest"
	"github.com/NexusGPU/slowmode/internal/server/api"
	"github.com/NexusGPU/slowmode/internal/server/handlers"
	"github.com/NexusGPU/slowmode/internal/utils"
)

var _ manager.Runnable = (*Server)(nil)

const (
	RequestIDHeader = "X-Request-Id"

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Controller is everything the HTTP API needs from the manager.
type Controller interface {
	handlers.ChannelController
	ingest.Sink
	Running() bool
}

// Server serves health, admin, event ingest and metrics endpoints
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	// Handlers
	healthHandler  *handlers.HealthHandler
	channelHandler *handlers.ChannelHandler
	eventHandler   *handlers.EventHandler
	metrics        http.Handler
	adminToken     string
}

type Option func(*Server)

// WithAdminToken requires the token as a bearer credential on /api/v1.
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

// NewServer creates the HTTP server. gatherer may be nil to disable /metrics.
func NewServer(controller Controller, gatherer prometheus.Gatherer, addr string, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		healthHandler:  handlers.NewHealthHandler(controller.Running),
		channelHandler: handlers.NewChannelHandler(controller),
		eventHandler:   handlers.NewEventHandler(controller),
	}
	if gatherer != nil {
		s.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler.HandleHealthz)
	s.router.GET("/readyz", s.healthHandler.HandleReadyz)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	apiV1 := s.router.Group("/api/v1", requestLogger(), s.requireToken())
	{
		apiV1.GET("/channels", s.channelHandler.HandleGetChannels)
		apiV1.GET("/channels/:id", s.channelHandler.HandleGetChannel)
		apiV1.POST("/channels/:id/pause", s.channelHandler.HandlePauseChannel)
		apiV1.POST("/channels/:id/resume", s.channelHandler.HandleResumeChannel)
		apiV1.PUT("/channels/:id/tunings", s.channelHandler.HandleSetTunings)
		apiV1.PUT("/channels/:id/limits", s.channelHandler.HandleSetLimits)

		apiV1.POST("/events", s.eventHandler.HandlePostEvents)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logger := log.FromContext(ctx)
	// request contexts inherit the logger but not the cancellation
	baseCtx := context.WithoutCancel(ctx)
	s.httpServer.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting slowmode HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Stopping slowmode HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// requireToken rejects requests without the admin token. It is a no-op
// when no token is configured.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminToken == "" {
			c.Next()
			return
		}
		token, ok := utils.ExtractBearerToken(c)
		if !ok || !utils.TokenMatches(token, s.adminToken) {
			log.FromContext(c.Request.Context()).Info("rejected unauthenticated request", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestLogger tags each request with an id and puts a logger carrying it
// into the request context.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = utils.NewShortID(16)
		}
		c.Header(RequestIDHeader, requestID)

		logger := log.FromContext(c.Request.Context()).WithValues("requestID", requestID)
		c.Request = c.Request.WithContext(logr.NewContext(c.Request.Context(), logger))

		start := time.Now()
		c.Next()
		logger.V(1).Info("request served", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "latency", time.Since(start))
	}
}
