// Package status serves the hub's health, delivery queue and metrics over HTTP.
package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/Lazloian/EMI-Analyzer/metrics"
	"github.com/Lazloian/EMI-Analyzer/queue"
	"github.com/Lazloian/EMI-Analyzer/sweep"
)

// Server is the local status endpoint
type Server struct {
	queue   queue.Queue
	metrics *metrics.Metrics
	logger  *slog.Logger
	router  *gin.Engine
	started time.Time
	now     func() time.Time
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger for request logging
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds the router. m may be nil, in which case /metrics is not served.
func New(q queue.Queue, m *metrics.Metrics, options ...Option) *Server {
	s := &Server{
		queue:   q,
		metrics: m,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		router:  gin.New(),
		now:     time.Now,
	}
	for _, option := range options {
		option(s)
	}
	s.started = s.now()

	s.router.Use(gin.Recovery(), s.logRequests)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/pending", s.handlePending)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Info("status server listening", slog.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(c *gin.Context) {
	start := s.now()
	c.Next()
	s.logger.Debug("status request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("elapsed", time.Since(start)))
}

func (s *Server) handleHealth(c *gin.Context) {
	uptime := s.now().Sub(s.started)
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime_seconds": int64(uptime.Seconds()),
		"started":        humanize.Time(s.started),
	})
}

// pendingRecord is the JSON form of a queued batch
type pendingRecord struct {
	DeviceName  string `json:"device_name"`
	HubTime     string `json:"hub_time"`
	Age         string `json:"age,omitempty"`
	RSSI        int    `json:"rssi"`
	Temperature uint16 `json:"temperature"`
	SensorTime  uint32 `json:"sensor_time"`
	MACAddress  string `json:"mac_address"`
	Filename    string `json:"filename"`
}

func (s *Server) handlePending(c *gin.Context) {
	ctx := c.Request.Context()
	records := []pendingRecord{}
	for r, err := range s.queue.Pending(ctx) {
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		pr := pendingRecord{
			DeviceName:  r.DeviceName,
			HubTime:     r.HubTime,
			RSSI:        r.RSSI,
			Temperature: r.Temperature,
			SensorTime:  r.SensorTime,
			MACAddress:  r.MACAddress,
			Filename:    r.Filename,
		}
		if t, err := time.Parse(sweep.HubTimeLayout, r.HubTime); err == nil {
			pr.Age = humanize.RelTime(t, s.now(), "ago", "from now")
		}
		records = append(records, pr)
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(records),
		"records": records,
	})
}
