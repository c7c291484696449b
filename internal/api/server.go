package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"sonnen-monitor/config"
	"sonnen-monitor/internal/collector"
	"sonnen-monitor/internal/logger"
	"sonnen-monitor/internal/mqtt"
	"sonnen-monitor/internal/sonnen"
	"sonnen-monitor/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

type Server struct {
	router      *gin.Engine
	server      *http.Server
	collector   *collector.Collector
	db          *storage.Database
	mqtt        *mqtt.Publisher
	port        int
	config      *config.Config
	configMutex sync.RWMutex
}

type ServerConfig struct {
	Port      int
	Collector *collector.Collector
	Database  *storage.Database
	MQTT      *mqtt.Publisher
	Config    *config.Config
	Gatherer  prometheus.Gatherer
	LogWriter io.Writer
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	logWriter := cfg.LogWriter
	if logWriter == nil {
		logWriter = gin.DefaultWriter
	}
	router.Use(gin.LoggerWithWriter(logWriter))

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:    router,
		collector: cfg.Collector,
		db:        cfg.Database,
		mqtt:      cfg.MQTT,
		port:      cfg.Port,
		config:    cfg.Config,
	}

	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", rateLimitMiddleware(rate.NewLimiter(10, 20)), s.healthHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.statusHandler)
		api.GET("/metrics", s.metricsHandler)
		api.GET("/readings", s.requireDatabase, s.readingsHandler)
		api.GET("/readings/latest", s.requireDatabase, s.latestReadingHandler)
		api.GET("/stats/daily", s.requireDatabase, s.dailyStatsHandler)

		api.GET("/config/battery", s.getBatteryConfigHandler)
		api.PUT("/config/battery", s.updateBatteryConfigHandler)
		api.POST("/config/battery/test", s.testBatteryConfigHandler)
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Int("port", s.port).Msg("API server starting")
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// rateLimitMiddleware rejects requests once limiter is exhausted
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", c.Request.URL.Path).
				Str("remote_addr", c.Request.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) requireDatabase(c *gin.Context) {
	if s.db == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "History database is disabled"})
		return
	}
	c.Next()
}

func (s *Server) healthHandler(c *gin.Context) {
	resp := gin.H{
		"status":      "healthy",
		"collecting":  s.collector.IsCollecting(),
		"initialized": s.collector.Store().Initialized(),
		"timestamp":   time.Now(),
	}
	if err := s.collector.LastError(); err != nil {
		resp["last_error"] = err.Error()
	}
	if last := s.collector.LastSuccess(); !last.IsZero() {
		resp["last_success"] = last
	}
	if s.mqtt != nil {
		resp["mqtt_connected"] = s.mqtt.IsConnected()
	}
	c.JSON(http.StatusOK, resp)
}

func noDataYet(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "No data available yet",
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	snap, err := s.collector.Store().Current()
	if err != nil {
		noDataYet(c)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"fetched_at":   snap.FetchedAt,
		"latestdata":   json.RawMessage(snap.RawDetails),
		"status":       json.RawMessage(snap.RawStatus),
		"missing_keys": snap.MissingKeys(),
	})
}

func (s *Server) metricsHandler(c *gin.Context) {
	m, err := s.collector.Store().Metrics()
	if err != nil {
		noDataYet(c)
		return
	}
	c.JSON(http.StatusOK, m.Report())
}

func (s *Server) readingsHandler(c *gin.Context) {
	fromStr := c.Query("from")
	toStr := c.Query("to")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}

	if fromStr != "" && toStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date format"})
			return
		}
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' date format"})
			return
		}

		readings, err := s.db.GetReadingsByRange(from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, readings)
		return
	}

	readings, err := s.db.GetReadingsWithLimit(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (s *Server) latestReadingHandler(c *gin.Context) {
	reading, err := s.db.GetLatestReading()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No readings stored yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reading)
}

func (s *Server) dailyStatsHandler(c *gin.Context) {
	dateStr := c.DefaultQuery("date", time.Now().Format("2006-01-02"))
	date, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
		return
	}

	stats, err := s.db.GetDailyStats(date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// BatteryConfigRequest represents a battery configuration update. An empty
// auth token keeps the current one.
type BatteryConfigRequest struct {
	IP             string `json:"ip" binding:"required"`
	AuthToken      string `json:"auth_token"`
	TimeoutSeconds int    `json:"timeout_seconds" binding:"omitempty,min=1,max=60"`
}

type BatteryConfigResponse struct {
	IP             string `json:"ip"`
	AuthTokenSet   bool   `json:"auth_token_set"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// clientConfig merges req into the current battery configuration.
func (s *Server) clientConfig(req BatteryConfigRequest) sonnen.Config {
	s.configMutex.RLock()
	current := s.config.Battery
	s.configMutex.RUnlock()

	cfg := sonnen.Config{
		Host:             req.IP,
		AuthToken:        req.AuthToken,
		Timeout:          time.Duration(req.TimeoutSeconds) * time.Second,
		BreakerThreshold: current.BreakerThreshold,
		BreakerTimeout:   current.BreakerTimeout,
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = current.AuthToken
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = current.Timeout
	}
	return cfg
}

func (s *Server) getBatteryConfigHandler(c *gin.Context) {
	s.configMutex.RLock()
	defer s.configMutex.RUnlock()

	c.JSON(http.StatusOK, BatteryConfigResponse{
		IP:             s.config.Battery.IP,
		AuthTokenSet:   s.config.Battery.AuthToken != "",
		TimeoutSeconds: int(s.config.Battery.Timeout.Seconds()),
	})
}

// Test battery configuration without applying it
func (s *Server) testBatteryConfigHandler(c *gin.Context) {
	var req BatteryConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "success": false})
		return
	}

	snap, err := sonnen.NewClient(s.clientConfig(req)).Fetch(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"error":   fmt.Sprintf("Connection failed: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"system_status": snap.Status.SystemStatus,
		"missing_keys":  snap.MissingKeys(),
		"message":       "Connection successful",
	})
}

func (s *Server) updateBatteryConfigHandler(c *gin.Context) {
	var req BatteryConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	clientCfg := s.clientConfig(req)
	if err := s.collector.UpdateBatteryConfig(c.Request.Context(), clientCfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Configuration test failed: %v", err),
		})
		return
	}

	s.configMutex.Lock()
	s.config.Battery.IP = clientCfg.Host
	s.config.Battery.AuthToken = clientCfg.AuthToken
	s.config.Battery.Timeout = clientCfg.Timeout
	err := s.config.SaveBattery(s.config.Battery)
	s.configMutex.Unlock()

	if err != nil {
		logger.Warn().Err(err).Msg("Failed to save config to file")
		c.JSON(http.StatusOK, gin.H{
			"message": "Configuration applied but not persisted to file",
			"warning": err.Error(),
		})
		return
	}

	logger.Info().Str("ip", clientCfg.Host).Msg("Battery configuration updated")

	c.JSON(http.StatusOK, gin.H{
		"message": "Configuration updated successfully",
	})
}
