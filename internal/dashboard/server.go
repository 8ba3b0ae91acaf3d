package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tickflow/config"
	"tickflow/internal/adapter"
	"tickflow/internal/cache"
	"tickflow/logger"
)

// Server hosts the JSON monitoring endpoints for tickflow: per-exchange
// health and rate-limit usage, cache statistics, recent logs and host
// resources.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	logStore   *logStore
	sampler    *resourceSampler
	registry   *adapter.Registry
	cache      *cache.Cache
	degraded   func() bool
	httpServer *http.Server
}

// NewServer constructs the dashboard server when the dashboard feature is
// enabled; when disabled the returned server is nil. degraded reports
// whether the shared store is running on its in-process fallback.
func NewServer(cfg config.DashboardConfig, log *logger.Log, registry *adapter.Registry, c *cache.Cache, degraded func() bool) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Addr = normalizeAddress(cfg.Addr)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.PollSeconds <= 0 {
		cfg.PollSeconds = 5
	}

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	interval := time.Duration(cfg.PollSeconds) * time.Second
	sampler := newResourceSampler(cfg.LogHistory, interval, "/", log)

	if degraded == nil {
		degraded = func() bool { return false }
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		logStore: logStore,
		sampler:  sampler,
		registry: registry,
		cache:    c,
		degraded: degraded,
	}, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context
// is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.sampler != nil {
		s.sampler.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		ctx := c.Request.Context()
		exchanges := gin.H{}
		allHealthy := true
		for _, name := range s.registry.Names() {
			a, err := s.registry.Get(name)
			if err != nil {
				continue
			}
			healthy := a.IsHealthy(ctx)
			exchanges[name] = healthy
			if !healthy {
				allHealthy = false
			}
		}

		storeDegraded := s.degraded()
		status := "ok"
		if !allHealthy || storeDegraded {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":         status,
			"exchanges":      exchanges,
			"store_degraded": storeDegraded,
		})
	})

	router.GET("/api/cache", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"namespaces": s.cache.StatsSnapshot()})
	})

	router.GET("/api/ratelimits", func(c *gin.Context) {
		ctx := c.Request.Context()
		payload := make([]gin.H, 0)
		for _, name := range s.registry.Names() {
			a, err := s.registry.Get(name)
			if err != nil {
				continue
			}
			usage := a.RateLimitInfo(ctx)
			payload = append(payload, gin.H{
				"exchange":          usage.Exchange,
				"current":           usage.Current,
				"max":               usage.Max,
				"remaining":         usage.Remaining,
				"usage_percent":     usage.UsagePct,
				"status":            usage.Status,
				"recommended_delay": usage.RecommendedDelay.String(),
				"resets_at":         usage.ResetsAt.Format(time.RFC3339Nano),
				"backoff_until":     usage.BackoffUntil,
				"degraded":          usage.Degraded,
			})
		}
		c.JSON(http.StatusOK, gin.H{"exchanges": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.sampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8090"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8090"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8090")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8090")
	}

	return addr
}
