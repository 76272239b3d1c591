package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"okxflow/logger"
)

// HealthFunc reports component health for /healthz; a nil map entry is
// healthy.
type HealthFunc func() map[string]error

// Server hosts the ops endpoints: Prometheus scrape and health probe.
type Server struct {
	addr       string
	path       string
	health     HealthFunc
	mounts     []func(gin.IRouter)
	log        *logger.Log
	httpServer *http.Server
}

func NewServer(addr, path string, health HealthFunc) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		addr:   normalizeAddress(addr),
		path:   path,
		health: health,
		log:    logger.GetLogger(),
	}
}

// Mount registers extra routes; call before Run.
func (s *Server) Mount(register func(gin.IRouter)) {
	s.mounts = append(s.mounts, register)
}

// Address reports the network address the server listens on.
func (s *Server) Address() string { return s.addr }

// Handler builds the router. Init must have been called.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if reg := Registry(); reg != nil {
		router.GET(s.path, gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	router.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		checks := gin.H{}
		if s.health != nil {
			for name, err := range s.health() {
				if err != nil {
					status = http.StatusServiceUnavailable
					checks[name] = err.Error()
					continue
				}
				checks[name] = "ok"
			}
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
	})
	for _, register := range s.mounts {
		register(router)
	}
	return router
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("metrics_server").WithFields(logger.Fields{"address": s.addr, "path": s.path}).Info("metrics server listening")

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
		return err
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:2112"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, port)
	}

	return net.JoinHostPort(addr, "2112")
}
