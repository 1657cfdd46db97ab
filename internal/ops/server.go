package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dealflow_backend/platform/logger"
)

// Server wraps the gin engine behind a Run(ctx) loop so the worker's run
// group can manage its lifecycle like every other component.
type Server struct {
	addr string
	srv  *http.Server
	log  *logger.Logger
}

func NewServer(addr string, handler *Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/api/v1")
	handler.RegisterRoutes(v1)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: engine},
		log:  log,
	}
}

// Run serves until the context is cancelled, then shuts down with a bounded
// grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", "addr", s.addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
