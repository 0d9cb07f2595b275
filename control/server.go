// Package control is the operator HTTP surface of the station.
package control

import (
	"ButtonCutter/logger"
	"ButtonCutter/pipeline"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Runner interface {
	Status() pipeline.Status
	Abort() bool
	Home(ctx context.Context) error
}

func NewRouter(runner Runner, hub *Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": runner.Status()})
	})
	r.POST("/api/sequence/abort", func(c *gin.Context) {
		if !runner.Abort() {
			c.JSON(http.StatusConflict, gin.H{"error": "No sequence in progress"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": "Sequence aborted"})
	})
	r.POST("/api/actuator/home", func(c *gin.Context) {
		err := runner.Home(c.Request.Context())
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"data": "Returned home"})
		case errors.Is(err, pipeline.ErrBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, pipeline.ErrNoActuator):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	})
	r.GET("/ws/events", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// 升级失败，不要再写 JSON
			return
		}
		hub.serve(conn)
	})
	return r
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Log().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Start serves handler on port in the background.
func Start(port int, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}
	go func() {
		logger.Log().Info("Control server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Control server stopped", zap.Error(err))
		}
	}()
	return srv
}

// Shutdown stops srv within two seconds.
func Shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log().Warn("Control server shutdown", zap.Error(err))
	}
}
