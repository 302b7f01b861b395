// Package main runs kburn-monitor, a small HTTP status server exposing
// the currently attached K230's identity and the process's own health
// and request metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"kburn/internal/config"
	"kburn/internal/diag"
	"kburn/pkg/identity"
	"kburn/pkg/kburn"
	"kburn/pkg/usbtransport"
)

var port = flag.Int("port", 8732, "HTTP port to listen on")

type nopLogger struct{}

func (nopLogger) Log(kburn.Level, string, ...any) {}

// monitor reports the host process's own health plus whatever K230 is
// currently attached, independent of any in-progress burn (kburn-cli
// and kburn-monitor are separate processes with no shared memory).
type monitor struct {
	startTime time.Time
	usbCtx    *usbtransport.Context
	cfg       *config.Config

	mu        sync.RWMutex
	pollCount uint64
}

func newMonitor(usbCtx *usbtransport.Context, cfg *config.Config) *monitor {
	return &monitor{startTime: time.Now(), usbCtx: usbCtx, cfg: cfg}
}

func (m *monitor) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(m.startTime).String(),
	})
}

func (m *monitor) handleMetrics(c *gin.Context) {
	m.mu.Lock()
	m.pollCount++
	count := m.pollCount
	m.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"device_polls": count,
		"uptime":       time.Since(m.startTime).String(),
	})
}

func (m *monitor) handleDevice(c *gin.Context) {
	descriptors, err := m.usbCtx.List(m.cfg.VID, m.cfg.PID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(descriptors) == 0 {
		c.JSON(http.StatusOK, gin.H{"present": false})
		return
	}

	d := descriptors[0]
	handle, err := m.usbCtx.Open(d)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"present": true, "path": d.Path, "kind": "unknown"})
		return
	}
	defer handle.Close()

	kind, err := identity.Classify(handle)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"present": true, "path": d.Path, "kind": "unknown"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"present": true,
		"vid":     fmt.Sprintf("%04x", d.VID),
		"pid":     fmt.Sprintf("%04x", d.PID),
		"path":    d.Path,
		"kind":    kind.String(),
	})
}

func (m *monitor) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "shutdown initiated"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		p, err := os.FindProcess(os.Getpid())
		if err == nil {
			_ = p.Signal(syscall.SIGTERM)
		}
	}()
}

func main() {
	flag.Parse()

	diag.LogHostInfo(nopLogger{})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	usbCtx := usbtransport.NewContext()
	defer usbCtx.Close()

	m := newMonitor(usbCtx, cfg)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", m.handleHealth)
		api.GET("/metrics", m.handleMetrics)
		api.GET("/device", m.handleDevice)
		api.POST("/shutdown", m.handleShutdown)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	go func() {
		log.Printf("kburn-monitor listening on :%d", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
