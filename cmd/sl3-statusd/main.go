package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ehrlich-b/sl3"
	"github.com/ehrlich-b/sl3/internal/logging"
	"github.com/ehrlich-b/sl3/internal/usbdev"
)

func main() {
	var (
		busPath = flag.String("bus-path", "/dev/bus/usb/001/002", "usbfs device node for the SL3")
		addr    = flag.String("addr", ":8710", "HTTP listen address")
		rate    = flag.Int("rate", sl3.DefaultSampleRate, "default sample rate (44100 or 48000)")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	transport, err := usbdev.NewUSBFSTransport(*busPath)
	if err != nil {
		logger.Error("failed to open transport", "bus_path", *busPath, "error", err)
		os.Exit(1)
	}

	device, err := sl3.Probe(transport, sl3.Config{DefaultSampleRate: *rate})
	if err != nil {
		logger.Error("failed to probe device", "error", err)
		os.Exit(1)
	}
	defer device.Disconnect()

	logger.Info("device probed", "bus_path", *busPath, "rate", device.SampleRate())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	srv := newStatusServer(device)
	status := router.Group("/status")
	{
		status.GET("", srv.handleStatus)
		status.GET("/overload", srv.handleOverload)
		status.GET("/phono", srv.handlePhono)
		status.GET("/usbport", srv.handleUSBPort)
		status.GET("/stats", srv.handleStats)
	}
	router.POST("/routing/:pair", srv.handleSetRouting)
	router.POST("/rate/:rate", srv.handleSetRate)

	httpServer := &http.Server{Addr: *addr, Handler: router}

	go func() {
		logger.Info("status server listening", "addr", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}

// statusServer adapts sl3.Controller to a small JSON HTTP surface,
// mirroring the gin route-group style of the pack's REST orchestrators.
type statusServer struct {
	ctrl sl3.Controller
}

func newStatusServer(ctrl sl3.Controller) *statusServer {
	return &statusServer{ctrl: ctrl}
}

func (s *statusServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sample_rate":  s.ctrl.SampleRate(),
		"routing":      routingStrings(s.ctrl.Routing()),
		"disconnected": s.ctrl.IsDisconnected(),
	})
}

func (s *statusServer) handleOverload(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"overload": s.ctrl.OverloadStatus()})
}

func (s *statusServer) handlePhono(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"phono": s.ctrl.PhonoStatus()})
}

func (s *statusServer) handleUSBPort(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"usb_port": s.ctrl.USBPortStatus()})
}

func (s *statusServer) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Counters())
}

func (s *statusServer) handleSetRouting(c *gin.Context) {
	var pair int
	if _, err := fmt.Sscanf(c.Param("pair"), "%d", &pair); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pair must be an integer 0-2"})
		return
	}
	var body struct {
		Mode int `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	changed, err := s.ctrl.SetRouting(pair, sl3.RoutingMode(body.Mode))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (s *statusServer) handleSetRate(c *gin.Context) {
	var rate int
	if _, err := fmt.Sscanf(c.Param("rate"), "%d", &rate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rate must be an integer"})
		return
	}
	if err := s.ctrl.SetSampleRate(rate); err != nil {
		code := http.StatusBadRequest
		if sl3.IsCode(err, sl3.ErrCodeBusy) {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sample_rate": s.ctrl.SampleRate()})
}

func routingStrings(r [3]sl3.RoutingMode) [3]string {
	var out [3]string
	for i, m := range r {
		out[i] = m.String()
	}
	return out
}
