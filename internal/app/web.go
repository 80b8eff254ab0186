package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/inertial_ingest/internal/config"
	"github.com/relabs-tech/inertial_ingest/internal/imu"
	"github.com/relabs-tech/inertial_ingest/internal/ingest"
)

const wsWriteTimeout = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from other origins on the LAN
	},
}

type connectRequest struct {
	Channels []string `json:"channels"`
}

// NewRouter builds the HTTP API around svc. Websocket streams end when
// done is closed.
func NewRouter(svc *ingest.Service, queueSize int, done <-chan struct{}) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	api := router.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Status())
	})

	api.GET("/channels/:id", func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": "channel id must be a number"})
			return
		}
		cs, err := svc.Channel(id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"err": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cs)
	})

	api.POST("/connect", func(c *gin.Context) {
		req := connectRequest{}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
			return
		}
		if err := svc.Connect(req.Channels); err != nil {
			c.JSON(connectStatusCode(err), gin.H{"err": err.Error()})
			return
		}
		c.JSON(http.StatusOK, svc.Status())
	})

	api.POST("/disconnect", func(c *gin.Context) {
		svc.Disconnect()
		c.JSON(http.StatusOK, gin.H{"connected": false})
	})

	router.GET("/ws/frames", func(c *gin.Context) {
		streamFrames(c.Writer, c.Request, svc, queueSize, done)
	})

	return router
}

func connectStatusCode(err error) int {
	var ce *ingest.ChannelError
	switch {
	case errors.Is(err, ingest.ErrChannelCount):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &ce):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// streamFrames sends every sample as a JSON text message. The client is
// a queued subscriber, so a slow browser loses samples instead of
// stalling decoding.
func streamFrames(w http.ResponseWriter, r *http.Request, svc *ingest.Service, queueSize int, done <-chan struct{}) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	name := "ws-" + uuid.NewString()
	samples := make(chan imu.Sample, queueSize)
	id := svc.SubscribeQueue(name, samples)
	defer svc.Unsubscribe(id)

	logger := log.WithFields(log.Fields{"subscriber": name, "remote": r.RemoteAddr})
	logger.Info("websocket client connected")
	defer logger.Info("websocket client disconnected")

	// incoming messages are ignored; reading detects the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		case <-closed:
			return
		case s := <-samples:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(s); err != nil {
				logger.WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("http request")
	}
}

// RunWeb serves the HTTP API until ctx is done.
func RunWeb(ctx context.Context, svc *ingest.Service, cfg config.WebConfig) error {
	addr := net.JoinHostPort(cfg.Interface, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(svc, cfg.QueueSize, ctx.Done()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("web server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
