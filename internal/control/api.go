// HTTP control plane: control messages, event stream and session hand-off
package control

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/iTrooz/offline-proxy/internal/bus"
	"github.com/iTrooz/offline-proxy/internal/lifecycle"
	"github.com/iTrooz/offline-proxy/internal/session"
	"github.com/sirupsen/logrus"
)

// Lifecycle is the part of the lifecycle worker driven by clients
type Lifecycle interface {
	State() lifecycle.State
	HandleMessage(ctx context.Context, msg bus.Message) error
}

// Partitions reports cache partition names
type Partitions interface {
	CurrentNames() []string
	List() ([]string, error)
}

// Sessions accepts credentials from the sign-in flow
type Sessions interface {
	Login(ctx context.Context, p session.Pair)
	Logout(ctx context.Context)
	Status() session.Status
}

type Options struct {
	Lifecycle Lifecycle
	Bus       bus.Bus
	// Partitions and Sessions are optional
	Partitions Partitions
	Sessions   Sessions
}

type API struct {
	lifecycle  Lifecycle
	bus        bus.Bus
	partitions Partitions
	sessions   Sessions
	engine     *gin.Engine
}

func New(opts Options) *API {
	gin.SetMode(gin.ReleaseMode)
	a := &API{
		lifecycle:  opts.Lifecycle,
		bus:        opts.Bus,
		partitions: opts.Partitions,
		sessions:   opts.Sessions,
		engine:     gin.New(),
	}
	a.engine.Use(gin.Recovery(), logRequests)

	a.engine.GET("/health-check", func(c *gin.Context) {
		c.JSON(http.StatusOK, "ok")
	})
	a.engine.POST("/messages", a.postMessage)
	a.engine.GET("/events", a.streamEvents)
	a.engine.GET("/state", a.getState)

	if a.sessions != nil {
		s := a.engine.Group("/session")
		s.PUT("", a.putSession)
		s.GET("", a.getSession)
		s.DELETE("", a.deleteSession)
	}
	return a
}

func (a *API) Handler() http.Handler {
	return a.engine
}

func logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	logrus.WithFields(logrus.Fields{
		"method":   c.Request.Method,
		"path":     c.Request.URL.Path,
		"status":   c.Writer.Status(),
		"duration": time.Since(start),
	}).Debug("Control request")
}

type errorResponse struct {
	Error string `json:"error"`
}

type messageRequest struct {
	Type string            `json:"type" binding:"required"`
	Data map[string]string `json:"data"`
}

func (a *API) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	err := a.lifecycle.HandleMessage(c.Request.Context(), bus.Message{Type: req.Type, Data: req.Data})
	switch {
	case errors.Is(err, lifecycle.ErrUnknownMessage):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"type": req.Type, "state": a.lifecycle.State()})
	}
}

// streamEvents sends the current state, then every bus message, as server-sent events
func (a *API) streamEvents(c *gin.Context) {
	ch, stop := a.bus.Subscribe()
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("state", gin.H{"state": a.lifecycle.State()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("message", msg)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

type stateResponse struct {
	State      lifecycle.State `json:"state"`
	Current    []string        `json:"current_partitions,omitempty"`
	Partitions []string        `json:"partitions,omitempty"`
}

func (a *API) getState(c *gin.Context) {
	resp := stateResponse{State: a.lifecycle.State()}
	if a.partitions != nil {
		resp.Current = a.partitions.CurrentNames()
		names, err := a.partitions.List()
		if err != nil {
			logrus.Warnf("Failed to list partitions: %v", err)
		}
		resp.Partitions = names
	}
	c.JSON(http.StatusOK, resp)
}

type sessionRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token"`
}

func (a *API) putSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	a.sessions.Login(c.Request.Context(), session.Pair{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken})
	c.Status(http.StatusNoContent)
}

func (a *API) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, a.sessions.Status())
}

func (a *API) deleteSession(c *gin.Context) {
	a.sessions.Logout(c.Request.Context())
	c.Status(http.StatusNoContent)
}
