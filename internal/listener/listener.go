// Package listener binds an HTTP server, upgrades "/ws" requests to
// WebSocket connections, and spawns a Session per connection. Shutdown is
// context-driven: cancellation stops accepting new connections, but
// in-flight sessions are not forcibly drained (spec §4.5/§9).
package listener

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ayushdedhia/pulse/internal/metrics"
	"github.com/ayushdedhia/pulse/internal/router"
	"github.com/ayushdedhia/pulse/internal/session"
)

// Listener binds addr, serves the WebSocket upgrade route, and spawns a
// Session per accepted connection.
type Listener struct {
	addr        string
	accessToken string
	router      *router.Router
	metrics     *metrics.Metrics
	echo        *echo.Echo
	upgrader    websocket.Upgrader
}

// New builds a Listener bound to addr, routing authenticated sessions
// through r and requiring accessToken (when non-empty) on every Connect.
// m may be nil to disable telemetry (e.g. in tests).
func New(addr string, r *router.Router, accessToken string, m *metrics.Metrics) *Listener {
	l := &Listener{
		addr:        addr,
		accessToken: accessToken,
		router:      r,
		metrics:     m,
		echo:        echo.New(),
		upgrader:    websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}
	l.echo.HideBanner = true
	l.echo.HidePort = true
	l.echo.Use(middleware.Logger())
	l.echo.Use(middleware.Recover())
	l.echo.GET("/ws", l.handleWebSocket)
	l.echo.GET("/healthz", l.handleHealthz)
	l.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return l
}

// Handler exposes the underlying HTTP handler so tests can drive it through
// httptest.NewServer without a real bound port.
func (l *Listener) Handler() http.Handler { return l.echo }

func (l *Listener) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (l *Listener) handleWebSocket(c echo.Context) error {
	remote := c.RealIP()
	conn, err := l.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("listener: websocket handshake failed", "remote", remote, "err", err)
		return nil
	}
	slog.Debug("listener: connection accepted", "remote", remote)
	s := session.New(conn, l.router, l.accessToken)
	if l.metrics != nil {
		s.WithRecorder(l.metrics)
	}
	go func() {
		if l.metrics != nil {
			l.metrics.SessionOpened()
			defer l.metrics.SessionClosed()
		}
		s.Run(c.Request().Context())
	}()
	return nil
}

// Run binds addr and serves until ctx is cancelled, at which point it stops
// accepting new connections and returns. In-flight sessions are not
// forcibly drained (spec §4.5/§9).
func (l *Listener) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listener: pulse relay listening", "addr", l.addr)
		errCh <- l.echo.Start(l.addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("listener: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.echo.Shutdown(shutdownCtx); err != nil {
			slog.Error("listener: shutdown error", "err", err)
		}
		return nil
	}
}
