// Package gateway implements the WebSocket<->TCP control-plane gateway
// (spec C8). Grounded on original_source/gateway/gateway_ws.py's
// ws_to_tcp/tcp_to_ws coroutine pair (plaintext until login_ok, AES-GCM
// after) and bken/server/internal/ws/handler.go's echo+gorilla/websocket
// upgrade idiom.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"meetrelay/internal/codec"
	"meetrelay/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway terminates browser WebSocket connections and bridges each one to
// its own upstream TCP connection to the control-plane server.
type Gateway struct {
	tcpAddr string
	echo    *echo.Echo
	health  func() bool
}

// New constructs a Gateway that dials tcpAddr for each accepted WS
// connection. healthFn, if non-nil, backs /health (e.g. checking the
// control-plane listener is reachable).
func New(tcpAddr string, healthFn func() bool) *Gateway {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	g := &Gateway{tcpAddr: tcpAddr, echo: e, health: healthFn}
	e.GET("/ws", g.handleWS)
	e.GET("/health", g.handleHealth)
	return g
}

// Echo exposes the underlying Echo instance (for /metrics registration and
// tests).
func (g *Gateway) Echo() *echo.Echo { return g.echo }

func (g *Gateway) handleHealth(c echo.Context) error {
	ok := true
	if g.health != nil {
		ok = g.health()
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]bool{"ok": ok})
}

// Run starts the HTTP listener and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := g.echo.Start(addr)
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.echo.Shutdown(shutCtx)
	}
}

// RunTLS is Run's HTTPS counterpart: it serves with the given cert already
// loaded into tlsCfg (spec §4.8: browsers refuse to open a WebSocket from
// an https:// page to a plaintext ws:// origin).
func (g *Gateway) RunTLS(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	srv := &http.Server{Addr: addr, Handler: g.echo, TLSConfig: tlsCfg}

	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServeTLS("", "")
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

func (g *Gateway) handleWS(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	upstream, err := net.DialTimeout("tcp", g.tcpAddr, 5*time.Second)
	if err != nil {
		slog.Error("gateway: upstream dial failed", "err", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1011, "TCP upstream unavailable"),
			time.Now().Add(time.Second))
		return nil
	}
	defer upstream.Close()

	session := &pump{ws: ws, upstream: upstream}
	session.run(c.Request().Context())
	return nil
}

// pump bridges one WebSocket connection to one upstream TCP connection,
// mirroring the AES-GCM encryption state observed on the upstream side
// once a login_ok reply is seen.
type pump struct {
	ws       *websocket.Conn
	upstream net.Conn

	secure bool
	key    []byte
}

func (p *pump) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, 2)

	go func() { p.wsToTCP(ctx); done <- struct{}{} }()
	go func() { p.tcpToWS(ctx); done <- struct{}{} }()

	select {
	case <-done:
	case <-ctx.Done():
	}
	cancel()
}

// wsToTCP reads JSON text frames from the browser and forwards them
// upstream, plaintext until the gateway has observed login_ok.
func (p *pump) wsToTCP(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		typ, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if p.secure {
			if err := codec.WriteSecure(p.upstream, p.key, msg); err != nil {
				return
			}
		} else {
			if err := codec.WritePlain(p.upstream, msg); err != nil {
				return
			}
		}
	}
}

// tcpToWS reads frames from the upstream control-plane connection and
// forwards them to the browser as JSON text, switching to AES-GCM once it
// observes a login_ok reply carrying the session key.
func (p *pump) tcpToWS(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		var msg protocol.Message
		var err error
		if p.secure {
			err = codec.ReadSecure(p.upstream, p.key, &msg)
		} else {
			err = codec.ReadPlain(p.upstream, &msg)
		}
		if err != nil {
			return
		}
		if msg.Type == protocol.TypeLoginOK && msg.AESKeyB64 != "" {
			key, err := base64.StdEncoding.DecodeString(msg.AESKeyB64)
			if err == nil {
				p.key = key
				p.secure = true
			}
		}

		buf, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		p.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := p.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
			return
		}
	}
}
