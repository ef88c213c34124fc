// Package control implements the TCP control-plane server (spec C5) and
// the relay/routing commands it dispatches (spec C6). Grounded on
// bken/server/client.go's handleClient/processControl connection lifecycle
// and bken/server/server.go's listener setup, re-targeted from the
// teacher's channel/webtransport model onto the spec's room/TCP model.
package control

import (
	"context"
	"log/slog"
	"net"
	"time"

	"meetrelay/internal/creds"
	"meetrelay/internal/room"
	"meetrelay/internal/session"
)

// AuditFunc records an administrative action (spec C10). Never called with
// chat content.
type AuditFunc func(actor, action, target, details string)

// BanFunc reports whether username is currently banned.
type BanFunc func(username string) bool

// Deps bundles every collaborator a Connection needs. Constructed once at
// startup and shared by every accepted connection.
type Deps struct {
	Creds    *creds.Store
	Sessions *session.Registry
	Rooms    *room.Registry
	FileRate *FileMetaLimiter

	AutoRegister  bool
	IdleTimeout   time.Duration
	MaxFileSize   int64
	MaxChunkSize  int64

	Audit   AuditFunc
	IsBanned BanFunc
}

// Server accepts TCP connections and spawns a Connection per accept.
type Server struct {
	addr string
	deps *Deps
}

// NewServer constructs a control-plane server listening on addr.
func NewServer(addr string, deps *Deps) *Server {
	return &Server{addr: addr, deps: deps}
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on a pre-created listener until ctx is
// cancelled. Exposed separately from Run so tests and callers that need
// to know the bound ephemeral port can create the listener themselves.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("control: listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("control: accept error", "err", err)
			continue
		}
		c := newConnection(conn, s.deps)
		go c.serve(ctx)
	}
}
