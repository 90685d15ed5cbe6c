package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/rowguard/rowguard/internal/config"
)

// Listener binds the configured client-facing port and spawns one Handler
// per accepted connection, with no connection limit (§4.10: "accept,
// spawn, no connection limit").
type Listener struct {
	Config  config.PostgresConfig
	Handler *Handler
	Logger  *slog.Logger
}

// Run binds and accepts until ctx is cancelled. It blocks until the
// listener is closed, returning nil on a clean shutdown.
func (l *Listener) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", l.Config.ProxyListenAddr, l.Config.ProxyListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("service: listen on %s: %w", addr, err)
	}
	l.Logger.Info("listening", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.Logger.Error("accept failed", "error", err)
			continue
		}
		go func(c net.Conn) {
			defer c.Close()
			l.Handler.Handle(ctx, c)
		}(conn)
	}
}
