package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/locomote-sh/server/internal/builder"
)

// RunHookListener accepts newline-terminated "account/repo/branch" keys
// from post-receive hooks and enqueues a build for each. The listener is
// process-local; the git hooks connect over loopback.
func (s *Server) RunHookListener(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Updates.Host, s.cfg.Updates.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("hook listener on %s: %w", addr, err)
	}
	s.log.Info("hook listener ready", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("hook accept failed", "error", err)
				continue
			}
			go s.serveHookConn(ctx, conn)
		}
	}()
	return nil
}

func (s *Server) serveHookConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			continue
		}
		parts := strings.Split(key, "/")
		if len(parts) != 3 {
			s.log.Warn("malformed hook key", "key", key)
			continue
		}
		s.log.Info("hook update", "key", key)
		s.builds.Enqueue(ctx, builder.Request{
			Account: parts[0],
			Repo:    parts[1],
			Branch:  parts[2],
		})
	}
}
