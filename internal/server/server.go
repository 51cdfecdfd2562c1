package server

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/signal"

	"chat-backend/internal/blob"
	"chat-backend/internal/storage"
	"chat-backend/internal/storage/zapadapter"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Server accepts TCP connections and runs one handler goroutine per
// connection until the process is terminated. There is no drain protocol:
// open connections drop when the listener stops.
type Server struct {
	logger *zap.SugaredLogger
	cfg    config
	store  *storage.Cluster
	h      *handler
}

// NewServer wires the session registry and the dispatcher around the provided
// storage cluster and attachment store.
func NewServer(logger *zap.SugaredLogger, store *storage.Cluster, blobs *blob.Store, opts ...Option) (*Server, error) {
	cfg := config{
		addr:         "0.0.0.0:5555",
		maxLineBytes: 32 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	registry := NewRegistry()

	return &Server{
		logger: logger,
		cfg:    cfg,
		store:  store,
		h:      newHandler(logger, store, blobs, registry),
	}, nil
}

// Start listens on the configured address and serves until an interrupt
// signal closes the listener. The storage cluster is closed on the way out.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.addr)
	if err != nil {
		return err
	}

	stopped := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		s.logger.Info("Shutting down listener")
		if err := ln.Close(); err != nil {
			s.logger.Errorf("listener.Close: %v", err)
		}

		close(stopped)
	}()

	s.logger.Infof("Listening on %s", s.cfg.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stopped:
				s.logger.Info("Listener is stopped")
				s.logger.Info("Closing store")
				s.store.Close()
				s.logger.Info("Store is closed")
				return nil
			default:
				return err
			}
		}

		go s.handleConn(conn)
	}
}

// handleConn reads newline-terminated envelopes and dispatches them one at a
// time. Each handler finishes before the next line is read; there is no
// pipelining within a connection.
func (s *Server) handleConn(conn net.Conn) {
	id := xid.New().String()
	c := newClient(id, s.logger, conn)
	ctx := zapadapter.NewContextWithID(context.Background(), id)

	s.logger.Infof("New connection %s from %s", id, conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), s.cfg.maxLineBytes)

	for scanner.Scan() {
		s.h.dispatch(ctx, c, scanner.Bytes())
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debugf("Connection %s read error: %v", id, err)
	}

	if c.authenticated() {
		s.h.registry.Unregister(c.username, c)
	}
	c.shutdown()

	s.logger.Infof("Connection %s closed", id)
}
