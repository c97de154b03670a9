// Package scp receives instances over DICOM associations, reassembles them
// from their PDU fragments and hands them to the relay.
package scp

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dcmshare/dcmrelay"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dcmrelay/scp")

// Handler receives every completed instance. Enqueue may block to apply
// backpressure and must return once ctx is done.
type Handler interface {
	Enqueue(ctx context.Context, inst dcmrelay.Instance) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, inst dcmrelay.Instance) error

func (f HandlerFunc) Enqueue(ctx context.Context, inst dcmrelay.Instance) error {
	return f(ctx, inst)
}

type Server struct {
	cfg        config
	stagingDir string
	handler    Handler
	sem        chan struct{}
	p          *pool
	wg         sync.WaitGroup
}

// New instantiates a server that stages received instances under stagingDir.
func New(stagingDir string, handler Handler, options ...Option) (*Server, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, err
	}
	return &Server{
		cfg:        opts,
		stagingDir: stagingDir,
		handler:    handler,
		sem:        make(chan struct{}, opts.maxSessions),
		p:          newPool(),
	}, nil
}

// ListenAndServe listens on addr and serves associations until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infow("Receiver started", "addr", ln.Addr(), "aeTitle", s.cfg.aeTitle)
	return s.Serve(ctx, ln)
}

// Serve accepts associations on ln until ctx is done. A failing session never
// stops the listener. Serve waits for in-flight sessions before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			<-s.sem
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warnw("Temporary accept failure", "err", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess, err := s.accept(conn)
	if err != nil {
		log.Warnw("Association negotiation failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = sess.assoc.Abort() })
	defer stop()

	start := time.Now()
	stored, err := sess.Run(ctx)
	if err != nil {
		log.Warnw("Association ended abnormally",
			"calling", sess.assoc.CallingAETitle(), "remote", conn.RemoteAddr(), "stored", len(stored), "err", err)
		return
	}
	log.Infow("Association released",
		"calling", sess.assoc.CallingAETitle(), "stored", len(stored), "elapsed", time.Since(start))
}
