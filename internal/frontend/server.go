// Package frontend binds a gameserver.Base to real connections: long-polling
// HTTP requests and websockets. One goroutine owns the Base; every handler
// posts its work onto that goroutine and a ticker drives the heartbeat.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/gameserver"
)

const requestQueueSize = 256

// Server is the HTTP and websocket front of a game server.
type Server struct {
	Address string
	Config  *core.Config
	Logger  *logrus.Logger
	Base    *gameserver.Base

	// Ready, when set, is called once the socket is listening.
	Ready func(addr net.Addr)

	requests chan func()
	done     chan struct{}
	once     sync.Once
}

func New(cfg *core.Config, base *gameserver.Base, logger *logrus.Logger) *Server {
	return &Server{
		Address:  cfg.GameServerAddress(),
		Config:   cfg,
		Logger:   logger,
		Base:     base,
		requests: make(chan func(), requestQueueSize),
		done:     make(chan struct{}),
	}
}

// Start opens the listening socket and spins the event loop and HTTP server
// off in a goroutine added to the WaitGroup. Context cancellation stops both.
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) error {
	listener, err := s.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %v", s.Address, err)
	}
	if s.Ready != nil {
		s.Ready(listener.Addr())
	}

	wg.Add(1)
	go s.startBlockingLoop(ctx, listener, wg)
	return nil
}

func (s *Server) createSocket() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %s", err.Error())
	}
	return listener, nil
}

func (s *Server) startBlockingLoop(ctx context.Context, listener net.Listener, wg *sync.WaitGroup) {
	defer wg.Done()
	s.Logger.Infof("[GAMESERVER] waiting for connections on %v", listener.Addr())

	httpServer := &http.Server{Handler: s.Router()}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.Loop(groupCtx)
	})
	group.Go(func() error {
		if err := httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		s.Logger.Errorf("[GAMESERVER] exited with error: %v", err)
		return
	}
	s.Logger.Infof("[GAMESERVER] exited")
}

// Router returns the HTTP routes served by the game server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/server_info", s.handleServerInfo).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleAjax).Methods(http.MethodPost)
	return r
}

// Loop owns the Base until ctx is cancelled: it runs posted requests in
// order and calls Heartbeat once per tick.
func (s *Server) Loop(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })

	ticker := time.NewTicker(s.Config.TickDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.requests:
			fn()
		case <-ticker.C:
			s.Base.Heartbeat()
		}
	}
}

// Do runs fn on the event loop. It returns false if ctx ended or the loop
// stopped before fn could be queued.
func (s *Server) Do(ctx context.Context, fn func()) bool {
	select {
	case s.requests <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}
