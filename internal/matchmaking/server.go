// Package matchmaking implements the lobby server: accounts, chat, the
// matchmaking queue and challenges, and one spawned game server process per
// match. A single goroutine owns all of its state; HTTP handlers, storage
// completions and launches post their continuations onto it.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/mux"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/core/kv"
	"github.com/dcrodman/tbs/internal/frontend"
	"github.com/dcrodman/tbs/internal/gameserver"
	"github.com/dcrodman/tbs/internal/launcher"
)

const (
	requestQueueSize = 256
	maxRequestSize   = 1 << 20
	// Parked polls are answered with a heartbeat this often.
	heartbeatEveryTicks = 500
	resetRequestTTL     = time.Hour
)

// Mailer delivers a message to an email address.
type Mailer func(to, subject, body string) error

// Server is the matchmaking server.
type Server struct {
	Address string
	Config  *core.Config
	Logger  *logrus.Logger
	Store   *kv.Async

	Spawner launcher.Spawner
	Ports   *launcher.PortPool
	// CallbackURL is where spawned game servers report back. Defaults to
	// this server's own /server endpoint.
	CallbackURL string
	// Match groups the queued candidates into matches. Defaults to DefaultMatch.
	Match MatchFunc
	// GameOver runs when a game server reports its game finished. Defaults to
	// recording the result in each player's game log.
	GameOver GameOverFunc
	// Mail sends password reset links. Defaults to logging them.
	Mail Mailer

	sessions  map[int]*SessionInfo
	byUser    map[string]int
	queue     []int
	processes map[int]*ProcessInfo
	status    *statusLog
	resets    *gocache.Cache
	tick      int

	now      func() time.Time
	requests chan func()
	done     chan struct{}
	once     sync.Once
}

func New(cfg *core.Config, store kv.Store, logger *logrus.Logger) *Server {
	s := &Server{
		Address:   cfg.MatchmakingAddress(),
		Config:    cfg,
		Logger:    logger,
		Spawner:   &launcher.ExecSpawner{Stdout: os.Stdout, Stderr: os.Stderr},
		Ports:     launcher.NewPortPool(cfg.MatchmakingServer.MinGamePort, cfg.MatchmakingServer.MaxGamePort),
		sessions:  make(map[int]*SessionInfo),
		byUser:    make(map[string]int),
		processes: make(map[int]*ProcessInfo),
		status:    newStatusLog(),
		resets:    gocache.New(resetRequestTTL, 10*time.Minute),
		now:       time.Now,
		requests:  make(chan func(), requestQueueSize),
		done:      make(chan struct{}),
	}
	s.Store = &kv.Async{Store: store, Complete: s.post}
	s.Match = DefaultMatch
	s.GameOver = s.recordGame
	s.Mail = func(to, subject, body string) error {
		s.Logger.Infof("[MATCHMAKING] mail to %s: %s\n%s", to, subject, body)
		return nil
	}
	return s
}

// Start opens the listening socket and runs the server in a goroutine added
// to the WaitGroup until ctx is cancelled.
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) error {
	listener, err := s.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %v", s.Address, err)
	}
	if s.CallbackURL == "" {
		s.CallbackURL = fmt.Sprintf("http://%s/server", listener.Addr())
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
	s.Logger.Infof("[MATCHMAKING] waiting for connections on %v", listener.Addr())

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
		s.Logger.Errorf("[MATCHMAKING] exited with error: %v", err)
	}
	s.shutdown()
	s.Logger.Infof("[MATCHMAKING] exited")
}

// shutdown terminates every game server still running.
func (s *Server) shutdown() {
	for port, p := range s.processes {
		if err := p.Proc.Terminate(); err != nil {
			s.Logger.Warnf("[MATCHMAKING] failed to terminate game server on port %d: %v", port, err)
		}
		_ = os.Remove(p.ConfigPath)
	}
	s.Store.Wait()
}

// Router returns the HTTP routes of the matchmaking server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/server", s.handleServer).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleClient).Methods(http.MethodPost)
	return r
}

// Loop owns the server state until ctx is cancelled.
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
			s.Heartbeat()
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

// post hands a continuation from a worker goroutine back to the loop.
func (s *Server) post(fn func()) {
	select {
	case s.requests <- func() {
		fn()
		s.deliverPending()
	}:
	case <-s.done:
	}
}

func (s *Server) readRequest(w http.ResponseWriter, r *http.Request) (doc.Map, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		s.Logger.Warnf("[MATCHMAKING] failed to read request from %s: %v", r.RemoteAddr, err)
		return nil, false
	}
	msg, err := doc.ParseMap(body)
	if err != nil {
		s.writeResponse(w, r, doc.MustMarshal(doc.Map{"type": "error", "message": "malformed request: " + err.Error()}))
		return nil, false
	}
	if s.Config.Debugging.MessageLoggingEnabled {
		s.Logger.Debugf("[MATCHMAKING] request from %s:\n%s", r.RemoteAddr, spew.Sdump(msg))
	}
	return msg, true
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	t := frontend.NewAjaxTransport(gameserver.SocketInfo{
		SessionID:            doc.Int(msg, "session_id", -1),
		SupportsMultimessage: doc.Int(msg, "protocol", 1) >= 2 || r.Header.Get("X-TBS-Protocol") == "2",
	})
	s.await(w, r, t, func() { s.HandleMessage(t, msg) })
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	t := frontend.NewAjaxTransport(gameserver.SocketInfo{SessionID: -1})
	s.await(w, r, t, func() { s.HandleServerMessage(t, msg) })
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t := frontend.NewAjaxTransport(gameserver.SocketInfo{SessionID: -1})
	s.await(w, r, t, func() { s.reply(t, s.status.full()) })
}

func (s *Server) await(w http.ResponseWriter, r *http.Request, t *frontend.AjaxTransport, fn func()) {
	if !s.Do(r.Context(), fn) {
		return
	}
	payload, err := t.Await(r.Context())
	if err == nil {
		if err := s.writeResponse(w, r, payload); err != nil {
			s.giveBack(t, payload)
		}
		return
	}
	if r.Context().Err() != nil {
		s.giveBack(t, payload)
		return
	}
	http.Error(w, "connection closed", http.StatusServiceUnavailable)
}

// giveBack detaches t and returns a payload that never reached the client,
// if any, to the front of its session's queue.
func (s *Server) giveBack(t *frontend.AjaxTransport, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Do(ctx, func() {
		s.detach(t)
		if payload != nil {
			s.requeue(t.SocketInfo().SessionID, payload)
		}
	})
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, payload []byte) error {
	return frontend.WriteResponse(w, r, payload, s.Config.GameServer.CompressionThreshold, s.Logger)
}

// HandleMessage dispatches a message from a client.
func (s *Server) HandleMessage(t gameserver.Transport, msg doc.Map) {
	defer s.deliverPending()

	typ := doc.String(msg, "type")
	if handler, ok := anonymousHandlers[typ]; ok {
		handler(s, t, msg)
		return
	}
	handler, ok := sessionHandlers[typ]
	if !ok {
		s.reply(t, doc.Map{"type": "unknown_message", "msg_type": typ})
		return
	}

	sid := doc.Int(msg, "session_id", -1)
	sess := s.sessions[sid]
	if sess == nil || sess.expired {
		s.reply(t, doc.Map{"type": "error", "message": "invalid_session", "session_id": sid})
		return
	}
	sess.lastContact = s.now()
	handler(s, t, sess, msg)
}

// HandleServerMessage dispatches a callback from a spawned game server.
func (s *Server) HandleServerMessage(t gameserver.Transport, msg doc.Map) {
	defer s.deliverPending()

	switch typ := doc.String(msg, "type"); typ {
	case "server_created_game":
		s.serverCreatedGame(t, msg)
	case "server_finished_game":
		s.serverFinishedGame(t, msg)
	default:
		s.reply(t, doc.Map{"type": "unknown_message", "msg_type": typ})
	}
}

// anonymousHandlers may be called without a session.
var anonymousHandlers = map[string]func(*Server, gameserver.Transport, doc.Map){
	"register":        (*Server).register,
	"login":           (*Server).login,
	"auto_login":      (*Server).autoLogin,
	"recover_account": (*Server).recoverAccount,
	"reset_passwd":    (*Server).resetPasswd,
}

var sessionHandlers = map[string]func(*Server, gameserver.Transport, *SessionInfo, doc.Map){
	"logout":           (*Server).logout,
	"request_updates":  (*Server).requestUpdates,
	"matchmake":        (*Server).matchmake,
	"cancel_matchmake": (*Server).cancelMatchmake,
	"challenge":        (*Server).challenge,
	"chat_message":     (*Server).chatMessage,
	"join_channel":     (*Server).joinChannel,
	"leave_channel":    (*Server).leaveChannel,
	"set_status":       (*Server).setStatus,
}

// Heartbeat reaps expired sessions and dead game servers, runs the matching
// function when it is due and releases parked polls that have waited too long.
func (s *Server) Heartbeat() {
	defer s.deliverPending()
	s.tick++

	s.expireSessions()
	s.reapProcesses()

	every := s.Config.MatchmakingServer.MatchEveryTicks
	if every < 1 {
		every = 1
	}
	if s.tick%every == 0 {
		s.runMatching()
	}
	if s.tick%heartbeatEveryTicks == 0 {
		s.pushHeartbeats()
	}
}

func (s *Server) reply(t gameserver.Transport, msg doc.Map) {
	if err := t.Send(doc.MustMarshal(msg)); err != nil {
		s.Logger.Warnf("[MATCHMAKING] failed to send %s reply: %v", doc.String(msg, "type"), err)
		t.Close()
	}
}
