// The tbs_server command hosts turn based games. Run on its own it serves any
// number of games over HTTP and websockets. The matchmaking server runs one
// per match with --config pointing at the game to create and --callback at
// its own /server endpoint; with --sharedmem it serves a parent process over
// a shared memory pipe instead of sockets.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/dcrodman/tbs/internal/bot"
	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/debug"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/frontend"
	"github.com/dcrodman/tbs/internal/game"
	"github.com/dcrodman/tbs/internal/gameserver"
	"github.com/dcrodman/tbs/internal/inproc"
	"github.com/dcrodman/tbs/internal/ipc"
	"github.com/dcrodman/tbs/internal/launcher"
)

var (
	flags         = pflag.NewFlagSet("tbs_server", pflag.ExitOnError)
	configDirFlag = flags.String("config-dir", "./", "Path to the directory containing the server config file")
	portFlag      = flags.Int("port", 23456, "Port to listen on")
	gameFlag      = flags.String("config", "", "Game creation document to host; the server exits when that game ends")
	sharedMemFlag = flags.String("sharedmem", "", "Serve a parent process over the named shared memory pipe (followed by the session id)")
	callbackFlag  = flags.String("callback", "", "URL to report game creation and completion to")
	readyFDFlag   = flags.Int("ready-fd", -1, "Descriptor to signal readiness on once listening")
)

func main() {
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	config, err := core.LoadConfig(*configDirFlag, flags, map[string]string{"game_server.port": "port"})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	logger, err := core.NewLogger(config)
	if err != nil {
		fmt.Println("error initializing logger:", err)
		os.Exit(1)
	}
	if config.Debugging.Enabled {
		debug.StartUtilities(logger, config.Debugging.PprofPort)
	}

	// Bind everything to one top-level context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	registry := game.NewRegistry()
	registry.Register("echo", bot.WithBots(game.Echo{}))
	base := gameserver.NewBase(config, registry, logger)

	var hosted doc.Map
	if *gameFlag != "" {
		if hosted, err = readGame(*gameFlag); err != nil {
			logger.Errorf("[GAMESERVER] %v", err)
			os.Exit(1)
		}
		r := &reporter{URL: *callbackFlag, Port: config.GameServer.Port, Logger: logger}
		r.watch(base, cancel)
	}

	if *sharedMemFlag != "" {
		err = runSharedMemory(ctx, config, base, hosted, logger)
	} else {
		err = runSockets(ctx, config, base, hosted, logger)
	}
	if err != nil {
		logger.Errorf("[GAMESERVER] %v", err)
		os.Exit(1)
	}
	fmt.Println("shut down")
}

// runSockets serves base over HTTP and websockets until ctx is cancelled.
func runSockets(ctx context.Context, config *core.Config, base *gameserver.Base, hosted doc.Map, logger *logrus.Logger) error {
	server := frontend.New(config, base, logger)
	var setupErr error
	// Ready runs before the event loop starts, so base may be used directly.
	server.Ready = func(net.Addr) {
		setupErr = ready(base, hosted, logger)
	}

	var wg sync.WaitGroup
	if err := server.Start(ctx, &wg); err != nil {
		return err
	}
	if setupErr != nil {
		return setupErr
	}
	wg.Wait()
	return nil
}

// runSharedMemory serves base to the parent over a shared memory pipe.
func runSharedMemory(ctx context.Context, config *core.Config, base *gameserver.Base, hosted doc.Map, logger *logrus.Logger) error {
	sessionID := -1
	if flags.NArg() > 0 {
		id, err := strconv.Atoi(flags.Arg(0))
		if err != nil {
			return fmt.Errorf("invalid shared memory session id %q", flags.Arg(0))
		}
		sessionID = id
	}
	pipe, err := ipc.Open(*sharedMemFlag)
	if err != nil {
		return err
	}
	defer pipe.Close()

	server := inproc.New(base)
	server.AddPipe(pipe, sessionID)
	if err := ready(base, hosted, logger); err != nil {
		return err
	}
	logger.Infof("[GAMESERVER] serving session %d over shared memory pipe %s", sessionID, *sharedMemFlag)

	ticker := time.NewTicker(config.TickDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			server.Process()
		}
	}
}

// ready creates the hosted game, if there is one, and then tells the parent
// that launched us that we're up.
func ready(base *gameserver.Base, hosted doc.Map, logger *logrus.Logger) error {
	if hosted != nil {
		if err := createGame(base, hosted); err != nil {
			return err
		}
	}
	if *readyFDFlag >= 0 {
		if err := launcher.SignalReady(*readyFDFlag); err != nil {
			logger.Warnf("[GAMESERVER] failed to signal readiness: %v", err)
		}
	}
	return nil
}

func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}
