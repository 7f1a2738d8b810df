// The tbs_matchmaking_server command runs the lobby: accounts, chat, the
// matchmaking queue, and one tbs_server child process per match.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/debug"
	"github.com/dcrodman/tbs/internal/core/kv"
	"github.com/dcrodman/tbs/internal/matchmaking"
)

var (
	flags         = pflag.NewFlagSet("tbs_matchmaking_server", pflag.ExitOnError)
	configDirFlag = flags.String("config-dir", "./", "Path to the directory containing the server config file")
	portFlag      = flags.Int("port", 23455, "Port to listen on")
	serverFlag    = flags.String("server-binary", "tbs_server", "Game server executable to spawn for each match")
)

func main() {
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	config, err := core.LoadConfig(*configDirFlag, flags, map[string]string{
		"matchmaking_server.port":          "port",
		"matchmaking_server.server_binary": "server-binary",
	})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println("using configuration directory:", *configDirFlag)

	logger, err := core.NewLogger(config)
	if err != nil {
		fmt.Println("error initializing logger:", err)
		os.Exit(1)
	}
	if config.Debugging.Enabled {
		debug.StartUtilities(logger, config.Debugging.PprofPort)
	}

	store, err := kv.Open(config)
	if err != nil {
		logger.Errorf("[MATCHMAKING] error opening %s store: %v", config.Database.Engine, err)
		os.Exit(1)
	}
	defer store.Close()

	// Bind the server to one top-level context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	var wg sync.WaitGroup
	server := matchmaking.New(config, store, logger)
	if err := server.Start(ctx, &wg); err != nil {
		logger.Errorf("[MATCHMAKING] %v", err)
		os.Exit(1)
	}
	wg.Wait()
	fmt.Println("shut down")
}

func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}
