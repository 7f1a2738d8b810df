// The tbs_bot command plays a JSON script against a game or matchmaking
// server and reports which steps passed. With --spawn it starts its own
// tbs_server child instead and plays over a shared memory pipe.
//
// A script is an array of steps:
//
//	[{"send": {"type": "get_server_info"},
//	  "validate": [{"type": "server_info", "field": "games"}]}]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/dcrodman/tbs/internal/bot"
	"github.com/dcrodman/tbs/internal/client"
	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/launcher"
)

var (
	urlFlag      = pflag.String("url", "http://localhost:23456/", "Server to play against")
	scriptFlag   = pflag.String("script", "", "Path to the JSON script")
	sessionFlag  = pflag.Int("session", -1, "Session id to send with every request")
	intervalFlag = pflag.Duration("interval", 100*time.Millisecond, "Delay between steps")
	timeoutFlag  = pflag.Duration("timeout", 5*time.Minute, "Give up after this long")
	verboseFlag  = pflag.Bool("verbose", false, "Print every message received")
	spawnFlag    = pflag.String("spawn", "", "tbs_server binary to start and play against over shared memory instead of --url")
	gameFlag     = pflag.String("game", "", "Game creation document for the spawned server to host")
)

func main() {
	os.Exit(run())
}

func run() int {
	pflag.Parse()
	if *scriptFlag == "" {
		fmt.Println("Usage: tbs_bot --script FILE [--url URL | --spawn BINARY [--game FILE]] [--session N]")
		return 2
	}

	script, err := bot.LoadScript(*scriptFlag)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	cfg := &core.Config{LogLevel: "info"}
	logger, err := core.NewLogger(cfg)
	if err != nil {
		fmt.Println(err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	var conn client.Conn = client.NewHTTPClient(*urlFlag, *sessionFlag)
	if *spawnFlag != "" {
		var extra []string
		if *gameFlag != "" {
			extra = []string{"--config", *gameFlag}
		}
		spawner := &launcher.ExecSpawner{Stdout: os.Stdout, Stderr: os.Stderr}
		pc, proc, err := client.StartPipeServer(ctx, spawner, *spawnFlag, "bot-"+uuid.NewString(), *sessionFlag, extra...)
		if err != nil {
			color.Red("starting %s: %v", *spawnFlag, err)
			return 1
		}
		defer pc.Close()
		defer proc.Terminate()
		logger.Infof("[BOT] playing against %s (pid %d) over shared memory", *spawnFlag, proc.Pid())
		conn = pc
	}

	b := &bot.Bot{
		Name:   *scriptFlag,
		Conn:   conn,
		Script: script,
		Logger: logger,
	}
	if *verboseFlag {
		b.OnMessage = func(_ *bot.Bot, msg doc.Map) {
			fmt.Println("  <-", string(doc.MustMarshal(msg)))
		}
	}

	if err := b.Run(ctx, *intervalFlag); err != nil {
		color.Red("stopped early: %v", err)
	}

	pass, fail := color.New(color.FgGreen), color.New(color.FgRed)
	for _, r := range b.Results {
		step := script[r.Step]
		if r.Err != nil {
			fail.Printf("FAIL step %d (%s): %v\n", r.Step, doc.String(step.Send, "type"), r.Err)
			continue
		}
		pass.Printf("PASS step %d (%s)\n", r.Step, doc.String(step.Send, "type"))
	}
	if failed := len(b.Failed()); failed > 0 || !b.Done() {
		color.Red("%d of %d steps failed", failed, len(script))
		return 1
	}
	color.Green("all %d steps passed", len(script))
	return 0
}
