package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tbs/internal/client"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/gameserver"
)

const (
	reportAttempts = 5
	reportBackoff  = 250 * time.Millisecond
)

func readGame(path string) (doc.Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading game document: %w", err)
	}
	request, err := doc.ParseMap(data)
	if err != nil {
		return nil, fmt.Errorf("parsing game document %s: %w", path, err)
	}
	request["type"] = "create_game"
	return request, nil
}

// replyCapture is a transport that keeps the reply to a request made on the
// server's own behalf.
type replyCapture struct {
	info    gameserver.SocketInfo
	replies []doc.Map
}

func (r *replyCapture) Send(msg []byte) error {
	m, err := doc.ParseMap(msg)
	if err != nil {
		return err
	}
	r.replies = append(r.replies, m)
	return nil
}

func (r *replyCapture) SocketInfo() *gameserver.SocketInfo { return &r.info }
func (r *replyCapture) Close()                             {}

func createGame(base *gameserver.Base, request doc.Map) error {
	capture := &replyCapture{info: gameserver.SocketInfo{SessionID: -1}}
	base.HandleMessage(capture, -1, request)
	created := client.Find(capture.replies, "game_created")
	if created == nil {
		return fmt.Errorf("could not create hosted game: %v", capture.replies)
	}
	return nil
}

// reporter tells the matchmaking server that launched us when our game is
// created and when it finishes. Once the game has finished the server shuts down.
type reporter struct {
	URL    string
	Port   int
	Logger *logrus.Logger
}

func (r *reporter) watch(base *gameserver.Base, shutdown func()) {
	base.OnGameCreated = func(gi *gameserver.GameInfo) {
		msg := doc.Map{"type": "server_created_game", "port": r.Port, "game_id": gi.Game.ID}
		go r.post(msg)
	}
	base.OnGameFinished = func(gi *gameserver.GameInfo) {
		msg := doc.Map{
			"type":    "server_finished_game",
			"port":    r.Port,
			"game_id": gi.Game.ID,
			"result":  doc.Map{"state": gi.Game.Doc(), "log": gi.Game.Log()},
		}
		go func() {
			r.post(msg)
			shutdown()
		}()
	}
}

// post delivers msg, retrying while the matchmaking server doesn't know
// about us yet; our report can overtake its record of the launch.
func (r *reporter) post(msg doc.Map) {
	if r.URL == "" {
		return
	}
	conn := client.NewHTTPClient(r.URL, -1)
	var err error
	for attempt := 1; attempt <= reportAttempts; attempt++ {
		err = r.postOnce(conn, msg)
		if err == nil {
			return
		}
		time.Sleep(time.Duration(attempt) * reportBackoff)
	}
	r.Logger.Errorf("[GAMESERVER] failed to report %s to %s: %v", doc.String(msg, "type"), r.URL, err)
}

func (r *reporter) postOnce(conn client.Conn, msg doc.Map) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	replies, err := conn.Send(ctx, msg)
	if err != nil {
		return err
	}
	if client.Find(replies, "ok") == nil {
		return errors.New("unexpected reply: " + string(doc.MustMarshal(toList(replies))))
	}
	return nil
}

func toList(msgs []doc.Map) doc.List {
	l := make(doc.List, 0, len(msgs))
	for _, m := range msgs {
		l = append(l, m)
	}
	return l
}
