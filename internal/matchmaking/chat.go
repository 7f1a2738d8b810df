package matchmaking

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/dcrodman/tbs/internal/core/auth"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/core/kv"
	"github.com/dcrodman/tbs/internal/gameserver"
)

const (
	lobbyChannel = "lobby"

	chatBucketLength = 10 * time.Second
	chatBucketLimit  = 6
	muteDuration     = 20 * time.Second
)

// allowChat applies flood control: more than chatBucketLimit messages in one
// bucket mutes the session for muteDuration.
func (s *Server) allowChat(sess *SessionInfo) (bool, string) {
	now := s.now()
	if now.Before(sess.mutedUntil) {
		return false, "you are muted for flooding"
	}
	bucket := now.UnixNano() / int64(chatBucketLength)
	if bucket != sess.chatBucket {
		sess.chatBucket = bucket
		sess.chatCount = 0
	}
	sess.chatCount++
	if sess.chatCount > chatBucketLimit {
		sess.mutedUntil = now.Add(muteDuration)
		s.Logger.Infof("[MATCHMAKING] muting %s for flooding", sess.User)
		return false, "too many messages, you are muted for 20 seconds"
	}
	return true, ""
}

// chatMessage delivers a private message when "to" names a user, and
// otherwise posts to a channel (the lobby by default).
func (s *Server) chatMessage(t gameserver.Transport, sess *SessionInfo, msg doc.Map) {
	text := doc.String(msg, "message")
	if ok, reason := s.allowChat(sess); !ok {
		s.reply(t, doc.Map{"type": "chat_error", "message": reason})
		return
	}

	if to := doc.String(msg, "to"); to != "" {
		target := s.sessionFor(to)
		if target == nil {
			s.reply(t, doc.Map{"type": "chat_error", "message": to + " is not online"})
			return
		}
		out := doc.Map{"type": "chat_message", "from": sess.User, "to": target.User, "message": text, "private": true}
		s.queueMsg(target, out)
		s.reply(t, out)
		return
	}

	channel := strings.ToLower(doc.String(msg, "channel"))
	if channel == "" {
		channel = lobbyChannel
	}
	if channel != lobbyChannel && !lo.Contains(sess.Channels, channel) {
		s.reply(t, doc.Map{"type": "chat_error", "message": "not in channel " + channel})
		return
	}

	out := doc.Map{"type": "chat_message", "from": sess.User, "channel": channel, "message": text}
	if channel == lobbyChannel {
		s.statusChange(doc.Map{"op": "chat", "line": doc.Map{"from": sess.User, "message": text, "time": s.now().Unix()}})
	}
	for _, other := range s.sessions {
		if other != sess && (channel == lobbyChannel || lo.Contains(other.Channels, channel)) {
			s.queueMsg(other, out)
		}
	}
	s.reply(t, out)
}

// joinChannel adds the session to a chat channel and records the membership
// with an atomic APPEND to the channel's member list.
func (s *Server) joinChannel(t gameserver.Transport, sess *SessionInfo, msg doc.Map) {
	channel := strings.ToLower(doc.String(msg, "channel"))
	if channel == "" || channel == lobbyChannel {
		s.reply(t, doc.Map{"type": "chat_error", "message": "invalid channel name"})
		return
	}
	if !lo.Contains(sess.Channels, channel) {
		sess.Channels = append(sess.Channels, channel)
		s.Store.Put(context.Background(), auth.UserNamespace, auth.ChannelKey(channel), sess.User, kv.Append, func(err error) {
			if err != nil {
				s.Logger.Warnf("[MATCHMAKING] recording %s in channel %s: %v", sess.User, channel, err)
			}
		})
		s.saveChannels(sess)
	}
	members := lo.FilterMap(lo.Values(s.sessions), func(other *SessionInfo, _ int) (string, bool) {
		return other.User, lo.Contains(other.Channels, channel)
	})
	sort.Strings(members)
	s.reply(t, doc.Map{"type": "joined_channel", "channel": channel, "members": toList(members)})
}

func (s *Server) leaveChannel(t gameserver.Transport, sess *SessionInfo, msg doc.Map) {
	channel := strings.ToLower(doc.String(msg, "channel"))
	sess.Channels = lo.Without(sess.Channels, channel)
	s.saveChannels(sess)
	s.reply(t, doc.Map{"type": "left_channel", "channel": channel})
}

// saveChannels stores the session's channel list in its account info.
func (s *Server) saveChannels(sess *SessionInfo) {
	if sess.Account == nil {
		sess.Account = auth.NewAccountInfo(sess.User)
	}
	sess.Account["channels"] = toList(sess.Channels)
	s.Store.Put(context.Background(), auth.UserNamespace, auth.AccountKey(sess.User), sess.Account, kv.Set, func(err error) {
		if err != nil {
			s.Logger.Warnf("[MATCHMAKING] saving channels of %s: %v", sess.User, err)
		}
	})
}

func toList(s []string) doc.List {
	l := make(doc.List, 0, len(s))
	for _, v := range s {
		l = append(l, v)
	}
	return l
}
