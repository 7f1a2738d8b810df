package matchmaking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dcrodman/tbs/internal/core/auth"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/core/kv"
	"github.com/dcrodman/tbs/internal/gameserver"
)

var errResetRequest = errors.New("that password reset link is no longer valid")

func (s *Server) fail(t gameserver.Transport, typ string, err error) {
	s.reply(t, doc.Map{"type": typ, "message": auth.DisplayError(err)})
}

// register creates the credentials record with an atomic ADD and then the
// initial account info.
func (s *Server) register(t gameserver.Transport, msg doc.Map) {
	user := doc.String(msg, "user")
	if !auth.ValidUsername(user) {
		s.fail(t, "register_failed", auth.ErrInvalidUsername)
		return
	}
	registration := auth.NewRegistration(user, doc.String(msg, "passwd"), doc.String(msg, "email"))
	s.Store.Put(context.Background(), auth.RegistrationNamespace, auth.UserKey(user), registration, kv.Add, func(err error) {
		if errors.Is(err, kv.ErrExists) {
			s.fail(t, "register_failed", auth.ErrUsernameTaken)
			return
		} else if err != nil {
			s.Logger.Errorf("[MATCHMAKING] registering %s: %v", user, err)
			s.fail(t, "register_failed", auth.ErrUnknown)
			return
		}
		s.Store.Put(context.Background(), auth.UserNamespace, auth.AccountKey(user), auth.NewAccountInfo(user), kv.Set, func(err error) {
			if err != nil {
				s.Logger.Errorf("[MATCHMAKING] creating account for %s: %v", user, err)
			}
			s.Logger.Infof("[MATCHMAKING] registered %s", user)
			s.reply(t, doc.Map{"type": "register_success", "user": user})
		})
	})
}

// login checks the password and opens a session.
func (s *Server) login(t gameserver.Transport, msg doc.Map) {
	user := doc.String(msg, "user")
	passwd := doc.String(msg, "passwd")
	s.Store.Get(context.Background(), auth.RegistrationNamespace, auth.UserKey(user), func(registration doc.Value, err error) {
		if errors.Is(err, kv.ErrNotFound) {
			s.fail(t, "login_failed", auth.ErrInvalidCredentials)
			return
		} else if err != nil {
			s.Logger.Errorf("[MATCHMAKING] loading registration of %s: %v", user, err)
			s.fail(t, "login_failed", auth.ErrUnknown)
			return
		}
		if err := auth.CheckPassword(registration, passwd); err != nil {
			s.fail(t, "login_failed", err)
			return
		}
		s.openSession(t, doc.String(registration.(doc.Map), "user"))
	})
}

// autoLogin opens a session for the user a login cookie was issued to.
func (s *Server) autoLogin(t gameserver.Transport, msg doc.Map) {
	token := doc.String(msg, "cookie")
	if token == "" {
		s.fail(t, "login_failed", auth.ErrInvalidCredentials)
		return
	}
	s.Store.Get(context.Background(), auth.UserNamespace, auth.CookieKey(token), func(v doc.Value, err error) {
		m, _ := v.(doc.Map)
		if err != nil || doc.String(m, "user") == "" {
			s.fail(t, "login_failed", auth.ErrInvalidCredentials)
			return
		}
		s.openSession(t, doc.String(m, "user"))
	})
}

// openSession loads (or creates) user's account info, issues a fresh login
// cookie and replies with the new session.
func (s *Server) openSession(t gameserver.Transport, user string) {
	s.Store.Get(context.Background(), auth.UserNamespace, auth.AccountKey(user), func(v doc.Value, err error) {
		account, _ := v.(doc.Map)
		if errors.Is(err, kv.ErrNotFound) || account == nil {
			account = auth.NewAccountInfo(user)
			s.Store.Put(context.Background(), auth.UserNamespace, auth.AccountKey(user), account, kv.Add, nil)
		} else if err != nil {
			s.Logger.Errorf("[MATCHMAKING] loading account of %s: %v", user, err)
			s.fail(t, "login_failed", auth.ErrUnknown)
			return
		}

		token := uuid.NewString()
		s.Store.Put(context.Background(), auth.UserNamespace, auth.CookieKey(token), doc.Map{"user": user}, kv.Set, func(err error) {
			reply := doc.Map{"type": "login_success", "user": user, "account": account}
			if err != nil {
				s.Logger.Warnf("[MATCHMAKING] storing login cookie for %s: %v", user, err)
			} else {
				reply["cookie"] = token
			}
			sess := s.startSession(user, account)
			reply["session_id"] = sess.SessionID
			s.Logger.Infof("[MATCHMAKING] %s logged in as session %d", user, sess.SessionID)
			s.reply(t, reply)
		})
	})
}

// recoverAccount mails a reset link to the address on file. Only the most
// recent request id for a user is honoured.
func (s *Server) recoverAccount(t gameserver.Transport, msg doc.Map) {
	user := doc.String(msg, "user")
	s.Store.Get(context.Background(), auth.RegistrationNamespace, auth.UserKey(user), func(v doc.Value, err error) {
		registration, _ := v.(doc.Map)
		if err != nil || doc.String(registration, "email") == "" {
			s.fail(t, "recover_account_failed", auth.ErrInvalidCredentials)
			return
		}
		requestID := uuid.NewString()
		s.resets.SetDefault(auth.CanonicalUser(user), requestID)

		body := fmt.Sprintf("To reset the password of %s, use request id %s.", doc.String(registration, "user"), requestID)
		if err := s.Mail(doc.String(registration, "email"), "Password reset", body); err != nil {
			s.Logger.Errorf("[MATCHMAKING] mailing reset link to %s: %v", user, err)
			s.fail(t, "recover_account_failed", auth.ErrUnknown)
			return
		}
		s.reply(t, doc.Map{"type": "recover_account_sent", "user": user})
	})
}

// resetPasswd redeems a reset request id and stores the new password.
func (s *Server) resetPasswd(t gameserver.Transport, msg doc.Map) {
	user := doc.String(msg, "user")
	key := auth.CanonicalUser(user)
	want, ok := s.resets.Get(key)
	if !ok || want.(string) != doc.String(msg, "request_id") {
		s.fail(t, "reset_passwd_failed", errResetRequest)
		return
	}
	s.resets.Delete(key)

	s.Store.Get(context.Background(), auth.RegistrationNamespace, auth.UserKey(user), func(v doc.Value, err error) {
		registration, _ := v.(doc.Map)
		if err != nil || registration == nil {
			s.fail(t, "reset_passwd_failed", auth.ErrInvalidCredentials)
			return
		}
		registration["passwd"] = auth.HashPassword(doc.String(msg, "passwd"))
		s.Store.Put(context.Background(), auth.RegistrationNamespace, auth.UserKey(user), registration, kv.Replace, func(err error) {
			if err != nil {
				s.Logger.Errorf("[MATCHMAKING] resetting password of %s: %v", user, err)
				s.fail(t, "reset_passwd_failed", auth.ErrUnknown)
				return
			}
			s.reply(t, doc.Map{"type": "reset_passwd_success", "user": user})
		})
	})
}

func (s *Server) logout(t gameserver.Transport, sess *SessionInfo, _ doc.Map) {
	s.removeSession(sess, true)
	s.Logger.Infof("[MATCHMAKING] %s logged out", sess.User)
	s.reply(t, doc.Map{"type": "bye"})
}

// requestUpdates is the session's long poll. It is answered with queued
// messages and status changes as they happen.
func (s *Server) requestUpdates(t gameserver.Transport, sess *SessionInfo, msg doc.Map) {
	if doc.Has(msg, "state_id") {
		sess.statusSent = doc.Int(msg, "state_id", -1)
	}
	s.attach(sess, t)
}

func (s *Server) setStatus(t gameserver.Transport, sess *SessionInfo, msg doc.Map) {
	sess.Status = doc.String(msg, "status")
	s.statusChange(doc.Map{"op": "status", "user": sess.User, "status": sess.Status})
	s.reply(t, doc.Map{"type": "status_set", "status": sess.Status})
}
