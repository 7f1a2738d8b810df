// Package auth holds the credential handling shared by the matchmaking server
// and the account tools.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/core/kv"
)

const (
	// RegistrationNamespace holds credentials, which never change during a game.
	RegistrationNamespace = "registration"
	// UserNamespace holds mutable account info, cookies, channels and game logs.
	UserNamespace = "user"
)

var (
	ErrUnknown            = errors.New("an unexpected error occurred, please contact your server administrator")
	ErrInvalidCredentials = errors.New("username/password combination not found")
	ErrUsernameTaken      = errors.New("that username is already registered")
	ErrInvalidUsername    = errors.New("usernames must be 2 to 20 letters, digits or underscores")
)

// CanonicalUser returns the form of a username used in storage keys, so that
// "Alice" and "alice" name the same account.
func CanonicalUser(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// DisplayError returns a presentable version of an error for end users.
func DisplayError(err error) string {
	return cases.Title(language.English).String(err.Error())
}

// ValidUsername reports whether name may be registered.
func ValidUsername(name string) bool {
	if len(name) < 2 || len(name) > 20 {
		return false
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// HashPassword returns a version of password with the server's chosen hashing strategy.
func HashPassword(password string) string {
	hash := sha256.New()
	hash.Write([]byte(password))
	return hex.EncodeToString(hash.Sum(nil)[:])
}

func UserKey(user string) string    { return "user:" + CanonicalUser(user) }
func AccountKey(user string) string { return "account:" + CanonicalUser(user) }
func CookieKey(token string) string { return "cookie:" + token }
func ChannelKey(name string) string { return "channel:" + strings.ToLower(name) }
func GameKey(id string) string      { return "game:" + id }

// NewRegistration builds the credentials record for a new account.
func NewRegistration(user, password, email string) doc.Map {
	return doc.Map{
		"user":       user,
		"passwd":     HashPassword(password),
		"email":      email,
		"registered": time.Now().Unix(),
	}
}

// NewAccountInfo builds the initial mutable info of a new account.
func NewAccountInfo(user string) doc.Map {
	return doc.Map{
		"user":     user,
		"wins":     0,
		"losses":   0,
		"channels": doc.List{},
	}
}

// CheckPassword compares password against a stored registration record.
func CheckPassword(registration doc.Value, password string) error {
	m, ok := registration.(doc.Map)
	if !ok || doc.String(m, "passwd") != HashPassword(password) {
		return ErrInvalidCredentials
	}
	return nil
}

// CreateAccount registers user with an atomic ADD (so concurrent attempts
// for the same name can't both succeed) and writes its initial account info.
func CreateAccount(ctx context.Context, store kv.Store, user, password, email string) error {
	if !ValidUsername(user) {
		return ErrInvalidUsername
	}
	err := store.Put(ctx, RegistrationNamespace, UserKey(user), NewRegistration(user, password, email), kv.Add)
	if errors.Is(err, kv.ErrExists) {
		return ErrUsernameTaken
	} else if err != nil {
		return err
	}
	return store.Put(ctx, UserNamespace, AccountKey(user), NewAccountInfo(user), kv.Set)
}

// VerifyAccount checks the stored credentials for user.
func VerifyAccount(ctx context.Context, store kv.Store, user, password string) error {
	registration, err := store.Get(ctx, RegistrationNamespace, UserKey(user))
	if errors.Is(err, kv.ErrNotFound) {
		return ErrInvalidCredentials
	} else if err != nil {
		return ErrUnknown
	}
	return CheckPassword(registration, password)
}
