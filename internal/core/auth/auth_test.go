package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/core/kv"
)

type failingStore struct{ kv.Store }

func (failingStore) Get(context.Context, string, string) (doc.Value, error) {
	return nil, errors.New("something exploded")
}

func TestHashPassword(t *testing.T) {
	password := "password"
	hashed := HashPassword(password)

	if password == hashed {
		t.Fatalf("expected hashed password not to equal password")
	}

	for i := 0; i < 10; i++ {
		if h := HashPassword(password); hashed != h {
			t.Fatalf("password hashing is non-deterministic (expected %s, got %s)", hashed, h)
		}
	}
}

func TestCanonicalUser(t *testing.T) {
	if CanonicalUser(" Alice ") != CanonicalUser("alice") {
		t.Errorf("expected usernames to fold to the same key")
	}
	if UserKey("Bob") != "user:bob" {
		t.Errorf("unexpected user key %s", UserKey("Bob"))
	}
}

func TestCreateAccount(t *testing.T) {
	tests := map[string]struct {
		setup     func(store kv.Store)
		user      string
		wantedErr error
	}{
		"happy_path": {
			setup:     func(kv.Store) {},
			user:      "alice",
			wantedErr: nil,
		},
		"invalid_name": {
			setup:     func(kv.Store) {},
			user:      "a!",
			wantedErr: ErrInvalidUsername,
		},
		"taken": {
			setup: func(store kv.Store) {
				if err := CreateAccount(context.Background(), store, "ALICE", "x", ""); err != nil {
					t.Fatalf("error seeding account: %v", err)
				}
			},
			user:      "alice",
			wantedErr: ErrUsernameTaken,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			store := kv.NewMemoryStore()
			tt.setup(store)

			err := CreateAccount(context.Background(), store, tt.user, "secret", "a@b.c")
			if !errors.Is(err, tt.wantedErr) {
				t.Fatalf("expected error = %v, got = %v", tt.wantedErr, err)
			}
			if err != nil {
				return
			}
			info, err := store.Get(context.Background(), UserNamespace, AccountKey(tt.user))
			if err != nil {
				t.Fatalf("expected account info to be written: %v", err)
			}
			if doc.String(info.(doc.Map), "user") != tt.user {
				t.Errorf("unexpected account info %v", info)
			}
		})
	}
}

func TestVerifyAccount(t *testing.T) {
	store := kv.NewMemoryStore()
	if err := CreateAccount(context.Background(), store, "test", "test", ""); err != nil {
		t.Fatalf("error seeding account: %v", err)
	}

	tests := map[string]struct {
		store    kv.Store
		user     string
		password string
		wantErr  error
	}{
		"database_error":   {store: failingStore{store}, user: "test", password: "test", wantErr: ErrUnknown},
		"no_account":       {store: store, user: "nobody", password: "test", wantErr: ErrInvalidCredentials},
		"invalid_password": {store: store, user: "test", password: "wrong", wantErr: ErrInvalidCredentials},
		"happy":            {store: store, user: "Test", password: "test", wantErr: nil},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if err := VerifyAccount(context.Background(), tt.store, tt.user, tt.password); err != tt.wantErr {
				t.Errorf("expected error = %v, got = %v", tt.wantErr, err)
			}
		})
	}
}
