package credential

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/99designs/keyring"
)

func testResolver(items map[string]string) *Resolver {
	r := NewResolver("")
	r.openRing = func() (keyring.Keyring, error) {
		ring := keyring.NewArrayKeyring(nil)
		for k, v := range items {
			ring.Set(keyring.Item{Key: k, Data: []byte(v)})
		}
		return ring, nil
	}
	return r
}

func TestResolvePasswordLiteral(t *testing.T) {
	r := testResolver(nil)
	got, err := r.ResolvePassword("user@example.com", "plain-secret")
	if err != nil {
		t.Fatalf("ResolvePassword: %v", err)
	}
	if got != "plain-secret" {
		t.Errorf("password = %q", got)
	}
}

func TestResolvePasswordKeyringReference(t *testing.T) {
	r := testResolver(map[string]string{"imap/user@example.com": "stored-secret"})
	got, err := r.ResolvePassword("user@example.com", "keyring:imap/user@example.com")
	if err != nil {
		t.Fatalf("ResolvePassword: %v", err)
	}
	if got != "stored-secret" {
		t.Errorf("password = %q", got)
	}
}

func TestResolvePasswordMissingEntry(t *testing.T) {
	r := testResolver(nil)
	_, err := r.ResolvePassword("user@example.com", "keyring:absent")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsCredentialError(err) {
		t.Errorf("error type = %T, want credential Error", err)
	}
}

func TestResolvePasswordEmptyReference(t *testing.T) {
	r := testResolver(nil)
	if _, err := r.ResolvePassword("user@example.com", ""); !IsCredentialError(err) {
		t.Errorf("err = %v, want credential Error", err)
	}
}

func TestStoreAndDeletePassword(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	r := NewResolver("")
	r.openRing = func() (keyring.Keyring, error) { return ring, nil }

	ref, err := r.StorePassword("user@example.com", "imap/user@example.com", "s3cret")
	if err != nil {
		t.Fatalf("StorePassword: %v", err)
	}
	if ref != "keyring:imap/user@example.com" {
		t.Errorf("reference = %q", ref)
	}

	got, err := r.ResolvePassword("user@example.com", ref)
	if err != nil {
		t.Fatalf("ResolvePassword: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("password = %q", got)
	}

	if err := r.DeletePassword("user@example.com", "imap/user@example.com"); err != nil {
		t.Fatalf("DeletePassword: %v", err)
	}
	if _, err := r.ResolvePassword("user@example.com", ref); err == nil {
		t.Error("expected error after deletion")
	}
}

type staticRefresher struct {
	token string
	err   error
	calls int
}

func (s *staticRefresher) Token(ctx context.Context, workspaceID, account, provider string) (string, error) {
	s.calls++
	return s.token, s.err
}

func TestTokenSourceForRefreshesPerCall(t *testing.T) {
	refresher := &staticRefresher{token: "bearer-1"}
	source := TokenSourceFor(refresher, "ws-1", "user@example.com", "gmail")

	for i := 0; i < 3; i++ {
		token, err := source(context.Background())
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if token != "bearer-1" {
			t.Errorf("token = %q", token)
		}
	}
	if refresher.calls != 3 {
		t.Errorf("refresher calls = %d, want one per invocation", refresher.calls)
	}
}

func TestTokenSourceForFailures(t *testing.T) {
	failing := &staticRefresher{err: fmt.Errorf("oauth server down")}
	if _, err := TokenSourceFor(failing, "ws", "a@b.c", "gmail")(context.Background()); !IsCredentialError(err) {
		t.Errorf("err = %v, want credential Error", err)
	}

	empty := &staticRefresher{token: ""}
	if _, err := TokenSourceFor(empty, "ws", "a@b.c", "gmail")(context.Background()); !IsCredentialError(err) {
		t.Errorf("err = %v, want credential Error for empty token", err)
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := &Error{Account: "a@b.c", Reason: "test", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("Unwrap does not reach the inner error")
	}
}
