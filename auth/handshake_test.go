package auth

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codetalk/imgrelay/users"
)

// codeFromChallenge pulls the challenge code out of the instruction message.
func codeFromChallenge(t *testing.T, msg string) string {
	t.Helper()
	const prefix = "Your Authcode is: "
	if !strings.HasPrefix(msg, prefix) {
		t.Fatalf("unexpected challenge message: %q", msg)
	}
	rest := strings.TrimPrefix(msg, prefix)
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) record(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestHandshakeSuccess(t *testing.T) {
	store := users.NewStore(filepath.Join(t.TempDir(), "users.json"))
	registry := NewRegistry()

	notify := &recorder{}
	announce := &recorder{}
	challenge := make(chan string, 1)

	h := &Handshake{
		Registry: registry,
		Users:    store,
		Notify: func(text string) {
			notify.record(text)
			if strings.HasPrefix(text, "Your Authcode is: ") {
				challenge <- codeFromChallenge(t, text)
			}
		},
		Announce:     announce.record,
		UserID:       42,
		Sender:       "tester",
		BotNick:      "TelegramBot",
		Channel:      "#chan",
		Host:         "irc.example.net",
		Timeout:      2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(context.Background())
	}()

	var code string
	select {
	case code = <-challenge:
	case <-time.After(time.Second):
		t.Fatal("no challenge issued")
	}

	if !registry.Resolve(code, "alice") {
		t.Fatal("challenge code not registered")
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake did not finish after resolution")
	}

	name, ok, err := store.Resolve(42)
	if err != nil {
		t.Fatalf("store lookup: %v", err)
	}
	if !ok || name != "alice" {
		t.Fatalf("stored name = %q ok=%v, want alice", name, ok)
	}

	wantAnnounce := "alice: Authentication successful."
	if msgs := announce.all(); len(msgs) != 1 || msgs[0] != wantAnnounce {
		t.Fatalf("announce = %v, want [%q]", msgs, wantAnnounce)
	}
	msgs := notify.all()
	if len(msgs) < 2 || msgs[len(msgs)-1] != "Authenticated as alice." {
		t.Fatalf("notify messages = %v", msgs)
	}

	// The code must be cleaned up after Run returns.
	if registry.Resolve(code, "bob") {
		t.Fatal("code still registered after handshake finished")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	store := users.NewStore(filepath.Join(t.TempDir(), "users.json"))
	registry := NewRegistry()
	notify := &recorder{}

	h := &Handshake{
		Registry:     registry,
		Users:        store,
		Notify:       notify.record,
		Announce:     func(string) { t.Error("nothing should be announced on timeout") },
		UserID:       7,
		Sender:       "tester",
		BotNick:      "TelegramBot",
		Channel:      "#chan",
		Host:         "irc.example.net",
		Timeout:      50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
	h.Run(context.Background())

	msgs := notify.all()
	if len(msgs) == 0 || msgs[len(msgs)-1] != "Authentication timed out" {
		t.Fatalf("notify messages = %v, want trailing timeout notice", msgs)
	}
	if _, ok, _ := store.Resolve(7); ok {
		t.Fatal("identity stored despite timeout")
	}
	if got := registry.Outstanding(); got != 0 {
		t.Fatalf("Outstanding() = %d after timeout, want 0", got)
	}
}

func TestHandshakeContextCancel(t *testing.T) {
	store := users.NewStore(filepath.Join(t.TempDir(), "users.json"))
	registry := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handshake{
		Registry:     registry,
		Users:        store,
		Notify:       func(string) {},
		Announce:     func(string) {},
		UserID:       7,
		Sender:       "tester",
		Timeout:      time.Minute,
		PollInterval: 10 * time.Millisecond,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handshake did not stop on context cancellation")
	}
}
