package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codetalk/imgrelay/telemetry"
	"github.com/codetalk/imgrelay/users"
)

// Handshake is one authentication request: issue a challenge, wait for the
// matching IRC response, persist the identity. Each handshake runs on its own
// goroutine and self-terminates at its timeout.
type Handshake struct {
	Registry *Registry
	Users    *users.Store

	// Notify sends a message back to the requesting Telegram chat.
	Notify func(text string)
	// Announce posts a line to the IRC channel.
	Announce func(text string)

	UserID int64  // Telegram sender id being linked
	Sender string // requester description for logs

	BotNick string // current IRC nick to address responses to
	Channel string
	Host    string

	Timeout      time.Duration // validity window, default 5 minutes
	PollInterval time.Duration // flag poll granularity, default 500ms

	mu            sync.Mutex
	authenticated bool
}

// doAuthentication is the registry callback. Idempotent: a second resolution
// of the same code while the entry is still registered is a harmless no-op.
func (h *Handshake) doAuthentication(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.authenticated {
		return
	}
	if err := h.Users.SetName(h.UserID, name); err != nil {
		slog.Error("failed to persist authenticated name", slog.Any("err", err), slog.String("name", name))
		h.Notify("Oops, there was an error storing your name. Try again later.\nError: " + err.Error())
		return
	}
	h.Announce(name + ": Authentication successful.")
	h.Notify("Authenticated as " + name + ".")
	slog.Info("authenticated", slog.String("name", name), slog.String("sender", h.Sender), slog.Int64("user_id", h.UserID))
	telemetry.AuthSucceeded.Inc()
	h.authenticated = true
}

func (h *Handshake) isAuthenticated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authenticated
}

// Run executes the handshake to completion or timeout. The challenge code is
// unregistered exactly once, after Run has observed the terminal state.
func (h *Handshake) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in auth handshake", slog.Any("panic", r), slog.String("sender", h.Sender))
		}
	}()

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	poll := h.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	code := h.Registry.Register(h.doAuthentication, "")
	defer h.Registry.Unregister(code)
	telemetry.AuthStarted.Inc()

	h.Notify(fmt.Sprintf(
		"Your Authcode is: %s\n\n"+
			"Within %ds, send \"%s auth %s\" in %s on %s with your usual nickname. "+
			"If you want the bot to use a different name than your current IRC name, "+
			"add an additional argument which will be stored instead.\n\n"+
			"Example: \"%s auth %s my_actual_name\"\n\n"+
			"You can re-authenticate any time to overwrite the stored nick.",
		code, int(timeout.Seconds()), h.BotNick, code, h.Channel, h.Host, h.BotNick, code))
	slog.Info("initiated authentication", slog.String("sender", h.Sender), slog.String("code", code))

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !h.isAuthenticated() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	if !h.isAuthenticated() {
		slog.Info("authentication timed out", slog.String("sender", h.Sender), slog.String("code", code))
		telemetry.AuthTimedOut.Inc()
		h.Notify("Authentication timed out")
	}
}
