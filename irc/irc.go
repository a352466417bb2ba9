// Package irc maintains the IRC connection used for link announcements and
// for receiving authentication responses. Inbound channel messages addressed
// to the bot are parsed into commands; the only command is "auth", which is
// routed to the challenge registry.
package irc

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	ircevent "github.com/thoj/go-ircevent"

	"github.com/codetalk/imgrelay/auth"
	"github.com/codetalk/imgrelay/config"
	"github.com/codetalk/imgrelay/telemetry"
)

// Client wraps the IRC connection. Nick collisions are handled by the
// underlying library (appends "_" on 433), so Nick() must be read after
// connecting when composing auth instructions.
type Client struct {
	conn      *ircevent.Connection
	channel   string
	registry  *auth.Registry
	connected atomic.Bool
}

// New builds a client for the configured network. Connect must be called
// before Join or Msg.
func New(cfg config.IRC, registry *auth.Registry) *Client {
	conn := ircevent.IRC(cfg.Nick, cfg.Nick)
	conn.Password = cfg.Password
	if cfg.SSL {
		conn.UseTLS = true
		conn.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}

	c := &Client{conn: conn, channel: cfg.Channel, registry: registry}

	// 001 is the registration welcome every ircd sends; 266 (current global
	// users) arrives later on most networks and was historically used as the
	// "really connected" marker, so accept either.
	markConnected := func(e *ircevent.Event) {
		if c.connected.CompareAndSwap(false, true) {
			slog.Info("irc client connected", slog.String("nick", conn.GetNick()))
		}
	}
	conn.AddCallback("001", markConnected)
	conn.AddCallback("266", markConnected)

	conn.AddCallback("PRIVMSG", c.onChannelMessage)
	return c
}

// Connect dials the server and starts the read loop in the background.
func (c *Client) Connect(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	if err := c.conn.Connect(addr); err != nil {
		return fmt.Errorf("irc connect %s: %w", addr, err)
	}
	go c.conn.Loop()
	return nil
}

// WaitConnected blocks until the welcome arrived or the timeout elapsed.
func (c *Client) WaitConnected(timeout time.Duration) bool {
	slog.Debug("waiting for irc client to connect")
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.connected.Load() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return c.connected.Load()
}

// IsConnected reports whether the welcome has been observed.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Join enters the configured announcement channel.
func (c *Client) Join() { c.conn.Join(c.channel) }

// Msg posts a line to the announcement channel.
func (c *Client) Msg(text string) { c.conn.Privmsg(c.channel, text) }

// Nick returns the nick currently in use (may differ from the configured one
// after a collision rename).
func (c *Client) Nick() string { return c.conn.GetNick() }

// SendRaw writes a raw protocol line.
func (c *Client) SendRaw(line string) { c.conn.SendRaw(line) }

// Quit disconnects cleanly.
func (c *Client) Quit() { c.conn.Quit() }

func (c *Client) onChannelMessage(e *ircevent.Event) {
	if len(e.Arguments) == 0 || !strings.EqualFold(e.Arguments[0], c.channel) {
		return
	}
	if reply := c.route(c.conn.GetNick(), e.Nick, e.Message()); reply != "" {
		c.Msg(reply)
	}
}

// route dispatches a channel message addressed to botNick and returns the
// line to post back, or "" when no reply is due. An auth attempt resolves
// against the registry under the sender's nick unless an alternate name
// argument follows the code.
func (c *Client) route(botNick, sender, message string) string {
	cmd, args, ok := ParseCommand(botNick, message)
	if !ok {
		return ""
	}
	switch cmd {
	case "auth":
		slog.Info("auth attempt on irc", slog.String("nick", sender), slog.Any("args", args))
		name := sender
		if len(args) > 1 {
			name = args[1]
		}
		if len(args) == 0 || !c.registry.Resolve(args[0], name) {
			telemetry.AuthInvalidAttempts.Inc()
			return sender + ": Auth code invalid"
		}
		return ""
	default:
		slog.Info("unknown irc command", slog.String("nick", sender), slog.String("command", cmd), slog.Any("args", args))
		return sender + ": Unknown command"
	}
}

// ParseCommand extracts a command directed at nick from a channel message of
// the form "<nick>[:,] <command> [args...]". ok is false when the message is
// not addressed to nick or carries no command.
func ParseCommand(nick, message string) (cmd string, args []string, ok bool) {
	if !strings.HasPrefix(message, nick) {
		return "", nil, false
	}
	rest := strings.TrimPrefix(message, nick)
	rest = strings.TrimLeft(rest, ":, ")
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}
