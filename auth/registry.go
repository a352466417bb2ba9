// Package auth implements the cross-protocol identity handshake: short-lived
// challenge codes handed to a Telegram user, resolved by a matching line on
// the IRC channel.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"sync"
)

// codeLength is the minimum challenge code length in characters. 8 random
// bytes encode to 11 base64 characters, enough entropy to resist guessing
// within the validity window.
const codeLength = 10

// Callback receives the resolved display name. It is invoked at most once per
// registered code.
type Callback func(name string)

// Registry tracks outstanding challenges. All access is serialized by one
// mutex; it is the only long-lived structure shared between concurrent
// handshake units and the IRC listener.
type Registry struct {
	mu    sync.Mutex
	codes map[string]Callback
}

func NewRegistry() *Registry {
	return &Registry{codes: map[string]Callback{}}
}

// Register stores the callback under a fresh unique code and returns it.
// A preferred code is used only when it does not collide with an outstanding
// one; otherwise generation retries until unique.
func (r *Registry) Register(cb Callback, preferred string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	code := preferred
	for {
		if code != "" {
			if _, taken := r.codes[code]; !taken {
				break
			}
		}
		code = randomCode(codeLength)
	}
	r.codes[code] = cb
	slog.Debug("registered authcode callback", slog.String("code", code))
	return code
}

// Resolve looks up the code and, if present, invokes its callback with the
// given name and reports true. Unknown codes report false; the caller tells
// the responder the code is invalid. The entry stays registered: removal is
// the owning handshake's job via Unregister, so resolution never races with
// unregistration from the same logical challenge.
func (r *Registry) Resolve(code, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.codes[code]
	if !ok {
		slog.Info("no such authcode record", slog.String("code", code))
		return false
	}
	slog.Debug("calling callback for authcode", slog.String("code", code))
	cb(name)
	return true
}

// Unregister removes the entry; no-op if absent.
func (r *Registry) Unregister(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
	slog.Debug("removed authcode callback", slog.String("code", code))
}

// Outstanding returns the number of currently registered challenges.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codes)
}

// randomCode returns a URL-safe base64 string of at least minLen characters.
// URL-safe alphabet keeps codes free of characters IRC clients like to
// linkify or split on.
func randomCode(minLen int) string {
	n := (minLen*6 + 7) / 8 // bytes needed for minLen base64 chars
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is not recoverable at this layer
		panic("auth: crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
