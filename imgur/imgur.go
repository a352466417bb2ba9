// Package imgur wraps the Imgur v3 API for the single purpose of uploading
// image files. Access tokens come from the OAuth2 refresh-token flow and are
// persisted through the TokenStore so the background refresher and concurrent
// pipeline units share them.
package imgur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/codetalk/imgrelay/config"
)

// Provider is the oauth_tokens row key for imgur credentials.
const Provider = "imgur"

const defaultBaseURL = "https://api.imgur.com"

// Endpoint is Imgur's OAuth2 endpoint pair.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://api.imgur.com/oauth2/authorize",
	TokenURL: "https://api.imgur.com/oauth2/token",
}

// TokenStore persists OAuth tokens between runs; implemented by
// db.TokenStoreAdapter.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken, refreshToken string, expiry time.Time, scope string, err error)
}

// Error is an API-side upload failure carrying the HTTP status.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("imgur: %d %s", e.StatusCode, e.Message)
}

// Client uploads images on behalf of the configured account.
type Client struct {
	store TokenStore
	oauth *oauth2.Config

	// seedRefreshToken bootstraps the token store on first run.
	seedRefreshToken string

	// BaseURL and HTTPClient are overridable for tests.
	BaseURL    string
	HTTPClient *http.Client
}

// New builds a client from the imgur config section and a token store.
func New(cfg *config.Config, ts TokenStore) *Client {
	return &Client{
		store: ts,
		oauth: &oauth2.Config{
			ClientID:     cfg.Imgur.ClientID,
			ClientSecret: cfg.Imgur.ClientSecret,
			Endpoint:     Endpoint,
		},
		seedRefreshToken: cfg.Imgur.RefreshToken,
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 2 * time.Minute}
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

// token returns a valid access token, refreshing (and persisting) when the
// stored one is missing or close to expiry.
func (c *Client) token(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, _, err := c.store.GetOAuthToken(ctx, Provider)
	if err != nil {
		return nil, err
	}
	if refresh == "" {
		refresh = c.seedRefreshToken
	}
	if refresh == "" {
		return nil, fmt.Errorf("no imgur refresh token available")
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}
	if tok.AccessToken != "" && time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	newTok, err := c.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, fmt.Errorf("imgur token refresh: %w", err)
	}
	if err := c.store.UpsertOAuthToken(ctx, Provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, ""); err != nil {
		slog.Warn("failed to persist refreshed imgur token", slog.Any("err", err))
	}
	return newTok, nil
}

// Refresh forces a token refresh; used by the background refresher.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	tok := &oauth2.Token{RefreshToken: refreshToken}
	newTok, err := c.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
}

// Upload posts the file at path and returns the hosted URL. API failures are
// returned as *Error with the HTTP status and the server's message so callers
// can relay them to the requester.
func (c *Client) Upload(ctx context.Context, path, title, name, album string) (string, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close image file", slog.Any("err", err))
		}
	}()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	fields := map[string]string{"type": "file", "title": title, "name": name}
	if album != "" {
		fields["album"] = album
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/3/image", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := c.http().Do(req)
	if err != nil {
		return "", fmt.Errorf("imgur upload: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	var parsed struct {
		Data struct {
			Link  string          `json:"link"`
			Error json.RawMessage `json:"error"`
		} `json:"data"`
		Success bool `json:"success"`
		Status  int  `json:"status"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("imgur upload: read response: %w", err)
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &Error{StatusCode: resp.StatusCode, Message: "unparseable response"}
	}
	if resp.StatusCode != http.StatusOK || !parsed.Success {
		msg := string(parsed.Data.Error)
		// The error field is either a string or an object with a message.
		var s string
		if json.Unmarshal(parsed.Data.Error, &s) == nil {
			msg = s
		}
		return "", &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if parsed.Data.Link == "" {
		return "", &Error{StatusCode: resp.StatusCode, Message: "empty link in response"}
	}
	slog.Info("uploaded image", slog.String("link", parsed.Data.Link))
	return parsed.Data.Link, nil
}
