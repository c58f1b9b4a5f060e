// Package spysignal provides a client for the spysignal relay that seals
// everything it sends before the bytes leave the process.
package spysignal

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultBaseURL is used when no server URL is configured.
const DefaultBaseURL = "http://localhost:8080"

// ErrNotRegistered is returned by calls that need an identity before one exists.
var ErrNotRegistered = errors.New("no identity: run register first")

// Client is a spysignal relay API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	UserID     int64
	Username   string
	Token      string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	HTTPClient *http.Client
}

// Identity is the on-disk part of a registration that is safe to show.
type Identity struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Token     string `json:"token,omitempty"`
	PublicKey string `json:"public_key"`
}

// APIError is a non-2xx answer from the relay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Status, e.Message)
}

// NewClient creates a client and loads any identity saved under RELAY_CONFIG
// (default ~/.spysignal).
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	configDir := os.Getenv("RELAY_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".spysignal")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads the identity from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "identity.json"))
	if err != nil {
		return err
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}

	keyData, err := os.ReadFile(filepath.Join(c.ConfigDir, "private.key"))
	if err != nil {
		return err
	}
	seed, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(keyData)))
	if err != nil {
		return err
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("private.key: expected %d byte seed, got %d", ed25519.SeedSize, len(seed))
	}

	c.UserID = id.ID
	c.Username = id.Username
	c.Token = id.Token
	c.PrivateKey = ed25519.NewKeyFromSeed(seed)
	c.PublicKey = c.PrivateKey.Public().(ed25519.PublicKey)
	return nil
}

// SaveConfig writes the identity and the private key seed to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	data, _ := json.MarshalIndent(c.Identity(), "", "  ")
	if err := os.WriteFile(filepath.Join(c.ConfigDir, "identity.json"), data, 0600); err != nil {
		return err
	}

	keyData := base64.StdEncoding.EncodeToString(c.PrivateKey.Seed())
	return os.WriteFile(filepath.Join(c.ConfigDir, "private.key"), []byte(keyData), 0600)
}

// Identity returns the current registration.
func (c *Client) Identity() Identity {
	id := Identity{ID: c.UserID, Username: c.Username, Token: c.Token}
	if c.PublicKey != nil {
		id.PublicKey = base64.StdEncoding.EncodeToString(c.PublicKey)
	}
	return id
}

// GenerateKeypair generates a new Ed25519 identity key.
func (c *Client) GenerateKeypair() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	c.PublicKey = pub
	c.PrivateKey = priv
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, in, out interface{}, authed bool) error {
	if authed && c.Token == "" {
		return ErrNotRegistered
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// RegisterResponse is the relay's answer to a registration.
type RegisterResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Register claims a username, publishes the identity key and saves both to
// disk. Registering an existing name returns that user with a fresh token.
func (c *Client) Register(ctx context.Context, username string) (*RegisterResponse, error) {
	if c.PrivateKey == nil {
		if err := c.GenerateKeypair(); err != nil {
			return nil, err
		}
	}

	var resp RegisterResponse
	req := map[string]string{"username": username}
	if err := c.doRequest(ctx, http.MethodPost, "/api/register", req, &resp, false); err != nil {
		return nil, err
	}

	c.UserID = resp.ID
	c.Username = resp.Username
	c.Token = resp.Token

	if err := c.PublishKey(ctx); err != nil {
		return nil, fmt.Errorf("publish key: %w", err)
	}
	if err := c.SaveConfig(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PublishKey uploads the identity public key.
func (c *Client) PublishKey(ctx context.Context) error {
	if c.PublicKey == nil {
		return ErrNotRegistered
	}
	req := map[string]string{"pubkey": base64.StdEncoding.EncodeToString(c.PublicKey)}
	return c.doRequest(ctx, http.MethodPost, "/api/pubkey", req, nil, true)
}

// PeerKey fetches the public key another user published.
func (c *Client) PeerKey(ctx context.Context, userID int64) (ed25519.PublicKey, error) {
	var resp struct {
		PubKey string `json:"pubkey"`
	}
	path := "/api/pubkey/" + strconv.FormatInt(userID, 10)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, err
	}
	return DecodePublicKey(resp.PubKey)
}

// UserResult is one search hit.
type UserResult struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Search finds users by id or username fragment.
func (c *Client) Search(ctx context.Context, query string) ([]UserResult, error) {
	var resp struct {
		Results []UserResult `json:"results"`
	}
	path := "/api/users/search?query=" + url.QueryEscape(query)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

type createdResponse struct {
	OK bool  `json:"ok"`
	ID int64 `json:"id"`
}

// SendMessage seals text for the peer and stores it on the relay. A nil ttl
// keeps the message until it is deleted.
func (c *Client) SendMessage(ctx context.Context, to int64, text string, ttl *int) (int64, error) {
	key, err := c.PeerKey(ctx, to)
	if err != nil {
		return 0, err
	}
	box, err := Seal([]byte(text), key)
	if err != nil {
		return 0, err
	}

	req := struct {
		To         int64  `json:"to"`
		IV         string `json:"iv"`
		Ciphertext string `json:"ciphertext"`
		MsgType    string `json:"msg_type"`
		TTLSec     *int   `json:"ttl_sec,omitempty"`
	}{to, box.IV, box.Ciphertext, "text", ttl}

	var resp createdResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/messages", req, &resp, true); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Message is a stored message. Text is filled for incoming messages that
// opened; outgoing ones are sealed to the peer and stay unreadable here.
type Message struct {
	ID         int64     `json:"id"`
	FromID     int64     `json:"from_id"`
	ToID       int64     `json:"to_id"`
	IV         string    `json:"iv"`
	Ciphertext string    `json:"ciphertext"`
	MsgType    string    `json:"msg_type"`
	TTLSec     *int      `json:"ttl_sec"`
	CreatedAt  time.Time `json:"created_at"`

	Text       string `json:"-"`
	Outgoing   bool   `json:"-"`
	Unreadable bool   `json:"-"`
}

// Messages returns the live conversation with peer, opening what it can.
func (c *Client) Messages(ctx context.Context, peer int64) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	path := "/api/messages?peer_id=" + strconv.FormatInt(peer, 10)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}

	for i := range resp.Messages {
		m := &resp.Messages[i]
		if m.FromID == c.UserID {
			m.Outgoing = true
			continue
		}
		pt, err := Open(Sealed{IV: m.IV, Ciphertext: m.Ciphertext}, c.PrivateKey)
		if err != nil {
			m.Unreadable = true
			continue
		}
		m.Text = string(pt)
	}
	return resp.Messages, nil
}

// SendFile seals data for the peer and stores it with its name and type.
func (c *Client) SendFile(ctx context.Context, to int64, filename, mimeType string, data []byte) (int64, error) {
	key, err := c.PeerKey(ctx, to)
	if err != nil {
		return 0, err
	}
	box, err := Seal(data, key)
	if err != nil {
		return 0, err
	}

	size := int64(len(data))
	req := struct {
		To         int64   `json:"to"`
		Filename   string  `json:"filename"`
		MimeType   *string `json:"mime_type,omitempty"`
		Size       *int64  `json:"size"`
		IV         string  `json:"iv"`
		Ciphertext string  `json:"ciphertext"`
	}{To: to, Filename: filename, Size: &size, IV: box.IV, Ciphertext: box.Ciphertext}
	if mimeType != "" {
		req.MimeType = &mimeType
	}

	var resp createdResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/files", req, &resp, true); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// File is a stored file; Data holds the plaintext for incoming files.
type File struct {
	ID         int64     `json:"id"`
	FromID     int64     `json:"from_id"`
	ToID       int64     `json:"to_id"`
	Filename   string    `json:"filename"`
	MimeType   *string   `json:"mime_type"`
	Size       *int64    `json:"size"`
	IV         string    `json:"iv"`
	Ciphertext string    `json:"ciphertext"`
	CreatedAt  time.Time `json:"created_at"`

	Data     []byte `json:"-"`
	Outgoing bool   `json:"-"`
}

// Files returns the files exchanged with peer.
func (c *Client) Files(ctx context.Context, peer int64) ([]File, error) {
	var resp struct {
		Files []File `json:"files"`
	}
	path := "/api/files?peer_id=" + strconv.FormatInt(peer, 10)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}

	for i := range resp.Files {
		f := &resp.Files[i]
		if f.FromID == c.UserID {
			f.Outgoing = true
			continue
		}
		if pt, err := Open(Sealed{IV: f.IV, Ciphertext: f.Ciphertext}, c.PrivateKey); err == nil {
			f.Data = pt
		}
	}
	return resp.Files, nil
}

// Signal is a call-setup record relayed between two users.
type Signal struct {
	ID        int64           `json:"id"`
	FromID    int64           `json:"from_id"`
	ToID      int64           `json:"to_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// SendSignal queues an offer, answer, candidate or bye for the peer.
func (c *Client) SendSignal(ctx context.Context, kind string, to int64, payload json.RawMessage) (*Signal, error) {
	req := struct {
		To      int64           `json:"to"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{to, kind, payload}

	var sig Signal
	if err := c.doRequest(ctx, http.MethodPost, "/call/"+url.PathEscape(kind), req, &sig, true); err != nil {
		return nil, err
	}
	return &sig, nil
}

// Poll claims the signals waiting for this user after sinceID. Each signal is
// handed out once.
func (c *Client) Poll(ctx context.Context, sinceID int64) ([]Signal, error) {
	var resp struct {
		Signals []Signal `json:"signals"`
	}
	path := "/call/poll?since_id=" + strconv.FormatInt(sinceID, 10)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Signals, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Region    string                 `json:"region,omitempty"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}
