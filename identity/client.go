// Package identity talks to the identity service that publishes user key
// cards and stores password-wrapped key backups.
package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sealtalk/config"
)

var (
	// ErrNotFound indicates the identity has no card or backup.
	ErrNotFound = errors.New("identity: not found")
	// ErrAlreadyExists indicates a card is already registered for the identity.
	ErrAlreadyExists = errors.New("identity: already exists")
	// ErrUnauthorized indicates a request signature was rejected.
	ErrUnauthorized = errors.New("identity: unauthorized")
)

const (
	// DefaultRequestTimeout bounds one identity service round trip.
	DefaultRequestTimeout = 15 * time.Second
	// SignatureHeader carries the base64 Ed25519 signature of a backup body.
	SignatureHeader = "X-Signature"
)

// Card is the public key record of one identity.
type Card struct {
	Identity  string `json:"identity"`
	PublicKey []byte `json:"public_key"`
}

type backupBody struct {
	Blob []byte `json:"blob"`
}

// Client is an HTTP client of the identity service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for serviceURL trusting caBundle when set.
func NewClient(serviceURL, caBundle string) (*Client, error) {
	parsed, err := url.Parse(serviceURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid identity service url %q", serviceURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if parsed.Scheme == "https" {
		tlsConfig, err := config.ClientTLSConfig(parsed.Hostname(), caBundle)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(serviceURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   DefaultRequestTimeout,
		},
	}, nil
}

// PublishCard registers publicKey for identity.
func (c *Client) PublishCard(ctx context.Context, identity string, publicKey ed25519.PublicKey) error {
	body, err := json.Marshal(Card{Identity: identity, PublicKey: publicKey})
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/cards", body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrAlreadyExists
	default:
		return unexpectedStatus("publish card", resp)
	}
}

// FindCard returns the registered public key of identity.
func (c *Client) FindCard(ctx context.Context, identity string) (ed25519.PublicKey, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/cards/"+url.PathEscape(identity), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, unexpectedStatus("find card", resp)
	}

	var card Card
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("decode card: %w", err)
	}
	if len(card.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("card for %q has invalid key length %d", identity, len(card.PublicKey))
	}
	return ed25519.PublicKey(card.PublicKey), nil
}

// StoreBackup uploads a wrapped key blob signed by the identity key.
func (c *Client) StoreBackup(ctx context.Context, identity string, blob, signature []byte) error {
	body, err := json.Marshal(backupBody{Blob: blob})
	if err != nil {
		return fmt.Errorf("marshal backup: %w", err)
	}
	headers := map[string]string{SignatureHeader: base64.StdEncoding.EncodeToString(signature)}
	resp, err := c.do(ctx, http.MethodPut, "/v1/backups/"+url.PathEscape(identity), body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return unexpectedStatus("store backup", resp)
	}
}

// FetchBackup downloads the wrapped key blob of identity.
func (c *Client) FetchBackup(ctx context.Context, identity string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/backups/"+url.PathEscape(identity), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, unexpectedStatus("fetch backup", resp)
	}

	var backup backupBody
	if err := json.NewDecoder(resp.Body).Decode(&backup); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	return backup.Blob, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func unexpectedStatus(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
}
