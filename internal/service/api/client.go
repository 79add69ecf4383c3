// Package api is the signed HTTP client for the messaging REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	waLog "go.mau.fi/whatsmeow/util/log"

	"blaze-sync/internal/auth"
	"blaze-sync/internal/blaze"
)

// Client calls the REST API with per-request signed tokens.
type Client struct {
	hosts  []string
	host   atomic.Int32
	http   *http.Client
	signer *auth.Signer
	log    waLog.Logger
}

// NewClient creates a Client. Hosts may be bare host names (https is
// assumed) or full base URLs.
func NewClient(hosts []string, signer *auth.Signer, timeout time.Duration, log waLog.Logger) *Client {
	return &Client{
		hosts:  hosts,
		http:   &http.Client{Timeout: timeout},
		signer: signer,
		log:    log.Sub("API"),
	}
}

// RotateHost switches to the next configured host.
func (c *Client) RotateHost() {
	if len(c.hosts) < 2 {
		return
	}
	next := (int(c.host.Load()) + 1) % len(c.hosts)
	c.host.Store(int32(next))
	c.log.Infof("Switched API host to %s", c.hosts[next])
}

func (c *Client) baseURL() string {
	h := c.hosts[int(c.host.Load())%len(c.hosts)]
	if strings.Contains(h, "://") {
		return strings.TrimSuffix(h, "/")
	}
	return "https://" + h
}

type response struct {
	Data  json.RawMessage `json:"data"`
	Error *blaze.Error    `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
	}

	token, _, err := c.signer.SignToken(method, path, payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &blaze.Error{Status: resp.StatusCode, Code: blaze.CodeUnauthorized, Description: "unauthorized"}
	}
	if resp.StatusCode >= 500 {
		return &blaze.Error{Status: resp.StatusCode, Code: resp.StatusCode, Description: resp.Status}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if r.Error != nil {
		return r.Error
	}
	if out != nil && len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}

// Acknowledge posts a batch of message receipts.
func (c *Client) Acknowledge(ctx context.Context, acks []AckRequest) error {
	return c.do(ctx, http.MethodPost, "/acknowledgements", acks, nil)
}

// GetConversation fetches a conversation with its participants and
// participant sessions.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+id, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversation creates a conversation server-side. Creating an
// existing conversation returns it.
func (c *Client) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// FetchSessions returns the device sessions of users.
func (c *Client) FetchSessions(ctx context.Context, userIDs []string) ([]UserSession, error) {
	var sessions []UserSession
	if err := c.do(ctx, http.MethodPost, "/sessions/fetch", userIDs, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetAttachment resolves an attachment id to its download URL.
func (c *Client) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	var a Attachment
	if err := c.do(ctx, http.MethodGet, "/attachments/"+id, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Download fetches a pre-signed URL. Bodies over limit bytes are rejected
// when limit is positive.
func (c *Client) Download(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		code := resp.StatusCode
		if code == http.StatusForbidden || code == http.StatusNotFound {
			return nil, &blaze.Error{Status: code, Code: code, Description: "attachment unavailable"}
		}
		return nil, &blaze.Error{Status: code, Code: blaze.CodeServerError, Description: resp.Status}
	}

	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: attachment over %d bytes", blaze.ErrInvalidLocal, limit)
	}
	return data, nil
}
