// Package client talks to the GM server's HTTP surface: the out-of-band
// confirmation calls (apply/discard), conversation listing and loading, and
// history truncation. These are independent request/response operations,
// deliberately outside the frame stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jddlt/arboris-novel/internal/protocol"
)

type Client struct {
	base    string
	project string
	http    *http.Client
}

// New builds a client for one project. baseURL is the server root, e.g.
// "http://localhost:8700".
func New(baseURL, projectID string) *Client {
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		project: projectID,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// WebsocketURL derives the stream endpoint from the HTTP base.
func (c *Client) WebsocketURL() string {
	ws := c.base
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return fmt.Sprintf("%s/api/projects/%s/gm/ws", ws, c.project)
}

// Apply executes previously proposed actions and reports per-id outcomes.
func (c *Client) Apply(ctx context.Context, ids []string) (*protocol.ApplyResponse, error) {
	var resp protocol.ApplyResponse
	err := c.postJSON(ctx, c.gmPath("apply"), protocol.ApplyRequest{ActionIDs: ids}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Discard abandons previously proposed actions.
func (c *Client) Discard(ctx context.Context, ids []string) (int, error) {
	var resp protocol.DiscardResponse
	err := c.postJSON(ctx, c.gmPath("discard"), protocol.DiscardRequest{ActionIDs: ids}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.DiscardedCount, nil
}

// Truncate rolls the conversation back to its first keep messages and
// returns the resulting message count.
func (c *Client) Truncate(ctx context.Context, conversationID string, keep int) (int, error) {
	var resp protocol.TruncateResponse
	path := c.gmPath("conversations/" + conversationID + "/truncate")
	err := c.postJSON(ctx, path, protocol.TruncateRequest{KeepCount: keep}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.MessageCount, nil
}

// Conversations lists the project's conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]protocol.ConversationSummary, error) {
	var out []protocol.ConversationSummary
	if err := c.getJSON(ctx, c.gmPath("conversations"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversation fetches one conversation with its full message history and
// action records.
func (c *Client) Conversation(ctx context.Context, id string) (*protocol.ConversationDetail, error) {
	var out protocol.ConversationDetail
	if err := c.getJSON(ctx, c.gmPath("conversations/"+id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) gmPath(suffix string) string {
	return fmt.Sprintf("%s/api/projects/%s/gm/%s", c.base, c.project, suffix)
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("client: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("client: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
