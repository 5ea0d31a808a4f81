// Package rag talks to the retrieval-augmented generation engine that drafts
// support answers for a confirmed product version.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedResponse is returned when the engine answers with a body that cannot be decoded.
var ErrMalformedResponse = errors.New("rag: malformed response")

// Config describes how to reach the RAG engine.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client sends answer requests to the RAG engine.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient validates the configuration and returns a ready-to-use client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("rag: base URL required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Message is one turn of the captured conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnswerRequest asks the engine to answer a question scoped to a product version.
type AnswerRequest struct {
	ItemID        string    `json:"item_id"`
	ChannelID     string    `json:"channel_id,omitempty"`
	Version       string    `json:"version"`
	Question      string    `json:"question"`
	Clarification string    `json:"clarification,omitempty"`
	History       []Message `json:"history,omitempty"`
}

// Source is a supporting document returned with an answer.
type Source struct {
	Title        string `json:"title"`
	Type         string `json:"type"`
	Content      string `json:"content"`
	VersionScope string `json:"version_scope"`
}

// AnswerResponse is the engine's drafted answer.
type AnswerResponse struct {
	Answer        string   `json:"answer"`
	Sources       []Source `json:"sources"`
	Confidence    *float64 `json:"confidence"`
	RoutingAction string   `json:"routing_action"`
}

// StatusError carries a non-2xx response from the engine.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rag: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Answer asks the engine for a drafted reply.
func (c *Client) Answer(ctx context.Context, req AnswerRequest) (*AnswerResponse, error) {
	if strings.TrimSpace(req.Version) == "" {
		return nil, errors.New("rag: version required")
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, errors.New("rag: question required")
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/answers", req)
	if err != nil {
		return nil, err
	}

	var out AnswerResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &out, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	body := bytes.NewBuffer(nil)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("rag: failed to encode payload: %w", err)
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("rag: request build failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rag: read response failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return data, nil
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
