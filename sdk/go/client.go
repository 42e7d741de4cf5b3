package trailheadsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Trailhead HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// TrainerID is sent as X-Trainer-Id when no token is set. The server only
	// honours it when started with --allow-trainer-header.
	TrainerID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Option is one choice offered by an event.
type Option struct {
	ID               string  `json:"id"`
	Label            string  `json:"label,omitempty"`
	SuccessRate      float64 `json:"success_rate"`
	RewardMultiplier float64 `json:"reward_multiplier"`
	RiskLevel        string  `json:"risk_level"`
}

// ExpeditionEvent is an event raised on an expedition.
type ExpeditionEvent struct {
	ID               string     `json:"id"`
	ExpeditionID     string     `json:"expedition_id"`
	Category         string     `json:"category"`
	Description      string     `json:"description"`
	Options          []Option   `json:"options"`
	ResponseRequired bool       `json:"response_required"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Expedition is a snapshot of a running expedition.
type Expedition struct {
	ID                    string            `json:"id"`
	RunID                 string            `json:"run_id"`
	TrainerID             string            `json:"trainer_id"`
	DurationMinutes       int               `json:"duration_minutes"`
	Progress              float64           `json:"progress"`
	Stage                 string            `json:"stage"`
	TimeElapsed           int               `json:"time_elapsed"`
	TimeRemaining         int               `json:"time_remaining"`
	Events                []ExpeditionEvent `json:"events"`
	TotalRewardMultiplier float64           `json:"total_reward_multiplier"`
	SuccessProbability    float64           `json:"success_probability"`
	StartedAt             time.Time         `json:"started_at"`
}

// ResponseResult is the outcome of answering an event.
type ResponseResult struct {
	ExpeditionID          string  `json:"expedition_id"`
	EventID               string  `json:"event_id"`
	OptionID              string  `json:"option_id"`
	Success               bool    `json:"success"`
	TotalRewardMultiplier float64 `json:"total_reward_multiplier"`
	SuccessProbability    float64 `json:"success_probability"`
	TimeRemaining         int     `json:"time_remaining"`
}

// Result is a completed expedition.
type Result struct {
	ExpeditionID          string  `json:"expedition_id"`
	TrainerID             string  `json:"trainer_id"`
	FinalReward           int64   `json:"final_reward"`
	TotalRewardMultiplier float64 `json:"total_reward_multiplier"`
	SuccessProbability    float64 `json:"success_probability"`
	EventsRaised          int     `json:"events_raised"`
	EventsResponded       int     `json:"events_responded"`
	EventsAutoResolved    int     `json:"events_auto_resolved"`
	CompletedAt           string  `json:"completed_at"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	ExpeditionID string         `json:"expedition_id"`
	TrainerID    string         `json:"trainer_id"`
	Payload      map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsStale reports whether err is a response to an event that was already settled.
func IsStale(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "stale_response"
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartExpedition starts an expedition for the authenticated trainer. An empty
// id lets the server pick one.
func (c *Client) StartExpedition(ctx context.Context, id string, durationMinutes int) (Expedition, error) {
	body := map[string]any{"duration_minutes": durationMinutes}
	if id != "" {
		body["id"] = id
	}
	var resp Expedition
	err := c.do(ctx, http.MethodPost, "expeditions", body, &resp)
	return resp, err
}

// Expedition returns a running expedition.
func (c *Client) Expedition(ctx context.Context, id string) (Expedition, error) {
	var resp Expedition
	err := c.do(ctx, http.MethodGet, "expeditions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// StopExpedition stops a running expedition.
func (c *Client) StopExpedition(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "expeditions/"+url.PathEscape(id), nil, nil)
}

// RaiseEvent raises an event now. An empty category is picked by the server.
func (c *Client) RaiseEvent(ctx context.Context, expeditionID, category string) (ExpeditionEvent, error) {
	body := map[string]any{}
	if category != "" {
		body["category"] = category
	}
	var resp ExpeditionEvent
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("expeditions/%s/events", url.PathEscape(expeditionID)), body, &resp)
	return resp, err
}

// Respond answers a pending event. latency is how long the player took.
func (c *Client) Respond(ctx context.Context, eventID, optionID string, latency time.Duration) (ResponseResult, error) {
	body := map[string]any{"option_id": optionID}
	if latency > 0 {
		body["latency_ms"] = latency.Milliseconds()
	}
	var resp ResponseResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("events/%s/respond", url.PathEscape(eventID)), body, &resp)
	return resp, err
}

// Results lists completed expeditions of a trainer.
func (c *Client) Results(ctx context.Context, trainerID string) ([]Result, error) {
	endpoint := "results"
	if trainerID != "" {
		endpoint += "?trainer_id=" + url.QueryEscape(trainerID)
	}
	var resp struct {
		Items []Result `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Balance returns a trainer's reward balance.
func (c *Client) Balance(ctx context.Context, trainerID string) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("trainers/%s/balance", url.PathEscape(trainerID)), nil, &resp)
	return resp.Balance, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.TrainerID != "":
		req.Header.Set("X-Trainer-Id", c.TrainerID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
