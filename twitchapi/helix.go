// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs:
// user id resolution, live stream metadata, followed channels and EventSub
// subscription management.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const helixBase = "https://api.twitch.tv/helix"

// ErrUnauthorized is returned when Helix rejects the bearer token.
var ErrUnauthorized = errors.New("twitch: unauthorized")

// APIError is a non-2xx Helix response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// HelixClient provides the Helix calls the recorder needs. App-token calls use
// AppTokenSource; calls made on behalf of a user (followed channels) use UserToken.
type HelixClient struct {
	AppTokenSource *TokenSource
	UserToken      func(ctx context.Context) (string, error)
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) client() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// Stream is one entry of GET /helix/streams.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Tags        []string  `json:"tags"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// FollowedChannel is one entry of GET /helix/channels/followed.
type FollowedChannel struct {
	BroadcasterID    string    `json:"broadcaster_id"`
	BroadcasterLogin string    `json:"broadcaster_login"`
	BroadcasterName  string    `json:"broadcaster_name"`
	FollowedAt       time.Time `json:"followed_at"`
}

// Subscription describes an EventSub subscription as returned by Helix.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
}

// do issues a Helix request with the given bearer token and decodes the JSON response into out.
func (hc *HelixClient) do(ctx context.Context, method, path string, query url.Values, token string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	u := helixBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.client().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// appCall runs fn with the app token, refreshing the token once on ErrUnauthorized.
func (hc *HelixClient) appCall(ctx context.Context, fn func(token string) error) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	err = fn(tok)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	hc.AppTokenSource.Invalidate()
	if tok, err = hc.AppTokenSource.Get(ctx); err != nil {
		return err
	}
	return fn(tok)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := hc.appCall(ctx, func(tok string) error {
		return hc.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, tok, nil, &body)
	})
	if err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// GetStream returns the live stream of a broadcaster, or nil when the broadcaster is offline.
func (hc *HelixClient) GetStream(ctx context.Context, broadcasterID string) (*Stream, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	err := hc.appCall(ctx, func(tok string) error {
		q := url.Values{"user_id": {broadcasterID}, "type": {"live"}}
		return hc.do(ctx, http.MethodGet, "/streams", q, tok, nil, &body)
	})
	if err != nil {
		return nil, err
	}
	for i := range body.Data {
		if body.Data[i].Type == "live" || body.Data[i].Type == "" {
			return &body.Data[i], nil
		}
	}
	return nil, nil
}

// GetFollowedChannels pages through every channel userID follows. It needs a user token
// with the user:read:follows scope.
func (hc *HelixClient) GetFollowedChannels(ctx context.Context, userID string) ([]FollowedChannel, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	if hc.UserToken == nil {
		return nil, errors.New("followed channels require a user token")
	}
	tok, err := hc.UserToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("user token: %w", err)
	}
	var out []FollowedChannel
	after := ""
	for {
		q := url.Values{"user_id": {userID}, "first": {"100"}}
		if after != "" {
			q.Set("after", after)
		}
		var body struct {
			Data       []FollowedChannel `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.do(ctx, http.MethodGet, "/channels/followed", q, tok, nil, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" || len(body.Data) == 0 {
			return out, nil
		}
		after = body.Pagination.Cursor
	}
}

// CreateEventSubSubscription registers a webhook subscription of subType for broadcasterID.
// A 409 (already subscribed) is not an error.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, subType, version, broadcasterID, callback, secret string) (*Subscription, error) {
	reqBody := map[string]any{
		"type":      subType,
		"version":   version,
		"condition": map[string]string{"broadcaster_user_id": broadcasterID},
		"transport": map[string]string{"method": "webhook", "callback": callback, "secret": secret},
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	err := hc.appCall(ctx, func(tok string) error {
		return hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, tok, reqBody, &body)
	})
	if err != nil {
		if isConflict(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("eventsub: empty subscription response")
	}
	return &body.Data[0], nil
}

func isConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}
