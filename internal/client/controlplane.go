package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credentials supplies the bearer credential of the current user.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential. The empty token means signed out.
type StaticToken string

// Token returns the token, or ErrAuthenticationMissing when empty.
func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrAuthenticationMissing
	}
	return string(t), nil
}

// ControlPlane is an HTTP client for the relay's control-plane API.
type ControlPlane struct {
	baseURL    string
	httpClient *http.Client
}

// NewControlPlane creates a control-plane client.
func NewControlPlane(baseURL string) *ControlPlane {
	return &ControlPlane{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateRoomResponse is returned by POST /rooms.
type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
}

// JoinRoomResponse is returned by POST /rooms/:id/join.
type JoinRoomResponse struct {
	Joined bool   `json:"joined"`
	RoomID string `json:"room_id"`
}

// RunRequest asks the relay to execute code and publish the output to the room.
type RunRequest struct {
	Language string `json:"language"`
	Code     string `json:"code,omitempty"`
}

// RunResponse is returned by POST /rooms/:id/run.
type RunResponse struct {
	Accepted bool `json:"accepted"`
}

// ErrorResponse represents an error response from the control plane.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateRoom calls POST /rooms and returns the new room id.
func (c *ControlPlane) CreateRoom(ctx context.Context, token string) (string, error) {
	var resp CreateRoomResponse
	if err := c.post(ctx, token, "/rooms", nil, http.StatusCreated, &resp); err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	return resp.RoomID, nil
}

// JoinRoom calls POST /rooms/:id/join. Unknown rooms yield ErrRoomNotFound.
func (c *ControlPlane) JoinRoom(ctx context.Context, token, roomID string) error {
	var resp JoinRoomResponse
	if err := c.post(ctx, token, "/rooms/"+url.PathEscape(roomID)+"/join", nil, http.StatusOK, &resp); err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	return nil
}

// Run calls POST /rooms/:id/run. The output arrives later as an execution-result event.
func (c *ControlPlane) Run(ctx context.Context, token, roomID string, req *RunRequest) error {
	var resp RunResponse
	if err := c.post(ctx, token, "/rooms/"+url.PathEscape(roomID)+"/run", req, http.StatusAccepted, &resp); err != nil {
		return fmt.Errorf("failed to request execution: %w", err)
	}
	return nil
}

func (c *ControlPlane) post(ctx context.Context, token, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		respBody, _ := io.ReadAll(resp.Body)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrRoomNotFound
		case http.StatusUnauthorized:
			return ErrAuthenticationMissing
		}
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("control plane error: %s", errResp.Error)
		}
		return fmt.Errorf("control plane returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
