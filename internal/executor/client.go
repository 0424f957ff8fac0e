// Package executor provides an HTTP client for a Piston-compatible code execution engine.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnsupportedLanguage is returned for languages without a pinned runtime version.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Versions pins the runtime version used for each selectable language.
var Versions = map[string]string{
	"javascript": "18.15.0",
	"typescript": "5.0.3",
	"python":     "3.10.0",
	"java":       "15.0.2",
	"csharp":     "6.12.0",
	"php":        "8.2.3",
}

// Client is an HTTP client for the execution engine.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new execution engine client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// File is one source file of an execution.
type File struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Files    []File `json:"files"`
}

// Stage is the result of the compile or run stage.
type Stage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Output string  `json:"output"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

// ExecuteResponse is the response of POST /execute.
type ExecuteResponse struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Run      Stage  `json:"run"`
	Compile  *Stage `json:"compile,omitempty"`
}

// Text returns the output to show to the room: compiler output when compilation
// failed, otherwise the combined run output.
func (r *ExecuteResponse) Text() string {
	if r.Compile != nil && r.Compile.Code != nil && *r.Compile.Code != 0 {
		return r.Compile.Output
	}
	return r.Run.Output
}

// ErrorResponse represents an error response from the engine.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Execute calls POST /execute.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call execution engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			return nil, fmt.Errorf("execution engine error: %s", errResp.Message)
		}
		return nil, fmt.Errorf("execution engine returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var execResp ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&execResp); err != nil {
		return nil, fmt.Errorf("failed to decode execute response: %w", err)
	}
	return &execResp, nil
}

// Run executes code in language with its pinned version and returns the output text.
func (c *Client) Run(ctx context.Context, language, code string) (string, error) {
	version, ok := Versions[language]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	resp, err := c.Execute(ctx, &ExecuteRequest{
		Language: language,
		Version:  version,
		Files:    []File{{Content: code}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
