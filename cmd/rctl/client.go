package main

import (
	"bufio"
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

	"github.com/fyrsmithlabs/reflectd/internal/companion"
	apihttp "github.com/fyrsmithlabs/reflectd/internal/http"
)

// apiClient issues JSON requests against the reflectd API.
type apiClient struct {
	base   string
	userID string
	http   *http.Client
	// stream has no overall timeout; answers end when the server closes.
	stream *http.Client
}

func newAPIClient(base, userID string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		userID: userID,
		http:   &http.Client{Timeout: timeout},
		stream: &http.Client{},
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set(apihttp.HeaderUserID, c.userID)
	}
	return req, nil
}

// do sends a JSON request and decodes a 2xx response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ask posts a question and copies streamed tokens to w as they arrive.
func (c *apiClient) ask(ctx context.Context, threadID string, body apihttp.AskRequest, w io.Writer) (companion.Answer, error) {
	path := "/api/v1/threads/" + url.PathEscape(threadID) + "/ask"
	req, err := c.newRequest(ctx, "POST", path, body)
	if err != nil {
		return companion.Answer{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return companion.Answer{}, fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return companion.Answer{}, statusError(resp)
	}

	var answer companion.Answer
	err = readEvents(resp.Body, func(name string, data []byte) (bool, error) {
		switch name {
		case "token":
			var ev apihttp.TokenEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return false, fmt.Errorf("bad token event: %w", err)
			}
			_, err := io.WriteString(w, ev.Token)
			return false, err
		case "error":
			var ev apihttp.ErrorEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return false, fmt.Errorf("bad error event: %w", err)
			}
			return true, errors.New(ev.Error)
		case "done":
			if err := json.Unmarshal(data, &answer); err != nil {
				return true, fmt.Errorf("bad done event: %w", err)
			}
			return true, nil
		}
		return false, nil
	})
	return answer, err
}

// readEvents parses a text/event-stream body, calling fn for each event
// until fn reports done or the body ends.
func readEvents(r io.Reader, fn func(name string, data []byte) (bool, error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var name string
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name == "" && data == nil {
				continue
			}
			done, err := fn(name, data)
			if err != nil || done {
				return err
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != nil {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return errors.New("event stream ended before completion")
}

func statusError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, err)
	}
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg.Message)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
