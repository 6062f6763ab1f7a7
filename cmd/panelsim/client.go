package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ent0n29/mockpanel/internal/panel"
)

type apiClient struct {
	baseURL string
	http    *http.Client
}

type sessionEnvelope struct {
	Session struct {
		ID     string `json:"session_id"`
		Status string `json:"status"`
		Mode   string `json:"mode"`
	} `json:"session"`
	Panel *panel.Session `json:"panel,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *apiClient) createSession(ctx context.Context, candidate string) (sessionEnvelope, error) {
	var out sessionEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/panel/session", map[string]any{"candidate_name": candidate}, http.StatusCreated, &out)
	if err == nil && strings.TrimSpace(out.Session.ID) == "" {
		err = fmt.Errorf("missing session_id in response")
	}
	return out, err
}

func (c *apiClient) ask(ctx context.Context, sessionID string) (panel.Turn, error) {
	var turn panel.Turn
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/ask"), nil, http.StatusOK, &turn)
	return turn, err
}

func (c *apiClient) submit(ctx context.Context, sessionID, text string) (panel.Response, error) {
	var resp panel.Response
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/response"), map[string]string{"text": text}, http.StatusOK, &resp)
	return resp, err
}

func (c *apiClient) end(ctx context.Context, sessionID string) (sessionEnvelope, error) {
	var out sessionEnvelope
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/end"), nil, http.StatusOK, &out)
	return out, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != want {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s %s: HTTP %d %s: %s", method, path, res.StatusCode, apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func sessionPath(sessionID, suffix string) string {
	return "/v1/panel/session/" + url.PathEscape(sessionID) + suffix
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/panel/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
