package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPExchanger calls the ledger's auth endpoints.
type HTTPExchanger struct {
	baseURL string
	client  *http.Client
}

// NewHTTPExchanger creates an exchanger for {baseURL}/api/auth/*
func NewHTTPExchanger(baseURL string, client *http.Client) *HTTPExchanger {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExchanger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (h *HTTPExchanger) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	return h.post(ctx, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
}

func (h *HTTPExchanger) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return h.post(ctx, "/api/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	})
}

func (h *HTTPExchanger) post(ctx context.Context, path string, body any) (*TokenResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s failed (status %d): %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%s returned no access token", path)
	}
	return &tr, nil
}
