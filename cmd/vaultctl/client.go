package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// apiError is returned for non-2xx responses.
type apiError struct {
	Status  int
	Message string
	Kind    string
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	token  string

	// idempotencyKey is sent on mutating requests; empty generates one.
	idempotencyKey string
}

func callAPI(req request) (json.RawMessage, error) {
	target := strings.TrimRight(apiEndpoint, "/") + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	var reader io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequest(req.method, target, reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	token := strings.TrimSpace(req.token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(tokenEnv))
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if req.method != http.MethodGet {
		key := strings.TrimSpace(req.idempotencyKey)
		if key == "" {
			key = uuid.NewString()
		}
		httpReq.Header.Set("Idempotency-Key", key)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.method, target, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(data))
		}
		return nil, &apiError{Status: resp.StatusCode, Message: body.Error, Kind: body.Kind}
	}
	return json.RawMessage(data), nil
}

func writeResult(w io.Writer, raw json.RawMessage) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	pretty, _ := json.MarshalIndent(decoded, "", "  ")
	fmt.Fprintln(w, string(pretty))
}

func assetPath(asset, suffix string) string {
	return "/v1/assets/" + url.PathEscape(strings.TrimSpace(asset)) + suffix
}

func adminAssetPath(asset, suffix string) string {
	return "/admin/assets/" + url.PathEscape(strings.TrimSpace(asset)) + suffix
}
