/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package actuator

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

	"github.com/NexusGPU/slowmode/internal/utils"
)

const (
	defaultRESTTimeout = 10 * time.Second
	requestIDLength    = 16

	RequestIDHeader = "X-Request-Id"
	// AuditReasonHeader carries a human readable reason to platforms that
	// keep an audit log of channel edits
	AuditReasonHeader = "X-Audit-Log-Reason"
)

type channelPatch struct {
	RateLimitPerUser int `json:"rate_limit_per_user"`
}

// REST applies actuation through `PATCH {baseURL}/channels/{id}`.
type REST struct {
	baseURL    string
	authHeader string
	reason     string
	timeout    time.Duration
	client     *http.Client
}

type RESTOption func(*REST)

func WithHTTPClient(c *http.Client) RESTOption {
	return func(r *REST) {
		r.client = c
	}
}

// WithTimeout bounds each request. It applies to a copy of the client, so a
// client passed through WithHTTPClient is never modified.
func WithTimeout(d time.Duration) RESTOption {
	return func(r *REST) {
		r.timeout = d
	}
}

// WithAuthorization sets the raw Authorization header value, e.g. "Bot <token>".
func WithAuthorization(value string) RESTOption {
	return func(r *REST) {
		r.authHeader = value
	}
}

func WithAuditReason(reason string) RESTOption {
	return func(r *REST) {
		r.reason = reason
	}
}

func NewREST(baseURL string, opts ...RESTOption) (*REST, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid actuator base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid actuator base url %q: scheme must be http or https", baseURL)
	}
	r := &REST{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		reason:  "adaptive slowmode",
		client:  &http.Client{Timeout: defaultRESTTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.timeout > 0 {
		client := *r.client
		client.Timeout = r.timeout
		r.client = &client
	}
	return r, nil
}

func (r *REST) Apply(ctx context.Context, entityID string, value int) (int, error) {
	applied, err := r.patch(ctx, entityID, value)
	if err != nil {
		return 0, &Error{EntityID: entityID, Value: value, Err: err}
	}
	return applied, nil
}

func (r *REST) patch(ctx context.Context, entityID string, value int) (int, error) {
	body, err := json.Marshal(channelPatch{RateLimitPerUser: value})
	if err != nil {
		return 0, err
	}

	endpoint := fmt.Sprintf("%s/channels/%s", r.baseURL, url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, utils.NewShortID(requestIDLength))
	if r.reason != "" {
		req.Header.Set(AuditReasonHeader, url.QueryEscape(r.reason))
	}
	if r.authHeader != "" {
		req.Header.Set(utils.AuthorizationHeader, r.authHeader)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return value, nil
	}
	var applied struct {
		RateLimitPerUser *int `json:"rate_limit_per_user"`
	}
	if err := json.Unmarshal(respBody, &applied); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	// a missing rate limit means the platform reports it as off
	if applied.RateLimitPerUser == nil {
		return 0, nil
	}
	return *applied.RateLimitPerUser, nil
}
