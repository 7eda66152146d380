package mxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/hicore/id"
)

// HTTPClient is the MatrixApi implementation used in production: a thin
// wrapper over net/http and the Matrix Client-Server HTTP API, built
// directly against gjson/sjson-friendly json.RawMessage bodies rather than
// a third-party Matrix SDK, so the generic-JSON event model upstream never
// has to round-trip through someone else's typed structs.
type HTTPClient struct {
	HomeserverURL string
	AccessToken   string
	UserAgent     string
	ClientName    string

	HTTPClient *http.Client

	txnCounter atomic.Int64
}

// NewHTTPClient constructs an HTTPClient for homeserverURL, with a 60s
// timeout on the underlying http.Client (callers performing long-poll
// sync requests pass their own timeout via ctx/request params instead).
func NewHTTPClient(homeserverURL, clientName string) *HTTPClient {
	return &HTTPClient{
		HomeserverURL: strings.TrimSuffix(strings.TrimSpace(homeserverURL), "/"),
		ClientName:    clientName,
		UserAgent:     "hicore/1.0",
		HTTPClient:    &http.Client{Timeout: 60 * time.Second},
	}
}

// NextTxnID produces a transaction ID of the documented
// "{clientName}-{counter}-{nowMs}" form, monotone per session.
func (c *HTTPClient) NextTxnID(nowMs int64) string {
	n := c.txnCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d", c.ClientName, n, nowMs)
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	log := zerolog.Ctx(ctx)
	u := c.HomeserverURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr Error
		_ = json.Unmarshal(respBody, &apiErr)
		log.Debug().Int("status", resp.StatusCode).Str("errcode", apiErr.ErrCode).Str("path", path).Msg("Matrix API request failed")
		return &apiErr
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response body: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Register(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", url.Values{"kind": {"user"}}, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Logout(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/logout", nil, struct{}{}, nil)
}

func (c *HTTPClient) LogoutAll(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/logout/all", nil, struct{}{}, nil)
}

func (c *HTTPClient) Sync(ctx context.Context, filter string, since string, timeout time.Duration) (*SyncResponse, error) {
	query := url.Values{"filter": {filter}}
	if since != "" {
		query.Set("since", since)
	}
	if timeout > 0 {
		query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	}
	var resp SyncResponse
	if err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) SendToDevice(ctx context.Context, eventType string, txnID string, payload map[id.UserID]map[id.DeviceID]json.RawMessage) error {
	body := map[string]any{"messages": payload}
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s", url.PathEscape(eventType), url.PathEscape(txnID))
	return c.doRequest(ctx, http.MethodPut, path, nil, body, nil)
}

func (c *HTTPClient) RequestDeviceKeys(ctx context.Context, users []id.UserID, timeout time.Duration) (*DeviceKeysQueryResponse, error) {
	deviceKeys := make(map[id.UserID][]string, len(users))
	for _, u := range users {
		deviceKeys[u] = []string{}
	}
	body := map[string]any{
		"device_keys": deviceKeys,
		"timeout":     timeout.Milliseconds(),
	}
	var resp DeviceKeysQueryResponse
	if err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) RequestProfile(ctx context.Context, userID id.UserID) (*Profile, error) {
	var resp Profile
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID.String())
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) RequestSupportedVersions(ctx context.Context) (*SupportedVersions, error) {
	var resp SupportedVersions
	if err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/versions", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) RequestLoginTypes(ctx context.Context) (*LoginFlows, error) {
	var resp LoginFlows
	if err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/login", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Upload(ctx context.Context, data []byte, contentType, fileName string) (id.ContentURI, error) {
	query := url.Values{}
	if fileName != "" {
		query.Set("filename", fileName)
	}
	u := c.HomeserverURL + "/_matrix/media/v3/upload"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr Error
		_ = json.Unmarshal(respBody, &apiErr)
		return id.ContentURI{}, &apiErr
	}
	var parsed struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return id.ParseContentURI(parsed.ContentURI)
}

func (c *HTTPClient) Download(ctx context.Context, uri id.ContentURI) (io.ReadCloser, error) {
	downloadURL, err := uri.DownloadURL(c.HomeserverURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport error: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var apiErr Error
		_ = json.Unmarshal(respBody, &apiErr)
		return nil, &apiErr
	}
	return resp.Body, nil
}

func (c *HTTPClient) SetAvatarURL(ctx context.Context, userID id.UserID, uri id.ContentURI) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID.String()) + "/avatar_url"
	return c.doRequest(ctx, http.MethodPut, path, nil, map[string]string{"avatar_url": uri.String()}, nil)
}

func (c *HTTPClient) EnablePushRule(ctx context.Context, scope, kind, ruleID string, enabled bool) error {
	path := fmt.Sprintf("/_matrix/client/v3/pushrules/%s/%s/%s/enabled",
		url.PathEscape(scope), url.PathEscape(kind), url.PathEscape(ruleID))
	return c.doRequest(ctx, http.MethodPut, path, nil, map[string]bool{"enabled": enabled}, nil)
}

func (c *HTTPClient) SetAccountData(ctx context.Context, userID id.UserID, evtType string, content json.RawMessage) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/account_data/%s", url.PathEscape(userID.String()), url.PathEscape(evtType))
	return c.doRequest(ctx, http.MethodPut, path, nil, content, nil)
}

func (c *HTTPClient) ChangePassword(ctx context.Context, newPassword string, auth json.RawMessage) (*UIAResponse, error) {
	body := map[string]any{"new_password": newPassword}
	if len(auth) > 0 {
		body["auth"] = auth
	}
	var resp UIAResponse
	if err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/account/password", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason, txnID string) error {
	if txnID == "" {
		txnID = c.NextTxnID(time.Now().UnixMilli())
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s",
		url.PathEscape(roomID.String()), url.PathEscape(eventID.String()), url.PathEscape(txnID))
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPut, path, nil, body, nil)
}

var _ MatrixApi = (*HTTPClient)(nil)
