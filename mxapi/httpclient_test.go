package mxapi_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/hicore/mxapi"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *mxapi.HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := mxapi.NewHTTPClient(srv.URL, "hicore-test")
	return c
}

func TestLogin_Success(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/v3/login", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"user_id":"@alice:example.org","access_token":"tok","device_id":"DEV1"}`)
	})
	resp, err := c.Login(context.Background(), &mxapi.LoginRequest{Type: "m.login.password", User: "alice", Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.AccessToken)
}

func TestLogin_ErrorDecoded(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"errcode":"M_FORBIDDEN","error":"bad credentials"}`)
	})
	_, err := c.Login(context.Background(), &mxapi.LoginRequest{Type: "m.login.password"})
	require.Error(t, err)
	var apiErr *mxapi.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "M_FORBIDDEN", apiErr.ErrCode)
}

func TestSync_PassesFilterSinceAndTimeout(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, `{"room":{"state":{"lazy_load_members":true}}}`, q.Get("filter"))
		assert.Equal(t, "s1", q.Get("since"))
		assert.Equal(t, "30000", q.Get("timeout"))
		io.WriteString(w, `{"next_batch":"s2"}`)
	})
	resp, err := c.Sync(context.Background(), mxapi.DefaultSyncFilter, "s1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "s2", resp.NextBatch)
}

func TestNextTxnID_Format(t *testing.T) {
	c := mxapi.NewHTTPClient("https://example.org", "hicore-test")
	a := c.NextTxnID(1000)
	b := c.NextTxnID(1000)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "hicore-test-1-1000")
}

func TestUpload_ReturnsContentURI(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.True(t, bytes.Equal([]byte("data"), body))
		io.WriteString(w, `{"content_uri":"mxc://example.org/abc123"}`)
	})
	uri, err := c.Upload(context.Background(), []byte("data"), "text/plain", "test.txt")
	require.NoError(t, err)
	assert.Equal(t, "mxc://example.org/abc123", uri.String())
}
