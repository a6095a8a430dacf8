package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CreateGeneratesID(t *testing.T) {
	m := NewManager()
	id, err := m.Create("", "dlforge-test/1.0", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "dlforge-test/1.0", st.UserAgent)
}

func TestManager_GetCreatesEphemeralSession(t *testing.T) {
	m := NewManager()
	st, err := m.Get("")
	require.NoError(t, err)
	assert.NotNil(t, st.Jar)
}

func TestPreRequest_StoresCookiesAndReferer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123", Path: "/"})
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewManager()
	sessionID, err := m.Create("", "", nil)
	require.NoError(t, err)

	result, err := m.PreRequest(context.Background(), sessionID, http.MethodGet, server.URL, nil, nil, 5*time.Second, true, 5)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, server.URL, result.FinalURL)

	headers, err := m.BuildHeaders(sessionID, server.URL, nil)
	require.NoError(t, err)
	assert.Contains(t, headers.Get("Cookie"), "session=abc123")
	assert.Equal(t, server.URL, headers.Get("Referer"))
}

func TestPreRequest_ExtraHeadersOverrideDefaults(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewManager()
	sessionID, err := m.Create("", "default-ua", nil)
	require.NoError(t, err)

	_, err = m.PreRequest(context.Background(), sessionID, http.MethodGet, server.URL, nil,
		map[string]string{"User-Agent": "custom-ua"}, 5*time.Second, true, 5)
	require.NoError(t, err)
	assert.Equal(t, "custom-ua", gotUA)
}

func TestBuildAuthHeader_Basic(t *testing.T) {
	auth := &AuthConfig{Kind: AuthBasic, Username: "alice", Password: "secret"}
	header := BuildAuthHeader(auth, http.MethodGet, "/resource")
	assert.Equal(t, "Basic YWxpY2U6c2VjcmV0", header)
}

func TestBuildAuthHeader_Bearer(t *testing.T) {
	auth := &AuthConfig{Kind: AuthBearer, Token: "tok-xyz"}
	assert.Equal(t, "Bearer tok-xyz", BuildAuthHeader(auth, http.MethodGet, "/resource"))
}

func TestDigestAuth_RequiresChallengeFirst(t *testing.T) {
	auth := &AuthConfig{Kind: AuthDigest, Username: "alice", Password: "secret"}
	assert.Empty(t, BuildAuthHeader(auth, http.MethodGet, "/resource"))

	ApplyChallenge(auth, `Digest realm="test", nonce="abc", qop="auth"`)
	header := BuildAuthHeader(auth, http.MethodGet, "/resource")
	assert.Contains(t, header, `username="alice"`)
	assert.Contains(t, header, `nonce="abc"`)
	assert.Contains(t, header, "qop=auth")
}

func TestPreRequest_TooManyRedirectsFails(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/loop", http.StatusFound)
	}))
	defer server.Close()

	m := NewManager()
	sessionID, err := m.Create("", "", nil)
	require.NoError(t, err)

	_, err = m.PreRequest(context.Background(), sessionID, http.MethodGet, server.URL, nil, nil, 5*time.Second, true, 2)
	require.Error(t, err)
}
