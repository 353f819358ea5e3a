package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonSecurity/ferry/pkg/bare"
	"github.com/DragonSecurity/ferry/pkg/util"
)

func newRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := newHandler(Config{}, util.NewLogger("test"))
	srv := httptest.NewServer(routes(h))
	t.Cleanup(srv.Close)
	return srv
}

func barePath(srv *httptest.Server) string {
	return srv.URL + "/bare/" + bare.APIVersion + "/"
}

func decodeWireError(t *testing.T, resp *http.Response) *bare.RequestError {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	e := bare.DecodeError(resp.StatusCode, body)
	require.NotNil(t, e, "expected an error envelope, got %q", body)
	return e
}

func TestIndexListsVersions(t *testing.T) {
	srv := newRelayServer(t)
	resp, err := http.Get(srv.URL + "/bare/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var index struct {
		Versions []string `json:"versions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&index))
	assert.Equal(t, []string{"v3"}, index.Versions)
}

func TestFetchWrapsUpstreamResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Custom", "yes")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	}))
	defer upstream.Close()
	srv := newRelayServer(t)

	req, _ := http.NewRequest(http.MethodGet, barePath(srv), nil)
	req.Header.Set(bare.HeaderURL, upstream.URL)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode, "wrapper status is fixed")
	assert.Equal(t, "404", resp.Header.Get(bare.HeaderStatus))
	assert.Equal(t, "Not Found", resp.Header.Get(bare.HeaderStatusText))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	snapshot := bare.DecodeHeaders(resp.Header.Get(bare.HeaderHeaders))
	assert.Equal(t, "yes", snapshot["x-custom"])
	assert.NotContains(t, snapshot, "content-security-policy", "deny-listed header dropped")

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "nope", string(body))
}

func TestFetchResolvesHostPortTriple(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deep/path", r.URL.Path)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()
	srv := newRelayServer(t)

	host := strings.TrimPrefix(upstream.URL, "http://")
	hostname, port, _ := strings.Cut(host, ":")

	req, _ := http.NewRequest(http.MethodGet, barePath(srv), nil)
	req.Header.Set(bare.HeaderHost, hostname)
	req.Header.Set(bare.HeaderPort, port)
	req.Header.Set(bare.HeaderProtocol, "http:")
	req.Header.Set(bare.HeaderPath, "/deep/path")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "200", resp.Header.Get(bare.HeaderStatus))
}

func TestFetchMissingTarget(t *testing.T) {
	srv := newRelayServer(t)
	resp, err := http.Get(barePath(srv))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e := decodeWireError(t, resp)
	assert.Equal(t, bare.CodeMissingURL, e.Code)
	assert.NotEmpty(t, e.ID)
}

func TestFetchUnsupportedProtocol(t *testing.T) {
	srv := newRelayServer(t)
	req, _ := http.NewRequest(http.MethodGet, barePath(srv), nil)
	req.Header.Set(bare.HeaderURL, "ftp://example.com/file")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, bare.CodeUnsupportedProtocol, decodeWireError(t, resp).Code)
}

func TestFetchMalformedSidecarHeaders(t *testing.T) {
	srv := newRelayServer(t)
	req, _ := http.NewRequest(http.MethodGet, barePath(srv), nil)
	req.Header.Set(bare.HeaderURL, "http://example.com/")
	req.Header.Set(bare.HeaderHeaders, "{not json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, bare.CodeInvalidHeaders, decodeWireError(t, resp).Code)
}

func TestFetchDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.example.com/", http.StatusFound)
	}))
	defer upstream.Close()
	srv := newRelayServer(t)

	req, _ := http.NewRequest(http.MethodGet, barePath(srv), nil)
	req.Header.Set(bare.HeaderURL, upstream.URL)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "302", resp.Header.Get(bare.HeaderStatus))
	snapshot := bare.DecodeHeaders(resp.Header.Get(bare.HeaderHeaders))
	assert.Equal(t, "https://elsewhere.example.com/", snapshot["location"])
}

func TestFetchForwardAndPassLists(t *testing.T) {
	var seenToken string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenToken = r.Header.Get("X-Token")
		w.Header().Set("X-Frame-Options", "DENY")
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()
	srv := newRelayServer(t)

	req, _ := http.NewRequest(http.MethodGet, barePath(srv), nil)
	req.Header.Set(bare.HeaderURL, upstream.URL)
	req.Header.Set(bare.HeaderHeaders, `{"accept":"*/*"}`)
	req.Header.Set("X-Token", "s3cret")
	req.Header.Set(bare.HeaderForwardHeaders, "x-token")
	req.Header.Set(bare.HeaderPassHeaders, "x-frame-options")
	req.Header.Set(bare.HeaderPassStatus, "418")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "s3cret", seenToken, "forwarded header reaches the target")
	assert.Equal(t, http.StatusTeapot, resp.StatusCode, "pass-status propagates literally")
	snapshot := bare.DecodeHeaders(resp.Header.Get(bare.HeaderHeaders))
	assert.Equal(t, "DENY", snapshot["x-frame-options"], "pass-headers bypasses the deny-list")
}

func TestFetchErrorOnUnreachableTarget(t *testing.T) {
	srv := newRelayServer(t)
	req, _ := http.NewRequest(http.MethodGet, barePath(srv), nil)
	req.Header.Set(bare.HeaderURL, "http://127.0.0.1:1/")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	e := decodeWireError(t, resp)
	assert.Equal(t, bare.CodeFetchError, e.Code)
	assert.NotEmpty(t, e.ID)
}

func TestWireClientAgainstRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "close", r.Header.Get("X-Session"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()
	srv := newRelayServer(t)

	c := bare.NewClient(nil)
	resp, err := c.Do(context.Background(), srv.URL+"/bare", &bare.RelayRequest{
		TargetURL: upstream.URL,
		Headers:   map[string]string{"X-Session": "close"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "application/json", resp.Headers["content-type"])
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestWireClientSurfacesRelayErrors(t *testing.T) {
	srv := newRelayServer(t)
	c := bare.NewClient(nil)
	_, err := c.Do(context.Background(), srv.URL+"/bare", &bare.RelayRequest{
		TargetURL: "gopher://example.com/",
	})
	var reqErr *bare.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, bare.CodeUnsupportedProtocol, reqErr.Code)
	assert.Equal(t, http.StatusBadRequest, reqErr.Status())
}
