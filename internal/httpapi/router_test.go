package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/joshdurbin/strava-mirror/internal/auth"
	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/metrics"
	"github.com/joshdurbin/strava-mirror/internal/notify"
	"github.com/joshdurbin/strava-mirror/internal/strava"
	"github.com/joshdurbin/strava-mirror/internal/testutil"
	"github.com/joshdurbin/strava-mirror/internal/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const moduleBody = `{"identifier":"MMM-Strava_1","config":{"client_id":"12345","client_secret":"secret","mode":"chart","period":"recent"}}`

type testEnv struct {
	router http.Handler
	orch   *workers.Orchestrator
	hub    *notify.Hub
	fake   *testutil.FakeStrava
	store  *auth.FileStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := testutil.NewFakeStrava(t)
	store := auth.NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	hub := notify.NewHub(16)
	orch := workers.New(workers.Options{
		Store:       store,
		API:         strava.NewClient(fake.APIBaseURL(), strava.RetryConfig{MinWait: time.Millisecond, MaxWait: time.Millisecond}),
		OAuth:       auth.NewFlow(fake.OAuthBaseURL()),
		Hub:         hub,
		RedirectURI: "http://mirror.local/auth/exchange",
		AuthPage:    "http://mirror.local/auth/",
	})
	t.Cleanup(orch.Stop)

	router := NewRouter(Options{
		Registry:       orch,
		Hub:            hub,
		Metrics:        metrics.New(true),
		MetricsEnabled: true,
	})
	return &testEnv{router: router, orch: orch, hub: hub, fake: fake, store: store}
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) seedToken(t *testing.T) {
	t.Helper()
	access, refresh := e.fake.IssueToken()
	_, err := e.store.Save(context.Background(), "12345", &auth.TokenRecord{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
		Athlete:      &auth.Athlete{ID: testutil.AthleteID},
	})
	require.NoError(t, err)
}

func TestRegisterModule(t *testing.T) {
	env := newTestEnv(t)
	env.seedToken(t)

	rr := env.do(http.MethodPost, "/modules", moduleBody)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var st map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "MMM-Strava_1", st["identifier"])
	assert.Equal(t, "chart", st["mode"])

	require.Eventually(t, func() bool {
		_, ok := env.hub.Latest("MMM-Strava_1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	rr = env.do(http.MethodGet, "/modules/MMM-Strava_1/data", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"type":"DATA"`)
	assert.Contains(t, rr.Body.String(), `"intervals"`)
}

func TestRegisterModuleRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"identifier":`, http.StatusBadRequest},
		{"missing identifier", `{"config":{}}`, http.StatusBadRequest},
		{"config of wrong shape", `{"identifier":"x","config":{"reloadInterval":"soon"}}`, http.StatusBadRequest},
		{"invalid config", `{"identifier":"x","config":{"mode":"chart"}}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(http.MethodPost, "/modules", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}

	// The invalid registration is kept and reported.
	e, ok := env.hub.Last("x")
	require.True(t, ok)
	assert.Equal(t, notify.EventError, e.Type)
}

func TestModuleDataNotFound(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/modules/unknown/data", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListModulesIncludesLastEvent(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/modules", moduleBody)
	require.Equal(t, http.StatusAccepted, rr.Code)
	// Without a stored token the first cycle reports an authorization error.
	require.Eventually(t, func() bool {
		e, ok := env.hub.Last("MMM-Strava_1")
		return ok && e.Type == notify.EventError
	}, 2*time.Second, 10*time.Millisecond)

	rr = env.do(http.MethodGet, "/modules", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var modules []struct {
		Identifier string `json:"identifier"`
		AuthState  string `json:"auth_state"`
		LastEvent  struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"last_event"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &modules))
	require.Len(t, modules, 1)
	assert.Equal(t, "unauthenticated", modules[0].AuthState)
	assert.Equal(t, "ERROR", modules[0].LastEvent.Type)
	assert.Contains(t, modules[0].LastEvent.Message, "http://mirror.local/auth/")
}

func TestUnregisterModule(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/modules", moduleBody).Code)

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/modules/MMM-Strava_1", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/modules/MMM-Strava_1", "").Code)
	assert.Empty(t, env.orch.Identifiers())
}

func TestAuthModules(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/modules", moduleBody).Code)

	rr := env.do(http.MethodGet, "/auth/modules", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `["MMM-Strava_1"]`, rr.Body.String())
}

func TestAuthRequest(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/modules", moduleBody).Code)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/auth/request", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/auth/request?module_identifier=nope", "").Code)

	rr := env.do(http.MethodGet, "/auth/request?module_identifier=MMM-Strava_1", "")
	require.Equal(t, http.StatusFound, rr.Code)

	location, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	q := location.Query()
	assert.Equal(t, "/oauth/authorize", location.Path)
	assert.Equal(t, "12345", q.Get("client_id"))
	assert.Equal(t, "http://mirror.local/auth/exchange", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "read,activity:read,activity:read_all", q.Get("scope"))
	assert.Equal(t, "MMM-Strava_1", q.Get("state"))
	assert.Equal(t, "force", q.Get("approval_prompt"))

	st, ok := env.orch.Module("MMM-Strava_1")
	require.True(t, ok)
	assert.Equal(t, auth.PendingExchange, st.AuthState)
}

func TestAuthExchange(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/modules", moduleBody).Code)

	tests := []struct {
		name       string
		query      string
		wantStatus string
	}{
		{"denied", "state=MMM-Strava_1&error=access_denied", "error"},
		{"missing code", "state=MMM-Strava_1", "error"},
		{"unknown module", "state=nope&code=" + testutil.ValidCode, "error"},
		{"bad code", "state=MMM-Strava_1&code=wrong", "error"},
		{"success", "state=MMM-Strava_1&code=" + testutil.ValidCode, "success"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(http.MethodGet, "/auth/exchange?"+tt.query, "")
			require.Equal(t, http.StatusFound, rr.Code)
			location, err := url.Parse(rr.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "/auth/", location.Path)
			assert.Equal(t, tt.wantStatus, location.Query().Get("status"))
			if tt.wantStatus == "error" {
				assert.NotEmpty(t, location.Query().Get("message"))
			}
		})
	}

	token, err := auth.Load(context.Background(), env.store, "12345")
	require.NoError(t, err)
	assert.Equal(t, int64(testutil.AthleteID), token.AthleteID())

	require.Eventually(t, func() bool {
		_, ok := env.hub.Latest("MMM-Strava_1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthPage(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/modules", moduleBody).Code)

	rr := env.do(http.MethodGet, "/auth/?status=error&message=%3Cb%3Eboom%3C%2Fb%3E", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, body, "MMM-Strava_1")
	assert.Contains(t, body, "/auth/request?module_identifier=MMM-Strava_1")
	assert.Contains(t, body, "&lt;b&gt;boom&lt;/b&gt;")
	assert.NotContains(t, body, "<b>boom</b>")
}

func TestEventsStreamReplaysData(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Publish(notify.NewData("MMM-Strava_1", map[string]int{"count": 3}))
	env.hub.Publish(notify.NewData("other", map[string]int{"count": 9}))

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?identifier=MMM-Strava_1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimPrefix(line, "event:")
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(line, "data:")
			break
		}
	}
	assert.Equal(t, "DATA", event)
	assert.Contains(t, data, `"identifier":"MMM-Strava_1"`)
	assert.NotContains(t, data, "other")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)

	rr = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "strava_mirror_http_requests_total")
}

func TestMetricsDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(Options{Registry: &stubRegistry{}, Hub: notify.NewHub(1)})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMCPMount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router := NewRouter(Options{Registry: &stubRegistry{}, Hub: notify.NewHub(1), MCP: mcp})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/mcp?sessionid=abc", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(Options{Registry: &stubRegistry{panics: true}, Hub: notify.NewHub(1)})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/modules", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

type stubRegistry struct {
	panics bool
}

func (s *stubRegistry) Identifiers() []string {
	if s.panics {
		panic("boom")
	}
	return nil
}

func (s *stubRegistry) Modules() []workers.ModuleStatus {
	return nil
}

func (s *stubRegistry) Module(string) (workers.ModuleStatus, bool) {
	return workers.ModuleStatus{}, false
}

func (s *stubRegistry) RegisterConfig(context.Context, string, config.ModuleConfig) error {
	return nil
}

func (s *stubRegistry) Unregister(string) bool {
	return false
}

func (s *stubRegistry) AuthorizationURL(string) (string, error) {
	return "", workers.ErrUnknownModule
}

func (s *stubRegistry) MarkPending(string) error {
	return nil
}

func (s *stubRegistry) CompleteExchange(context.Context, string, string) error {
	return nil
}
