// Package testutil provides an in-process stand-in for the Strava API and
// OAuth endpoints.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joshdurbin/strava-mirror/internal/strava"
)

// ValidCode is the only authorization code FakeStrava accepts.
const ValidCode = "valid-code"

// AthleteID is the athlete every issued token belongs to.
const AthleteID = 42

// FakeStrava serves /api/v3 and /oauth. Only the most recently issued
// access token is accepted by the API.
type FakeStrava struct {
	Server *httptest.Server

	mu            sync.Mutex
	accessToken   string
	refreshToken  string
	seq           int
	activities    []strava.Activity
	stats         map[string]strava.Totals
	apiStatus     int
	refreshStatus int
	rateLimit     string

	ActivityRequests int
	StatsRequests    int
	RefreshRequests  int
	ExchangeRequests int
}

func NewFakeStrava(t testing.TB) *FakeStrava {
	t.Helper()
	f := &FakeStrava{stats: map[string]strava.Totals{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/athlete/activities", f.handleActivities)
	mux.HandleFunc("/api/v3/athletes/", f.handleStats)
	mux.HandleFunc("/oauth/token", f.handleToken)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeStrava) APIBaseURL() string   { return f.Server.URL + "/api/v3" }
func (f *FakeStrava) OAuthBaseURL() string { return f.Server.URL + "/oauth" }

// IssueToken mints a token pair and makes it the valid one.
func (f *FakeStrava) IssueToken() (access, refresh string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueLocked()
}

func (f *FakeStrava) issueLocked() (string, string) {
	f.seq++
	f.accessToken = fmt.Sprintf("access-%d", f.seq)
	f.refreshToken = fmt.Sprintf("refresh-%d", f.seq)
	return f.accessToken, f.refreshToken
}

func (f *FakeStrava) SetActivities(activities []strava.Activity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = activities
}

// SetStats sets a totals block, e.g. "ytd_run_totals".
func (f *FakeStrava) SetStats(key string, totals strava.Totals) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[key] = totals
}

// SetAPIStatus makes every API request fail with status. Zero restores normal responses.
func (f *FakeStrava) SetAPIStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiStatus = status
}

// SetRefreshStatus makes refresh grants fail with status.
func (f *FakeStrava) SetRefreshStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshStatus = status
}

// SetRateLimit sets the X-RateLimit-Usage header value, e.g. "10,995".
func (f *FakeStrava) SetRateLimit(usage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateLimit = usage
}

func (f *FakeStrava) Counts() (activities, stats, refreshes, exchanges int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ActivityRequests, f.StatsRequests, f.RefreshRequests, f.ExchangeRequests
}

// authorize checks the bearer token and the forced failure mode. It
// reports whether the handler should continue.
func (f *FakeStrava) authorize(w http.ResponseWriter, r *http.Request) bool {
	if f.rateLimit != "" {
		w.Header().Set("X-RateLimit-Limit", "100,1000")
		w.Header().Set("X-RateLimit-Usage", f.rateLimit)
	}
	if f.apiStatus != 0 {
		writeFault(w, f.apiStatus, "Forced failure")
		return false
	}
	if r.Header.Get("Authorization") != "Bearer "+f.accessToken || f.accessToken == "" {
		writeFault(w, http.StatusUnauthorized, "Authorization Error")
		return false
	}
	return true
}

func (f *FakeStrava) handleActivities(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ActivityRequests++
	if !f.authorize(w, r) {
		return
	}

	activities := []strava.Activity{}
	if r.URL.Query().Get("page") == "1" {
		activities = f.activities
	}
	writeJSON(w, http.StatusOK, activities)
}

func (f *FakeStrava) handleStats(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatsRequests++
	if !f.authorize(w, r) {
		return
	}
	if r.URL.Path != fmt.Sprintf("/api/v3/athletes/%d/stats", AthleteID) {
		writeFault(w, http.StatusNotFound, "Record Not Found")
		return
	}

	body := map[string]any{"biggest_ride_distance": 0}
	for k, v := range f.stats {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func (f *FakeStrava) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeFault(w, http.StatusBadRequest, "Bad Request")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	expiresAt := time.Now().Add(6 * time.Hour).Unix()
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		f.ExchangeRequests++
		if r.PostForm.Get("code") != ValidCode {
			writeFault(w, http.StatusBadRequest, "Bad Request")
			return
		}
		access, refresh := f.issueLocked()
		writeJSON(w, http.StatusOK, map[string]any{
			"token_type":    "Bearer",
			"access_token":  access,
			"refresh_token": refresh,
			"expires_at":    expiresAt,
			"expires_in":    21600,
			"athlete":       map[string]any{"id": AthleteID},
		})
	case "refresh_token":
		f.RefreshRequests++
		if f.refreshStatus != 0 {
			writeFault(w, f.refreshStatus, "Bad Request")
			return
		}
		if !strings.HasPrefix(r.PostForm.Get("refresh_token"), "refresh") {
			writeFault(w, http.StatusBadRequest, "Bad Request")
			return
		}
		access, refresh := f.issueLocked()
		// Strava does not repeat the athlete on refresh.
		writeJSON(w, http.StatusOK, map[string]any{
			"token_type":    "Bearer",
			"access_token":  access,
			"refresh_token": refresh,
			"expires_at":    expiresAt,
			"expires_in":    21600,
		})
	default:
		writeFault(w, http.StatusBadRequest, "unsupported grant type")
	}
}

func writeFault(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"message": message,
		"errors":  []map[string]string{{"resource": "Athlete", "field": "access_token", "code": "invalid"}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
