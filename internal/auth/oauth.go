package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultOAuthBaseURL hosts the Strava authorize and token endpoints.
	DefaultOAuthBaseURL = "https://www.strava.com/oauth"
	// DefaultScope is the comma separated scope list the mirror requests.
	DefaultScope = "read,activity:read,activity:read_all"

	tokenTimeout = 30 * time.Second
)

// AuthorizeArgs are the inputs of the authorize URL. Empty optional fields are omitted.
type AuthorizeArgs struct {
	ClientID       string
	RedirectURI    string
	Scope          string
	State          string
	ApprovalPrompt string
}

// Flow drives the authorization code grant against Strava.
type Flow struct {
	authURL    string
	tokenURL   string
	httpClient *http.Client
}

// NewFlow creates a flow rooted at baseURL (DefaultOAuthBaseURL when empty).
func NewFlow(baseURL string) *Flow {
	if baseURL == "" {
		baseURL = DefaultOAuthBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Flow{
		authURL:    baseURL + "/authorize",
		tokenURL:   baseURL + "/token",
		httpClient: &http.Client{Timeout: tokenTimeout},
	}
}

// oauthConfig returns an OAuth2 config for one Strava application.
// Strava expects comma separated scopes, so the scope string is passed as
// a single element rather than split.
func (f *Flow) oauthConfig(clientID, clientSecret, redirectURI, scope string) *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   f.authURL,
			TokenURL:  f.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
	}
	if scope != "" {
		cfg.Scopes = []string{scope}
	}
	return cfg
}

// AuthorizationURL builds the provider authorize URL.
func (f *Flow) AuthorizationURL(args AuthorizeArgs) string {
	cfg := f.oauthConfig(args.ClientID, "", args.RedirectURI, args.Scope)
	var opts []oauth2.AuthCodeOption
	if args.ApprovalPrompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("approval_prompt", args.ApprovalPrompt))
	}
	return cfg.AuthCodeURL(args.State, opts...)
}

// Exchange trades an authorization code for a token record.
func (f *Flow) Exchange(ctx context.Context, clientID, clientSecret, code string) (*TokenRecord, error) {
	cfg := f.oauthConfig(clientID, clientSecret, "", "")
	token, err := cfg.Exchange(f.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	record := recordFromOAuth2(token)
	if id := ExtractAthleteID(token); id != 0 {
		record.Athlete = &Athlete{ID: id}
	}
	return record, nil
}

// Refresh obtains a new access token and merges the returned fields into existing.
func (f *Flow) Refresh(ctx context.Context, clientID, clientSecret string, existing *TokenRecord) (*TokenRecord, error) {
	if existing == nil || existing.RefreshToken == "" {
		return nil, errors.New("token refresh failed: no refresh token")
	}

	cfg := f.oauthConfig(clientID, clientSecret, "", "")
	// An already expired token makes the token source hit the refresh grant.
	expired := &oauth2.Token{
		RefreshToken: existing.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}

	token, err := cfg.TokenSource(f.withClient(ctx), expired).Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return existing.Merge(recordFromOAuth2(token)), nil
}

func (f *Flow) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}

// IsRevoked reports whether a refresh or exchange failure was a rejection
// by the provider (the refresh token or code is no longer valid) as
// opposed to a transport problem.
func IsRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return false
	}
	switch re.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// recordFromOAuth2 converts an oauth2.Token, preferring Strava's absolute
// expires_at over the expiry derived from expires_in.
func recordFromOAuth2(token *oauth2.Token) *TokenRecord {
	record := &TokenRecord{
		TokenType:    token.TokenType,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	switch v := token.Extra("expires_at").(type) {
	case float64:
		record.ExpiresAt = int64(v)
	case int64:
		record.ExpiresAt = v
	}
	if record.ExpiresAt == 0 && !token.Expiry.IsZero() {
		record.ExpiresAt = token.Expiry.Unix()
	}
	return record
}

// ExtractAthleteID reads the athlete id from the token response extras.
func ExtractAthleteID(token *oauth2.Token) int64 {
	if athlete, ok := token.Extra("athlete").(map[string]interface{}); ok {
		if id, ok := athlete["id"].(float64); ok {
			return int64(id)
		}
	}
	return 0
}
