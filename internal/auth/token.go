package auth

import (
	"errors"
	"time"
)

// ErrNoToken is returned when no token is stored for a client id.
var ErrNoToken = errors.New("no token stored for client")

// Athlete is the athlete summary Strava attaches to the exchange response.
// Only the id is needed to query athlete stats.
type Athlete struct {
	ID int64 `json:"id"`
}

// TokenRecord is the persisted credential set for one client id.
type TokenRecord struct {
	TokenType    string   `json:"token_type,omitempty"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	Athlete      *Athlete `json:"athlete,omitempty"`
}

// Entry wraps a token the way it is keyed in the token file.
type Entry struct {
	Token *TokenRecord `json:"token"`
}

// Tokens maps client id to its stored entry.
type Tokens map[string]Entry

// Get returns the token stored for clientID.
func (t Tokens) Get(clientID string) (*TokenRecord, bool) {
	e, ok := t[clientID]
	if !ok || e.Token == nil {
		return nil, false
	}
	return e.Token, true
}

// Clone returns a deep copy so callers can mutate without touching store state.
func (t Tokens) Clone() Tokens {
	out := make(Tokens, len(t))
	for k, e := range t {
		if e.Token != nil {
			out[k] = Entry{Token: e.Token.Clone()}
		} else {
			out[k] = e
		}
	}
	return out
}

// Clone returns a deep copy of the record.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Athlete != nil {
		a := *r.Athlete
		c.Athlete = &a
	}
	return &c
}

// AthleteID returns the athlete id or 0 when unknown.
func (r *TokenRecord) AthleteID() int64 {
	if r == nil || r.Athlete == nil {
		return 0
	}
	return r.Athlete.ID
}

// Merge returns a copy of r with every non-zero field of update applied.
// Fields the update omits, such as the athlete, keep their existing value.
func (r *TokenRecord) Merge(update *TokenRecord) *TokenRecord {
	merged := r.Clone()
	if merged == nil {
		merged = &TokenRecord{}
	}
	if update == nil {
		return merged
	}
	if update.TokenType != "" {
		merged.TokenType = update.TokenType
	}
	if update.AccessToken != "" {
		merged.AccessToken = update.AccessToken
	}
	if update.RefreshToken != "" {
		merged.RefreshToken = update.RefreshToken
	}
	if update.ExpiresAt != 0 {
		merged.ExpiresAt = update.ExpiresAt
	}
	if update.Athlete != nil {
		a := *update.Athlete
		merged.Athlete = &a
	}
	return merged
}

// ExpiresWithin reports whether the access token expires before now+skew.
func (r *TokenRecord) ExpiresWithin(now time.Time, skew time.Duration) bool {
	return now.Add(skew).Unix() >= r.ExpiresAt
}

// IsTokenExpired checks if the token is expired or will expire in the next five minutes
func IsTokenExpired(expiresAt int64) bool {
	return time.Now().Unix() > (expiresAt - 300)
}
